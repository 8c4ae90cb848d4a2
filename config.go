package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

type config struct {
	Secret    string            `toml:"secret"`     // Bearer token for the status server.
	Listen    string            `toml:"listen"`     // Status server address; empty disables it.
	Output    string            `toml:"output"`     // Default recordings dir.
	StreamURL string            `toml:"stream_url"` // Template with {{.User}} and {{.RoomID}}.
	Cookies   map[string]string `toml:"cookies"`
	Convert   convertConfig     `toml:"convert"`
}

type convertConfig struct {
	VideoCodec   string        `toml:"video_codec"`
	AudioCodec   string        `toml:"audio_codec"`
	Preset       string        `toml:"preset"`
	PixelFormat  string        `toml:"pixel_format"`
	FastStart    *bool         `toml:"faststart"`
	Verify       *bool         `toml:"verify"`
	LockTimeout  time.Duration `toml:"lock_timeout"`
	PollInterval time.Duration `toml:"poll_interval"`
}

func defaultConfigPath() (string, error) {
	confDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(confDir, "live-vcr.toml"), nil
}

// loadConfig reads path, or the default location when path is empty. A
// missing default file is not an error. Variables from .env and the
// environment are applied on top.
func loadConfig(path string) (*config, error) {
	explicit := path != ""
	if !explicit {
		p, err := defaultConfigPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	var conf config
	if _, err := toml.DecodeFile(path, &conf); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load config from %q: %w", path, err)
		}
	}

	// .env is optional.
	_ = godotenv.Load()
	applyEnvOverrides(&conf)

	if conf.Listen != "" && conf.Secret == "" {
		return nil, errors.New("listen is set but secret is empty: the status server requires a secret")
	}

	return &conf, nil
}

func applyEnvOverrides(conf *config) {
	if v := os.Getenv("LIVEVCR_OUTPUT"); v != "" {
		conf.Output = v
	}
	if v := os.Getenv("LIVEVCR_STREAM_URL"); v != "" {
		conf.StreamURL = v
	}
	if v := os.Getenv("LIVEVCR_LISTEN"); v != "" {
		conf.Listen = v
	}
	if v := os.Getenv("LIVEVCR_SECRET"); v != "" {
		conf.Secret = v
	}
	if v := os.Getenv("LIVEVCR_SESSIONID"); v != "" {
		if conf.Cookies == nil {
			conf.Cookies = map[string]string{}
		}
		conf.Cookies["sessionid_ss"] = v
	}
}

// ensureVideoDir returns dir, or a cache directory when dir is empty, and
// makes sure it exists.
func ensureVideoDir(dir string) (string, error) {
	if dir == "" {
		cacheDir, err := os.UserCacheDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(cacheDir, "live-vcr")
	}
	dir = expandTilde(dir)

	if _, stat := os.Stat(dir); os.IsNotExist(stat) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("couldn't create video dir at %q: %w", dir, err)
		}
	}

	return dir, nil
}

func expandTilde(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
