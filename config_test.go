package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "live-vcr.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig_File(t *testing.T) {
	chdir(t, t.TempDir()) // keep a stray .env out of the test
	path := writeConfig(t, `
output = "/srv/recordings"
stream_url = "https://pull.example.com/{{.User}}.flv"

[cookies]
sessionid_ss = "abc"

[convert]
video_codec = "libx265"
preset = "veryfast"
faststart = false
lock_timeout = "30s"
`)

	conf, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/recordings", conf.Output)
	assert.Equal(t, "https://pull.example.com/{{.User}}.flv", conf.StreamURL)
	assert.Equal(t, map[string]string{"sessionid_ss": "abc"}, conf.Cookies)
	assert.Equal(t, "libx265", conf.Convert.VideoCodec)
	assert.Equal(t, 30*time.Second, conf.Convert.LockTimeout)
	require.NotNil(t, conf.Convert.FastStart)
	assert.False(t, *conf.Convert.FastStart)
	assert.Nil(t, conf.Convert.Verify)
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	chdir(t, t.TempDir())
	path := writeConfig(t, `output = "/srv/recordings"`)
	t.Setenv("LIVEVCR_OUTPUT", "/mnt/other")
	t.Setenv("LIVEVCR_SESSIONID", "from-env")

	conf, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/mnt/other", conf.Output)
	assert.Equal(t, "from-env", conf.Cookies["sessionid_ss"])
}

func TestLoadConfig_DotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("LIVEVCR_STREAM_URL=https://dotenv.example.com/{{.User}}\n"), 0o644))
	path := writeConfig(t, "")
	t.Cleanup(func() { os.Unsetenv("LIVEVCR_STREAM_URL") })

	conf, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "https://dotenv.example.com/{{.User}}", conf.StreamURL)
}

func TestLoadConfig_MissingDefaultIsFine(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())

	conf, err := loadConfig("")
	require.NoError(t, err)
	assert.Empty(t, conf.Output)
}

func TestLoadConfig_Errors(t *testing.T) {
	chdir(t, t.TempDir())

	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	_, err = loadConfig(writeConfig(t, `listen = "127.0.0.1:31930"`))
	assert.ErrorContains(t, err, "secret")
}

func TestEnsureVideoDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")

	got, err := ensureVideoDir(dir)
	require.NoError(t, err)

	assert.Equal(t, dir, got)
	assert.DirExists(t, dir)
}
