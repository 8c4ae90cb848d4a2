package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/alexzorin/live-vcr/internal/ffmpeg"
	"github.com/alexzorin/live-vcr/internal/recorder"
	"github.com/alexzorin/live-vcr/internal/repair"
	"github.com/alexzorin/live-vcr/internal/supervisor"
)

type globalOptions struct {
	configPath string
	verbose    bool
}

// setup loads the config and installs the process-wide logger.
func (o *globalOptions) setup() (*config, *slog.Logger, error) {
	level := slog.LevelInfo
	if o.verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	conf, err := loadConfig(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	return conf, log, nil
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "live-vcr",
		Short:         "Record live streams to disk",
		Long:          "Records one or more users' live streams, one worker process per user, and repairs the captured files into playable MP4.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Config file (default $XDG_CONFIG_HOME/live-vcr.toml)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Debug logging")

	root.AddCommand(newRecordCmd(opts))
	root.AddCommand(newConvertCmd(opts))
	root.AddCommand(newWorkerCmd(opts))
	root.AddCommand(newDoctorCmd(opts))

	return root
}

func newRecordCmd(opts *globalOptions) *cobra.Command {
	var (
		users    []string
		url      string
		roomID   string
		mode     string
		interval int
		proxy    string
		output   string
		duration int
		notify   string
		listen   string
	)

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record one or more users",
		Long:  "Record live streams. A single user is recorded in this process; several users each get their own worker process.\nCtrl+C once to stop and finish conversions, twice to kill the workers.",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, log, err := opts.setup()
			if err != nil {
				return err
			}

			m, err := supervisor.ParseMode(mode)
			if err != nil {
				return err
			}
			if output == "" {
				output = conf.Output
			}
			videoDir, err := ensureVideoDir(output)
			if err != nil {
				return err
			}
			if listen == "" {
				listen = conf.Listen
			}
			if listen != "" && conf.Secret == "" {
				return errors.New("--listen requires a secret in the config")
			}

			tasks := make([]supervisor.Task, 0, len(users))
			for _, u := range users {
				tasks = append(tasks, supervisor.Task{
					User:     u,
					URL:      url,
					RoomID:   roomID,
					Mode:     m,
					Interval: time.Duration(interval) * time.Minute,
					Proxy:    proxy,
					Output:   videoDir,
					Duration: time.Duration(duration) * time.Second,
					Notify:   notify,
					Cookies:  conf.Cookies,
				})
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			sup := &supervisor.Supervisor{
				Log:       log,
				Signals:   sigCh,
				RunInline: newRecorder(conf, log).Run,
				Command:   workerCommand(opts),
			}

			if listen != "" {
				srv := &http.Server{
					Addr:    listen,
					Handler: newStatusRouter(conf.Secret, videoDir, sup),
				}
				go func() {
					log.Info("Starting status server", "addr", srv.Addr)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Error("Status server failed", "error", err)
					}
				}()
				defer srv.Shutdown(context.Background())
			}

			sup.RunAll(context.Background(), tasks)
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&users, "user", "u", nil, "User to record (repeatable)")
	cmd.Flags().StringVar(&url, "url", "", "Stream URL (overrides the stream_url template)")
	cmd.Flags().StringVar(&roomID, "room-id", "", "Room id passed to the stream_url template")
	cmd.Flags().StringVarP(&mode, "mode", "m", string(supervisor.ModeManual), "manual or automatic")
	cmd.Flags().IntVar(&interval, "interval", 5, "Automatic mode check interval in minutes")
	cmd.Flags().StringVar(&proxy, "proxy", "", "HTTP proxy for the capture")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output directory")
	cmd.Flags().IntVar(&duration, "duration", 0, "Stop each recording after this many seconds (0 = no limit)")
	cmd.Flags().StringVar(&notify, "notify", "", "Announce finished recordings to this target")
	cmd.Flags().StringVar(&listen, "listen", "", "Serve worker status on this address")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func newConvertCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "convert FILE...",
		Short: "Repair captured files into MP4",
		Long:  "Run the container repair on existing captures. Files without the _flv.mp4 suffix are left alone.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, log, err := opts.setup()
			if err != nil {
				return err
			}
			n := newNormalizer(conf, log)
			for _, path := range args {
				n.Normalize(path)
			}
			return nil
		},
	}
}

// newWorkerCmd is the child side of the supervisor: one task as JSON on
// stdin, recorded until it ends or the process is interrupted.
func newWorkerCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, log, err := opts.setup()
			if err != nil {
				return err
			}

			var task supervisor.Task
			if err := json.NewDecoder(cmd.InOrStdin()).Decode(&task); err != nil {
				return fmt.Errorf("reading task: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return newRecorder(conf, log).Run(ctx, task)
		},
	}
}

func newDoctorCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check prerequisites",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			check := func(name string, ok bool, detail string) {
				mark := "ok"
				if !ok {
					mark = "missing"
				}
				fmt.Fprintf(w, "  %-8s %s: %s\n", mark, name, detail)
			}

			for _, bin := range []string{"ffmpeg", "ffprobe"} {
				if path, err := exec.LookPath(bin); err != nil {
					check(bin, false, "not found in PATH")
				} else {
					check(bin, true, path)
				}
			}

			conf, err := loadConfig(opts.configPath)
			if err != nil {
				check("config", false, err.Error())
				return nil
			}
			check("config", true, "loaded")

			if dir, err := ensureVideoDir(conf.Output); err != nil {
				check("output", false, err.Error())
			} else {
				check("output", true, dir)
			}
			check("stream_url", conf.StreamURL != "", conf.StreamURL)
			return nil
		},
	}
}

func newNormalizer(conf *config, log *slog.Logger) *repair.Normalizer {
	tool := ffmpeg.NewTool()
	c := conf.Convert
	if c.VideoCodec != "" {
		tool.VideoCodec = c.VideoCodec
	}
	if c.AudioCodec != "" {
		tool.AudioCodec = c.AudioCodec
	}
	if c.Preset != "" {
		tool.Preset = c.Preset
	}
	if c.PixelFormat != "" {
		tool.PixelFormat = c.PixelFormat
	}
	if c.FastStart != nil {
		tool.FastStart = *c.FastStart
	}

	n := repair.NewNormalizer(tool, log)
	if c.Verify != nil {
		n.Verify = *c.Verify
	}
	if c.LockTimeout > 0 {
		n.LockTimeout = c.LockTimeout
	}
	if c.PollInterval > 0 {
		n.PollInterval = c.PollInterval
	}
	return n
}

func newRecorder(conf *config, log *slog.Logger) *recorder.Recorder {
	return &recorder.Recorder{
		Capturer:       ffmpeg.NewTool(),
		Normalizer:     newNormalizer(conf, log),
		Log:            log,
		SourceTemplate: conf.StreamURL,
	}
}

// workerCommand re-executes this binary as a worker for one task.
func workerCommand(opts *globalOptions) func(supervisor.Task) (*exec.Cmd, error) {
	return func(t supervisor.Task) (*exec.Cmd, error) {
		self, err := os.Executable()
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}

		args := []string{"worker"}
		if opts.configPath != "" {
			args = append(args, "--config", opts.configPath)
		}
		if opts.verbose {
			args = append(args, "--verbose")
		}

		cmd := exec.Command(self, args...)
		cmd.Stdin = bytes.NewReader(data)
		return cmd, nil
	}
}
