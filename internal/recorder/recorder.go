package recorder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"text/template"
	"time"

	"github.com/alexzorin/live-vcr/internal/ffmpeg"
	"github.com/alexzorin/live-vcr/internal/repair"
	"github.com/alexzorin/live-vcr/internal/supervisor"
)

// DefaultInterval is the automatic-mode pause between checks.
const DefaultInterval = 5 * time.Minute

// Capturer writes a live source to a file until it ends or ctx is done.
type Capturer interface {
	Capture(ctx context.Context, source, outputPath string, opts ffmpeg.CaptureOptions) error
}

// Normalizer finishes a capture file.
type Normalizer interface {
	Normalize(capturePath string)
}

// Notifier hands a finished recording to whatever announces it.
type Notifier interface {
	Notify(target, path string) error
}

// Recorder records one user's stream inside a worker.
type Recorder struct {
	Capturer   Capturer
	Normalizer Normalizer
	Log        *slog.Logger

	// Notifier is used for tasks with a notification target. When nil the
	// finished path is only logged.
	Notifier Notifier

	// SourceTemplate renders a stream URL from {{.User}} and {{.RoomID}}
	// when the task carries no explicit URL.
	SourceTemplate string

	now func() time.Time
}

// Run records according to the task's mode. Manual mode returns after one
// capture; automatic mode keeps checking every interval until ctx is done.
func (r *Recorder) Run(ctx context.Context, t supervisor.Task) error {
	log := r.logger().With("user", t.User)

	source, err := r.source(t)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(t.Output, 0o755); err != nil {
		return fmt.Errorf("couldn't create output dir at %q: %w", t.Output, err)
	}

	if t.Mode != supervisor.ModeAutomatic {
		return r.recordOnce(ctx, log, t, source)
	}

	interval := t.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	defer log.Info("Stopped monitoring")

	for {
		if err := r.recordOnce(ctx, log, t, source); err != nil {
			log.Warn("Recording ended with error, will check again", "error", err, "interval", interval)
		} else if ctx.Err() == nil {
			log.Info("Recording ended, will check again", "interval", interval)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
			continue
		}
	}
}

func (r *Recorder) recordOnce(ctx context.Context, log *slog.Logger, t supervisor.Task, source string) error {
	if ctx.Err() != nil {
		return nil
	}

	capturePath := filepath.Join(t.Output, r.captureName(t.User))
	log.Info("Started recording", "destination", capturePath)

	captureErr := r.Capturer.Capture(ctx, source, capturePath, ffmpeg.CaptureOptions{
		Proxy:    t.Proxy,
		Cookies:  t.Cookies,
		Duration: t.Duration,
	})

	// Keep whatever was captured, even from a failed or interrupted run.
	if info, err := os.Stat(capturePath); err == nil && info.Size() > 0 {
		log.Info("Recording finished", "file", capturePath, "bytes", info.Size())
		r.Normalizer.Normalize(capturePath)
		r.announce(log, t.Notify, capturePath)
	} else if err == nil {
		_ = os.Remove(capturePath)
	}

	if captureErr != nil {
		return fmt.Errorf("recording %s: %w", t.User, captureErr)
	}
	return nil
}

// announce reports whichever file the repair left behind: the MP4 when it
// succeeded, the capture itself otherwise.
func (r *Recorder) announce(log *slog.Logger, target, capturePath string) {
	if target == "" {
		return
	}
	path := repair.OutputPath(capturePath)
	if _, err := os.Stat(path); err != nil {
		path = capturePath
		if _, err := os.Stat(path); err != nil {
			log.Warn("No recording left to announce", "target", target)
			return
		}
	}

	if r.Notifier == nil {
		log.Info("Recording ready", "target", target, "file", path)
		return
	}
	if err := r.Notifier.Notify(target, path); err != nil {
		log.Error("Failed to announce recording", "target", target, "file", path, "error", err)
	}
}

func (r *Recorder) source(t supervisor.Task) (string, error) {
	if t.URL != "" {
		return t.URL, nil
	}
	if r.SourceTemplate == "" {
		return "", errors.New("no stream url: pass --url or set stream_url in the config")
	}

	tmpl, err := template.New("source").Parse(r.SourceTemplate)
	if err != nil {
		return "", fmt.Errorf("invalid stream_url template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, t); err != nil {
		return "", fmt.Errorf("executing stream_url template: %w", err)
	}
	return buf.String(), nil
}

// captureName follows TK_<user>_<timestamp> with the marker suffix, because
// the capture is FLV data until the repair pipeline has run.
func (r *Recorder) captureName(user string) string {
	now := time.Now
	if r.now != nil {
		now = r.now
	}
	return fmt.Sprintf("TK_%s_%s%s", user, now().Format("2006.01.02_15-04-05"), repair.MarkerSuffix)
}

func (r *Recorder) logger() *slog.Logger {
	if r.Log == nil {
		return slog.Default()
	}
	return r.Log
}
