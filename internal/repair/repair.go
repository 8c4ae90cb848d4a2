// Package repair turns capture files whose container was never properly
// finalized into playable MP4 files.
//
// A capture named with MarkerSuffix needs work; anything else is already
// final and left alone. Normalize is idempotent and, once started, runs to
// completion: it takes no context.
package repair

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/alexzorin/live-vcr/internal/container"
)

const (
	MarkerSuffix = "_flv.mp4"
	FinalSuffix  = ".mp4"
)

// Transcoder is the external media tool the cascade drives.
type Transcoder interface {
	Remux(inputPath, outputPath string) error
	Reencode(inputPath, outputPath string) error
	Probe(path string) error
}

// Normalizer runs the recovery cascade on finished capture files.
type Normalizer struct {
	Transcoder Transcoder
	Log        *slog.Logger

	LockTimeout  time.Duration // How long to wait for the producer to let go of the file.
	PollInterval time.Duration
	Verify       bool // Probe the output for at least one stream.

	openAppend func(path string) error
	rename     func(oldpath, newpath string) error
	copy       func(src, dst string) error
}

// NewNormalizer returns a Normalizer with the default 10s lock wait polled
// every 500ms and structural verification enabled.
func NewNormalizer(t Transcoder, log *slog.Logger) *Normalizer {
	return &Normalizer{
		Transcoder:   t,
		Log:          log,
		LockTimeout:  10 * time.Second,
		PollInterval: 500 * time.Millisecond,
		Verify:       true,
	}
}

// NeedsRepair reports whether path carries the marker suffix.
func NeedsRepair(path string) bool {
	return strings.HasSuffix(path, MarkerSuffix)
}

// OutputPath derives the final file name from a capture path.
func OutputPath(capturePath string) string {
	return strings.TrimSuffix(capturePath, MarkerSuffix) + FinalSuffix
}

// Normalize converts capturePath into its output file. On return exactly one
// of the two files is on disk, except where an existing output was trusted.
// Failures are logged, never returned: the capture file is kept for manual
// recovery and any partial output is removed.
func (n *Normalizer) Normalize(capturePath string) {
	log := n.logger().With("file", capturePath)

	if !NeedsRepair(capturePath) {
		log.Info("File already in MP4 format, skipping conversion")
		return
	}

	output := OutputPath(capturePath)
	if err := n.normalize(log, capturePath, output); err != nil {
		log.Error("Conversion failed, keeping original capture", "error", err.Error())
		if rmErr := removeIfExists(output); rmErr != nil {
			log.Warn("Failed to remove partial output", "output", output, "error", rmErr.Error())
		}
	}
}

func (n *Normalizer) normalize(log *slog.Logger, capturePath, output string) error {
	kind := container.Sniff(capturePath)
	log.Info("Converting to MP4 format...", "source", kind)

	if err := n.waitForRelease(capturePath); err != nil {
		// The producer may still be writing: leave everything as is.
		if errors.Is(err, os.ErrNotExist) {
			log.Error("Capture file is missing, skipping conversion")
		} else {
			log.Error("File is still locked after waiting, skipping conversion", "error", err.Error())
		}
		return nil
	}

	// An existing output is trusted as is.
	if _, err := os.Stat(output); err == nil {
		log.Info("Output file already exists, skipping conversion", "output", output)
		if err := os.Remove(capturePath); err != nil {
			log.Warn("Failed to remove capture file", "error", err.Error())
		}
		return nil
	}

	err := n.Transcoder.Remux(capturePath, output)
	if err != nil {
		log.Warn("Remux failed, trying plain rename", "error", err.Error())
		if err := removeIfExists(output); err != nil {
			return err
		}
		renameErr := n.renameFile(capturePath, output)
		if renameErr == nil {
			if kind == container.FLV {
				log.Warn("Renamed capture still holds FLV data, the output may not play everywhere", "output", output)
			} else {
				log.Info("Renamed capture, container already valid", "output", output, "container", kind)
			}
			return nil
		}
		log.Warn("Rename failed, re-encoding", "error", renameErr.Error())

		if err := n.Transcoder.Reencode(capturePath, output); err != nil {
			if !isUnsupported(err) {
				return fmt.Errorf("re-encode: %w", err)
			}
			log.Warn("Codec unsupported, falling back to raw copy", "error", err.Error())
			if err := n.copyFile(capturePath, output); err != nil {
				return fmt.Errorf("raw copy: %w", err)
			}
			if err := os.Remove(capturePath); err != nil {
				return err
			}
			log.Info("Copied capture without conversion", "output", output)
			return nil
		}
	}

	if err := n.verify(output); err != nil {
		log.Error("Conversion produced an invalid file", "output", output, "error", err.Error())
		return removeIfExists(output)
	}

	if err := os.Remove(capturePath); err != nil {
		return err
	}
	log.Info("Finished converting", "output", output)
	return nil
}

func (n *Normalizer) verify(output string) error {
	info, err := os.Stat(output)
	if err != nil {
		return errors.New("output file not created")
	}
	if info.Size() == 0 {
		return errors.New("output file is empty")
	}
	if n.Verify {
		if err := n.Transcoder.Probe(output); err != nil {
			return fmt.Errorf("probe: %w", err)
		}
	}
	return nil
}

func (n *Normalizer) logger() *slog.Logger {
	if n.Log == nil {
		return slog.Default()
	}
	return n.Log
}

func (n *Normalizer) renameFile(oldpath, newpath string) error {
	if n.rename != nil {
		return n.rename(oldpath, newpath)
	}
	return os.Rename(oldpath, newpath)
}

func (n *Normalizer) copyFile(src, dst string) error {
	if n.copy != nil {
		return n.copy(src, dst)
	}
	return copyFile(src, dst)
}

// isUnsupported matches tool errors whose diagnostics name an unsupported
// or unimplemented codec.
func isUnsupported(err error) bool {
	var u interface{ Unsupported() bool }
	return errors.As(err, &u) && u.Unsupported()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
