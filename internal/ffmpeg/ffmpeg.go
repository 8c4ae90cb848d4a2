package ffmpeg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// The library prints every compiled command line through the standard
// logger, session cookies included. Commands are logged at debug level by
// Capture instead, with the headers redacted.
func init() {
	ffmpeg.LogCompiledCommand = false
}

// Tool wraps ffmpeg/ffprobe calls.
type Tool struct {
	VideoCodec  string
	AudioCodec  string
	Preset      string
	PixelFormat string
	FastStart   bool
}

// NewTool creates an ffmpeg adapter with the default re-encode settings.
func NewTool() *Tool {
	return &Tool{
		VideoCodec:  "libx264",
		AudioCodec:  "aac",
		Preset:      "ultrafast",
		PixelFormat: "yuv420p",
		FastStart:   true,
	}
}

// CaptureOptions tunes a live capture.
type CaptureOptions struct {
	Proxy    string
	Cookies  map[string]string
	Duration time.Duration // 0 = until the source ends
}

// Error is returned when ffmpeg or ffprobe exits unsuccessfully.
type Error struct {
	Op     string
	Err    error
	Stderr string
}

func (e *Error) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("ffmpeg %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("ffmpeg %s failed: %v: %s", e.Op, e.Err, lastLine(e.Stderr))
}

func (e *Error) Unwrap() error { return e.Err }

var unsupportedMarkers = []string{
	"not implemented",
	"unsupported codec",
	"codec not currently supported in container",
	"could not find tag for codec",
	"unknown encoder",
	"encoder not found",
}

// Unsupported reports whether the diagnostic output points at a codec the
// target container or this ffmpeg build cannot handle.
func (e *Error) Unsupported() bool {
	diag := strings.ToLower(e.Stderr)
	for _, m := range unsupportedMarkers {
		if strings.Contains(diag, m) {
			return true
		}
	}
	return false
}

// Remux copies all streams into an MP4 container without re-encoding.
func (t *Tool) Remux(inputPath, outputPath string) error {
	return run("remux", t.remuxStream(inputPath, outputPath))
}

// Reencode decodes and re-encodes inputPath into outputPath.
func (t *Tool) Reencode(inputPath, outputPath string) error {
	return run("re-encode", t.reencodeStream(inputPath, outputPath))
}

// Probe fails unless ffprobe finds at least one stream in path.
func (t *Tool) Probe(path string) error {
	out, err := ffmpeg.Probe(path)
	if err != nil {
		return &Error{Op: "probe", Err: err}
	}
	var info struct {
		Streams []struct {
			CodecType string `json:"codec_type"`
		} `json:"streams"`
	}
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		return fmt.Errorf("parsing ffprobe output: %w", err)
	}
	if len(info.Streams) == 0 {
		return errors.New("no streams found")
	}
	return nil
}

// Capture copies the live source into outputPath as FLV until the source
// ends, the duration cap is hit, or ctx is cancelled. On cancellation ffmpeg
// is interrupted rather than killed so it can finalize the file.
func (t *Tool) Capture(ctx context.Context, source, outputPath string, opts CaptureOptions) error {
	var stderr bytes.Buffer
	cmd := captureStream(source, outputPath, opts).WithErrorOutput(&stderr).Compile()
	slog.Debug("Running ffmpeg", "args", redactArgs(cmd.Args[1:]))

	if err := cmd.Start(); err != nil {
		return &Error{Op: "capture", Err: err}
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var err error
	select {
	case err = <-waitCh:
	case <-ctx.Done():
		_ = cmd.Process.Signal(os.Interrupt)
		err = <-waitCh
	}
	if err != nil && ctx.Err() == nil {
		return &Error{Op: "capture", Err: err, Stderr: stderr.String()}
	}
	return nil
}

func (t *Tool) remuxStream(inputPath, outputPath string) *ffmpeg.Stream {
	return ffmpeg.Input(inputPath).
		Output(outputPath, ffmpeg.KwArgs{"c": "copy", "movflags": "+faststart"}).
		OverWriteOutput()
}

func (t *Tool) reencodeStream(inputPath, outputPath string) *ffmpeg.Stream {
	kw := ffmpeg.KwArgs{
		"c:v":     t.VideoCodec,
		"c:a":     t.AudioCodec,
		"preset":  t.Preset,
		"pix_fmt": t.PixelFormat,
	}
	if t.FastStart {
		kw["movflags"] = "+faststart"
	}
	return ffmpeg.Input(inputPath).Output(outputPath, kw).OverWriteOutput()
}

func captureStream(source, outputPath string, opts CaptureOptions) *ffmpeg.Stream {
	in := ffmpeg.KwArgs{}
	if opts.Proxy != "" {
		in["http_proxy"] = opts.Proxy
	}
	if h := cookieHeader(opts.Cookies); h != "" {
		in["headers"] = h
	}

	out := ffmpeg.KwArgs{"c": "copy", "f": "flv"}
	if opts.Duration > 0 {
		out["t"] = strconv.Itoa(int(opts.Duration.Seconds()))
	}

	return ffmpeg.Input(source, in).Output(outputPath, out).OverWriteOutput()
}

func cookieHeader(cookies map[string]string) string {
	if len(cookies) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(cookies))
	for k, v := range cookies {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return "Cookie: " + strings.Join(pairs, "; ") + "\r\n"
}

// redactArgs hides the value of every -headers argument.
func redactArgs(args []string) []string {
	out := make([]string, len(args))
	copy(out, args)
	for i := 0; i+1 < len(out); i++ {
		if out[i] == "-headers" {
			out[i+1] = "REDACTED"
		}
	}
	return out
}

func run(op string, s *ffmpeg.Stream) error {
	var stderr bytes.Buffer
	if err := s.WithErrorOutput(&stderr).Run(); err != nil {
		return &Error{Op: op, Err: err, Stderr: stderr.String()}
	}
	return nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
