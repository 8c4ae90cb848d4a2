// Package container identifies the real container format of a capture file
// from its header, regardless of the file name.
package container

import (
	"bytes"
	"io"
	"os"

	"github.com/yutopp/go-flv"
)

type Kind string

const (
	FLV     Kind = "flv"
	MP4     Kind = "mp4"
	Unknown Kind = "unknown"
)

// Sniff reads the first bytes of path. Errors are reported as Unknown; the
// result is only used for diagnostics.
func Sniff(path string) Kind {
	f, err := os.Open(path)
	if err != nil {
		return Unknown
	}
	defer f.Close()

	return sniff(f)
}

func sniff(r io.ReadSeeker) Kind {
	head := make([]byte, 12)
	n, _ := io.ReadFull(r, head)
	head = head[:n]

	// ISO BMFF: 4-byte box size then the "ftyp" box type.
	if len(head) >= 8 && bytes.Equal(head[4:8], []byte("ftyp")) {
		return MP4
	}

	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return Unknown
	}
	if _, err := flv.NewDecoder(r); err == nil {
		return FLV
	}
	return Unknown
}
