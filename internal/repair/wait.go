package repair

import (
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// waitForRelease polls until path can be opened for appending, which is
// taken as proof that the capture stage has closed it. It gives up after
// LockTimeout, or at once if the file does not exist.
func (n *Normalizer) waitForRelease(path string) error {
	interval := n.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	timeout := n.LockTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	attempts := uint64(timeout / interval)

	open := n.openAppend
	if open == nil {
		open = openAppend
	}

	err := backoff.Retry(func() error {
		err := open(path)
		if os.IsNotExist(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), attempts))
	if err != nil {
		return fmt.Errorf("waiting %s for %s: %w", timeout, path, err)
	}
	return nil
}

func openAppend(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return err
	}
	return f.Close()
}
