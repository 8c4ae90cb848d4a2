package supervisor

import (
	"fmt"
	"time"
)

type Mode string

const (
	ModeManual    Mode = "manual"
	ModeAutomatic Mode = "automatic"
)

// ParseMode accepts the mode names used on the command line.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeManual, ModeAutomatic:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown mode %q (want %q or %q)", s, ModeManual, ModeAutomatic)
}

// Task describes one monitored user. It is sent to the worker process as
// JSON on stdin, so cookies never show up in the process list.
type Task struct {
	User     string            `json:"user"`
	URL      string            `json:"url,omitempty"`
	RoomID   string            `json:"room_id,omitempty"`
	Mode     Mode              `json:"mode"`
	Interval time.Duration     `json:"interval"`
	Proxy    string            `json:"proxy,omitempty"`
	Output   string            `json:"output"`
	Duration time.Duration     `json:"duration,omitempty"` // 0 = no cap
	Notify   string            `json:"notify,omitempty"`   // Where finished recordings are announced.
	Cookies  map[string]string `json:"cookies,omitempty"`
}

type State int

const (
	Pending State = iota
	Running
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Status is a point-in-time view of one task.
type Status struct {
	User      string
	State     State
	PID       int
	StartedAt time.Time
	EndedAt   time.Time
	Err       string
}
