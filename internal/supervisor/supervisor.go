// Package supervisor runs one recording worker per monitored user and waits
// for all of them, with a two-step interrupt: the first interrupt is passed
// on to the workers and the wait continues, the second kills whatever is
// still running.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// DefaultStopGrace is how long Stop waits before killing a worker.
const DefaultStopGrace = 10 * time.Second

var (
	ErrUnknownWorker = errors.New("no such worker")
	ErrNotRunning    = errors.New("worker is not running")
)

// Supervisor owns the worker lifecycle. A single task runs in-process via
// RunInline; several tasks each get a child process built by Command.
type Supervisor struct {
	Log *slog.Logger

	// Signals delivers interrupts. Usually fed by signal.Notify.
	Signals <-chan os.Signal

	RunInline func(ctx context.Context, t Task) error
	Command   func(t Task) (*exec.Cmd, error)

	// StopGrace bounds how long a worker stopped through Stop may take to
	// finish before it is killed. Zero means DefaultStopGrace.
	StopGrace time.Duration

	// Exit ends the process on a second interrupt in single-task mode.
	// Defaults to os.Exit.
	Exit func(code int)

	mu           sync.Mutex
	statuses     []Status
	procs        map[int]*os.Process
	cancelInline context.CancelFunc
}

// RunAll executes tasks and returns once every one of them has finished.
// Task failures are logged and recorded in the status, never returned.
func (s *Supervisor) RunAll(ctx context.Context, tasks []Task) {
	s.mu.Lock()
	s.statuses = make([]Status, len(tasks))
	for i, t := range tasks {
		s.statuses[i] = Status{User: t.User, State: Pending}
	}
	s.procs = make(map[int]*os.Process, len(tasks))
	s.cancelInline = nil
	s.mu.Unlock()

	switch len(tasks) {
	case 0:
		return
	case 1:
		s.runInline(ctx, tasks[0])
	default:
		s.runChildren(ctx, tasks)
	}
}

// Snapshot returns the current status of every task in submission order.
func (s *Supervisor) Snapshot() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Status, len(s.statuses))
	copy(out, s.statuses)
	return out
}

func (s *Supervisor) runInline(ctx context.Context, t Task) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancelInline = cancel
	s.mu.Unlock()

	finished := make(chan struct{})
	defer close(finished)

	// The recorder finalizes its capture on cancellation, so the first
	// interrupt only cancels. There is no child to kill on the second one:
	// the whole process goes.
	go func() {
		select {
		case <-s.Signals:
		case <-finished:
			return
		}
		s.logger().Warn("Interrupt received, stopping recording. Interrupt again to force.", "user", t.User)
		cancel()

		select {
		case <-s.Signals:
			s.logger().Warn("Forcefully terminating", "user", t.User)
			s.exit(1)
		case <-finished:
		}
	}()

	s.started(0, os.Getpid())
	s.finished(0, s.guard(ctx, t))
}

// guard turns a panic inside the recorder into an error.
func (s *Supervisor) guard(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if s.RunInline == nil {
		return errors.New("no in-process runner configured")
	}
	return s.RunInline(ctx, t)
}

func (s *Supervisor) runChildren(ctx context.Context, tasks []Task) {
	log := s.logger()

	var wg sync.WaitGroup

	for i, t := range tasks {
		cmd, err := s.command(t)
		if err == nil {
			err = cmd.Start()
		}
		if err != nil {
			s.finished(i, fmt.Errorf("starting worker: %w", err))
			continue
		}

		s.mu.Lock()
		s.procs[i] = cmd.Process
		s.mu.Unlock()
		s.started(i, cmd.Process.Pid)

		wg.Add(1)
		go func(i int, cmd *exec.Cmd) {
			defer wg.Done()
			s.finished(i, cmd.Wait())
		}(i, cmd)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	ctxDone := ctx.Done()
	interrupted := false
	for {
		select {
		case <-done:
			return
		case <-ctxDone:
			ctxDone = nil
			if !interrupted {
				interrupted = true
				s.signalRunning(os.Interrupt)
			}
		case <-s.Signals:
			if !interrupted {
				interrupted = true
				log.Warn("Interrupt received, waiting for workers to finish. Interrupt again to force.")
				s.signalRunning(os.Interrupt)
				continue
			}
			log.Warn("Forcefully terminating all workers")
			s.signalRunning(os.Kill)
			<-done
			return
		}
	}
}

func (s *Supervisor) command(t Task) (*exec.Cmd, error) {
	if s.Command == nil {
		return nil, errors.New("no worker command configured")
	}
	cmd, err := s.Command(t)
	if err != nil {
		return nil, err
	}
	// Workers write straight to our terminal so progress shows up unbuffered.
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	return cmd, nil
}

func (s *Supervisor) signalRunning(sig os.Signal) {
	s.mu.Lock()
	var running []*os.Process
	for i, p := range s.procs {
		if s.statuses[i].State == Running {
			running = append(running, p)
		}
	}
	s.mu.Unlock()

	for _, p := range running {
		s.signal(p, sig)
	}
}

func (s *Supervisor) signal(p *os.Process, sig os.Signal) {
	if err := p.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger().Warn("Failed to signal worker", "pid", p.Pid, "signal", sig.String(), "error", err)
	}
}

// Stop asks the worker recording user to finish. A worker process gets
// SIGTERM and is killed if it is still running after StopGrace; an
// in-process task has its context cancelled. Stop does not wait.
func (s *Supervisor) Stop(user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := -1
	for j, st := range s.statuses {
		if st.User == user {
			i = j
			break
		}
	}
	if i < 0 {
		return ErrUnknownWorker
	}
	if s.statuses[i].State != Running {
		return ErrNotRunning
	}

	p, ok := s.procs[i]
	if !ok {
		if s.cancelInline == nil {
			return ErrNotRunning
		}
		s.logger().Info("Stopping recording", "user", user)
		s.cancelInline()
		return nil
	}

	s.logger().Info("Stopping recording worker", "user", user, "pid", p.Pid)
	s.signal(p, syscall.SIGTERM)

	grace := s.StopGrace
	if grace <= 0 {
		grace = DefaultStopGrace
	}
	time.AfterFunc(grace, func() {
		if s.state(i) == Running {
			s.logger().Warn("Worker did not stop in time, killing it", "user", user, "pid", p.Pid)
			s.signal(p, os.Kill)
		}
	})
	return nil
}

func (s *Supervisor) state(i int) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[i].State
}

func (s *Supervisor) started(i, pid int) {
	s.mu.Lock()
	st := &s.statuses[i]
	st.State = Running
	st.PID = pid
	st.StartedAt = time.Now()
	user := st.User
	s.mu.Unlock()

	s.logger().Info("Started recording worker", "user", user, "pid", pid)
}

func (s *Supervisor) finished(i int, err error) {
	s.mu.Lock()
	st := &s.statuses[i]
	st.EndedAt = time.Now()
	if err != nil {
		st.State = Failed
		st.Err = err.Error()
	} else {
		st.State = Completed
	}
	user := st.User
	s.mu.Unlock()

	if err != nil {
		s.logger().Error("Recording worker failed", "user", user, "error", err)
		return
	}
	s.logger().Info("Recording worker finished", "user", user)
}

func (s *Supervisor) exit(code int) {
	if s.Exit != nil {
		s.Exit(code)
		return
	}
	os.Exit(code)
}

func (s *Supervisor) logger() *slog.Logger {
	if s.Log == nil {
		return slog.Default()
	}
	return s.Log
}
