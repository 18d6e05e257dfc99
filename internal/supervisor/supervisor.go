// Package supervisor runs named background tasks under one cancellable
// context and stops them within a bounded time.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"
)

// State is the lifecycle state of a task or of the supervisor itself.
type State string

const (
	StateNotStarted State = "not_started"
	StateRunning    State = "running"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
	StateFailed     State = "failed"
)

// ErrAlreadyStarted is returned by Add and Start once the supervisor has been
// started or stopped.
var ErrAlreadyStarted = errors.New("supervisor already started")

// Task is a long-running function that must return when ctx is cancelled.
type Task func(ctx context.Context) error

// StopTimeoutError lists the tasks still running when the stop deadline
// passed. Those goroutines are abandoned.
type StopTimeoutError struct {
	Timeout   time.Duration
	Abandoned []string
}

func (e *StopTimeoutError) Error() string {
	return fmt.Sprintf("stop timed out after %s; abandoned: %s", e.Timeout, strings.Join(e.Abandoned, ", "))
}

type task struct {
	name  string
	fn    Task
	state State
	err   error
	done  chan struct{}
}

type Supervisor struct {
	mu     sync.Mutex
	state  State
	tasks  []*task
	cancel context.CancelFunc
	log    *slog.Logger
}

func New(logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{state: StateNotStarted, log: logger.With("component", "supervisor")}
}

// Add registers a task. Names must be unique.
func (s *Supervisor) Add(name string, fn Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateNotStarted {
		return ErrAlreadyStarted
	}
	for _, t := range s.tasks {
		if t.name == name {
			return fmt.Errorf("task %q already registered", name)
		}
	}
	s.tasks = append(s.tasks, &task{name: name, fn: fn, state: StateNotStarted, done: make(chan struct{})})
	return nil
}

// Start launches every registered task in its own goroutine.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateNotStarted {
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.state = StateRunning
	for _, t := range s.tasks {
		t.state = StateRunning
		go s.run(runCtx, t)
	}
	s.log.Info("supervisor started", "tasks", len(s.tasks))
	return nil
}

func (s *Supervisor) run(ctx context.Context, t *task) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			s.log.Error("task panicked",
				slog.String("task", t.name),
				slog.Any("panic", r),
				slog.String("stack", string(buf[:n])),
			)
			err = fmt.Errorf("panic: %v", r)
		}
		s.finish(ctx, t, err)
	}()
	err = t.fn(ctx)
}

func (s *Supervisor) finish(ctx context.Context, t *task, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case err == nil:
		t.state = StateStopped
	case ctx.Err() != nil && errors.Is(err, context.Canceled):
		t.state = StateStopped
	default:
		t.state = StateFailed
		t.err = err
		s.log.Error("task failed", "task", t.name, "err", err)
	}
	close(t.done)
}

// Stop cancels all tasks and waits for them until one shared deadline. It
// returns a *StopTimeoutError naming the tasks that did not exit in time.
// Stopping a supervisor that never started, or stopping twice, returns nil.
func (s *Supervisor) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.state = StateStopped
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	for _, t := range s.tasks {
		if t.state == StateRunning {
			t.state = StateStopping
		}
	}
	tasks := append([]*task(nil), s.tasks...)
	cancel := s.cancel
	s.mu.Unlock()

	s.log.Info("stopping tasks", "timeout", timeout)
	cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var abandoned []string
	expired := false
	for _, t := range tasks {
		if expired {
			select {
			case <-t.done:
			default:
				abandoned = append(abandoned, t.name)
			}
			continue
		}
		select {
		case <-t.done:
		case <-timer.C:
			expired = true
			abandoned = append(abandoned, t.name)
		}
	}

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()

	if len(abandoned) > 0 {
		s.log.Warn("tasks abandoned after stop timeout", "tasks", abandoned)
		return &StopTimeoutError{Timeout: timeout, Abandoned: abandoned}
	}
	s.log.Info("supervisor stopped")
	return nil
}

// State returns the supervisor state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// TaskStates returns the current state of every registered task.
func (s *Supervisor) TaskStates() map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]State, len(s.tasks))
	for _, t := range s.tasks {
		out[t.name] = t.state
	}
	return out
}

// TaskErr returns the error a failed task exited with.
func (s *Supervisor) TaskErr(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.name == name {
			return t.err
		}
	}
	return nil
}
