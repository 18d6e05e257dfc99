// Package poll waits for an externally observed condition with a fixed
// interval and a bounded number of attempts.
package poll

import (
	"context"
	"fmt"
	"time"

	"wgfleet/internal/fault"
)

// Outcome is the result of one readiness check.
type Outcome struct {
	state  int
	reason string
}

const (
	statePending = iota
	stateReady
	stateFailed
)

var (
	Ready   = Outcome{state: stateReady}
	Pending = Outcome{state: statePending}
)

// Failed reports a terminal failure; polling stops immediately.
func Failed(reason string) Outcome {
	return Outcome{state: stateFailed, reason: reason}
}

func (o Outcome) IsReady() bool   { return o.state == stateReady }
func (o Outcome) IsPending() bool { return o.state == statePending }
func (o Outcome) IsFailed() bool  { return o.state == stateFailed }
func (o Outcome) Reason() string  { return o.reason }

// Policy bounds a wait.
type Policy struct {
	Interval    time.Duration
	MaxAttempts int
}

var (
	// ContainerRunning is used while a container moves to running.
	ContainerRunning = Policy{Interval: time.Second, MaxAttempts: 30}
	// DeploymentReady is used while a deployment reaches its desired replicas.
	DeploymentReady = Policy{Interval: time.Second, MaxAttempts: 60}
)

// Total is the worst-case time spent sleeping.
func (p Policy) Total() time.Duration {
	if p.MaxAttempts <= 1 {
		return 0
	}
	return time.Duration(p.MaxAttempts-1) * p.Interval
}

// FailedError is returned when a check reports a terminal failure.
type FailedError struct {
	Reason string
}

func (e *FailedError) Error() string {
	return "readiness failed: " + e.Reason
}

// Check observes the condition once.
type Check func(ctx context.Context) Outcome

// WaitUntil calls check at most p.MaxAttempts times, sleeping p.Interval
// between calls. It returns nil on the first Ready, a *FailedError on Failed,
// and a timeout fault when attempts run out.
func WaitUntil(ctx context.Context, p Policy, check Check) error {
	if p.MaxAttempts <= 0 {
		return fault.New(fault.Validation, "poll", "max attempts must be positive")
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for attempt := 1; ; attempt++ {
		out := check(ctx)
		switch {
		case out.IsReady():
			return nil
		case out.IsFailed():
			return &FailedError{Reason: out.reason}
		}
		if attempt >= p.MaxAttempts {
			break
		}

		if timer == nil {
			timer = time.NewTimer(p.Interval)
		} else {
			timer.Reset(p.Interval)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fault.Wrap(fault.Timeout, "poll",
		fmt.Errorf("condition not met after %d attempts (%s interval)", p.MaxAttempts, p.Interval))
}
