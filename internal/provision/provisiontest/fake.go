// Package provisiontest provides an in-memory Provisioner for tests.
package provisiontest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"wgfleet/internal/fault"
	"wgfleet/internal/model"
	"wgfleet/internal/poll"
	"wgfleet/internal/provision"
)

// Fake records calls and returns scripted results.
type Fake struct {
	KindValue model.BackendKind

	// CreateErr, when set, is returned by Create for requests it maps.
	CreateErr map[string]error
	ListErr   error
	// ReadyFn decides readiness when set; otherwise units are ready at once.
	ReadyFn func(model.ManagedUnit) poll.Outcome
	Policy  poll.Policy

	mu        sync.Mutex
	units     []model.ManagedUnit
	Created   []model.DeploymentRequest
	Listed    int
	Termed    []string
	TermWarns []string
}

var (
	_ provision.Provisioner      = (*Fake)(nil)
	_ provision.ReadinessChecker = (*Fake)(nil)
)

func New(kind model.BackendKind, units ...model.ManagedUnit) *Fake {
	return &Fake{KindValue: kind, units: units, Policy: poll.Policy{Interval: time.Millisecond, MaxAttempts: 3}}
}

func (f *Fake) Kind() model.BackendKind { return f.KindValue }

func (f *Fake) Create(_ context.Context, req model.DeploymentRequest) (model.ManagedUnit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Created = append(f.Created, req)
	if err := f.CreateErr[req.Name]; err != nil {
		return model.ManagedUnit{}, err
	}
	u := model.ManagedUnit{
		Backend:   f.KindValue,
		ID:        fmt.Sprintf("%s-%d", req.Name, len(f.Created)),
		Name:      req.Name,
		State:     model.StatePending,
		CreatedAt: time.Now().UTC(),
	}
	f.units = append(f.units, u)
	return u, nil
}

func (f *Fake) List(_ context.Context, filter provision.Filter) ([]model.ManagedUnit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Listed++
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	out := []model.ManagedUnit{}
	for _, u := range f.units {
		if filter.Match(u) {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *Fake) Terminate(_ context.Context, id string) (provision.TerminateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Termed = append(f.Termed, id)
	for i, u := range f.units {
		if u.ID == id {
			f.units = append(f.units[:i], f.units[i+1:]...)
			return provision.TerminateResult{Warnings: f.TermWarns}, nil
		}
	}
	return provision.TerminateResult{}, fault.New(fault.NotFound, "terminate", "unit %s not found", id)
}

func (f *Fake) Ready(_ context.Context, u model.ManagedUnit) poll.Outcome {
	if f.ReadyFn == nil {
		return poll.Ready
	}
	return f.ReadyFn(u)
}

func (f *Fake) ReadyPolicy() poll.Policy { return f.Policy }
