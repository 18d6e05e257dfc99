// Package deploy executes deployment specs against the backend registry.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"wgfleet/internal/fault"
	"wgfleet/internal/model"
	"wgfleet/internal/poll"
	"wgfleet/internal/provision"
)

// ParamWait disables readiness waiting for a request when set to false.
const ParamWait = "wait"

// Recorder persists finished deployment runs.
type Recorder interface {
	Record(ctx context.Context, res model.DeploymentResult) error
}

type Options struct {
	Recorder Recorder
	Tracer   trace.Tracer
	Logger   *slog.Logger
	Now      func() time.Time
	NewID    func() string
}

type Orchestrator struct {
	registry *provision.Registry
	opts     Options
	log      *slog.Logger
}

func New(registry *provision.Registry, opts Options) *Orchestrator {
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("deploy")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.NewString() }
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{registry: registry, opts: opts, log: logger.With("component", "deploy")}
}

// DeployFile loads the spec at path and deploys it. Only a spec that cannot
// be loaded produces an error envelope.
func (o *Orchestrator) DeployFile(ctx context.Context, path string) model.DeploymentResult {
	spec, err := LoadSpec(path)
	if err != nil {
		return o.rejected(ctx, err)
	}
	return o.Deploy(ctx, spec)
}

// DeployBytes is DeployFile for an in-memory YAML or JSON document.
func (o *Orchestrator) DeployBytes(ctx context.Context, data []byte) model.DeploymentResult {
	spec, err := ParseSpec(data)
	if err != nil {
		return o.rejected(ctx, err)
	}
	return o.Deploy(ctx, spec)
}

func (o *Orchestrator) rejected(ctx context.Context, err error) model.DeploymentResult {
	now := o.opts.Now().UTC()
	res := model.DeploymentResult{
		ID:         o.opts.NewID(),
		Status:     model.StatusError,
		Message:    err.Error(),
		Cloud:      []model.Outcome{},
		Containers: []model.Outcome{},
		StartedAt:  now,
		FinishedAt: now,
	}
	o.log.Error("deployment rejected", "id", res.ID, "err", err)
	o.record(ctx, res)
	return res
}

// Deploy processes cloud requests and then container requests, in order.
// A failing request becomes a failure outcome and never stops the run, so
// the envelope status is always success.
func (o *Orchestrator) Deploy(ctx context.Context, spec model.DeploymentSpec) model.DeploymentResult {
	res := model.DeploymentResult{
		ID:         o.opts.NewID(),
		Status:     model.StatusSuccess,
		Cloud:      make([]model.Outcome, 0, len(spec.Cloud)),
		Containers: make([]model.Outcome, 0, len(spec.Containers)),
		StartedAt:  o.opts.Now().UTC(),
	}

	ctx, span := o.opts.Tracer.Start(ctx, "deploy.run", trace.WithAttributes(
		attribute.String("deployment.id", res.ID),
		attribute.Int("deployment.requests", spec.Len()),
	))
	defer span.End()

	log := o.log.With("id", res.ID)
	log.Info("deployment started", "cloud", len(spec.Cloud), "containers", len(spec.Containers))

	for i, req := range spec.Cloud {
		res.Cloud = append(res.Cloud, o.deployOne(ctx, log, i, req, model.CloudBackends))
	}
	for i, req := range spec.Containers {
		res.Containers = append(res.Containers, o.deployOne(ctx, log, i, req, model.ContainerBackends))
	}
	res.FinishedAt = o.opts.Now().UTC()

	failures := res.Failures()
	span.SetAttributes(attribute.Int("deployment.failures", failures))
	log.Info("deployment finished", "failures", failures, "duration", res.FinishedAt.Sub(res.StartedAt))

	o.record(ctx, res)
	return res
}

func (o *Orchestrator) deployOne(ctx context.Context, log *slog.Logger, idx int, req model.DeploymentRequest, section []model.BackendKind) model.Outcome {
	out := model.Outcome{Index: idx, Name: req.Name, Backend: req.Backend}

	ctx, span := o.opts.Tracer.Start(ctx, "deploy.request", trace.WithAttributes(
		attribute.String("backend", string(req.Backend)),
		attribute.String("name", req.Name),
	))
	defer span.End()

	fail := func(err error) model.Outcome {
		out.Error = err.Error()
		out.ErrorKind = string(fault.KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, out.Error)
		log.Warn("request failed", "backend", req.Backend, "name", req.Name, "kind", out.ErrorKind, "err", err)
		return out
	}

	unit, err := o.create(ctx, req, section)
	if err != nil {
		out.Warnings = provision.CleanupWarnings(err)
		return fail(err)
	}
	out.Unit = &unit
	log.Info("unit created", "backend", req.Backend, "name", req.Name, "unit", unit.ID)

	wait, err := waitRequested(req)
	if err != nil {
		out.Warnings = append(out.Warnings, err.Error())
	}
	p, _ := o.registry.Lookup(req.Backend)
	rc, ok := p.(provision.ReadinessChecker)
	if !ok || !wait {
		return out
	}
	if err := poll.WaitUntil(ctx, rc.ReadyPolicy(), func(ctx context.Context) poll.Outcome {
		return rc.Ready(ctx, unit)
	}); err != nil {
		var failed *poll.FailedError
		if errors.As(err, &failed) {
			unit.State = model.StateFailed
		}
		return fail(fmt.Errorf("%s %s created but not ready: %w", req.Backend, unit.ID, err))
	}
	unit.State = model.StateRunning
	return out
}

func (o *Orchestrator) create(ctx context.Context, req model.DeploymentRequest, section []model.BackendKind) (model.ManagedUnit, error) {
	if req.Name == "" {
		return model.ManagedUnit{}, fault.New(fault.Validation, "deploy", "name is required")
	}
	p, err := o.registry.Lookup(req.Backend)
	if err != nil {
		return model.ManagedUnit{}, err
	}
	if !contains(section, req.Backend) {
		return model.ManagedUnit{}, fault.New(fault.Validation, "deploy", "backend %q is not valid in this section", req.Backend)
	}
	return p.Create(ctx, req)
}

func (o *Orchestrator) record(ctx context.Context, res model.DeploymentResult) {
	if o.opts.Recorder == nil {
		return
	}
	if err := o.opts.Recorder.Record(context.WithoutCancel(ctx), res); err != nil {
		o.log.Error("record deployment failed", "id", res.ID, "err", err)
	}
}

// waitRequested reads the wait param. A value that is not a boolean keeps
// the default and is reported back as a warning.
func waitRequested(req model.DeploymentRequest) (bool, error) {
	raw, ok := req.Params[ParamWait]
	if !ok || raw == "" {
		return true, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return true, fmt.Errorf("ignoring %s=%q: not a boolean", ParamWait, raw)
	}
	return b, nil
}

func contains(list []model.BackendKind, k model.BackendKind) bool {
	for _, v := range list {
		if v == k {
			return true
		}
	}
	return false
}
