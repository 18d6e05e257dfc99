// Package gcp provisions tunnel endpoints as Compute Engine instances.
package gcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	compute "google.golang.org/api/compute/v1"
	"google.golang.org/api/googleapi"

	"wgfleet/internal/fault"
	"wgfleet/internal/model"
	"wgfleet/internal/provision"
)

const (
	labelManaged = provision.ManagedTag
	labelUnit    = "wgfleet-unit"
)

// Options configures the provisioner. Project and Zone are the defaults for
// requests that do not name their own.
type Options struct {
	Project string
	Zone    string
	Logger  *slog.Logger
}

// Provisioner implements provision.Provisioner on Compute Engine.
type Provisioner struct {
	api  ComputeAPI
	opts Options
	log  *slog.Logger
}

var _ provision.Provisioner = (*Provisioner)(nil)

func New(api ComputeAPI, opts Options) *Provisioner {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Provisioner{api: api, opts: opts, log: log.With("backend", model.BackendGCP)}
}

func (p *Provisioner) Kind() model.BackendKind { return model.BackendGCP }

type createParams struct {
	Image       string `param:"image" validate:"required"`
	Project     string `param:"project_id" validate:"required"`
	Zone        string `param:"zone" validate:"required"`
	MachineType string `param:"machine_type" default:"e2-micro"`
	Network     string `param:"network" default:"global/networks/default"`
	ListenPort  int    `param:"listen_port" default:"51820" validate:"min=1,max=65535"`
	ConfigPath  string `param:"wireguard_config"`
	Address     string `param:"tunnel_address"`
	SourceRange string `param:"ingress_cidr" default:"0.0.0.0/0" validate:"cidr"`
}

// Create inserts a firewall rule for the tunnel port and an instance that
// bootstraps the tunnel from its startup script. Operations are not awaited;
// the unit is reported as pending.
func (p *Provisioner) Create(ctx context.Context, req model.DeploymentRequest) (model.ManagedUnit, error) {
	const op = "gcp create"
	params := withDefaults(req.Params, map[string]string{"project_id": p.opts.Project, "zone": p.opts.Zone})
	var cp createParams
	if err := provision.Bind(op, params, &cp); err != nil {
		return model.ManagedUnit{}, err
	}
	if req.Name == "" {
		return model.ManagedUnit{}, fault.New(fault.Validation, op, "name is required")
	}
	boot, err := provision.ServerBootstrap(op, cp.ConfigPath, cp.Address, cp.ListenPort)
	if err != nil {
		return model.ManagedUnit{}, err
	}

	resource := provision.ResourceName(req.Name)
	fw := &compute.Firewall{
		Name:         firewallName(resource),
		Description:  "WireGuard tunnel port for " + req.Name,
		Network:      cp.Network,
		Direction:    "INGRESS",
		SourceRanges: []string{cp.SourceRange},
		TargetTags:   []string{resource},
		Allowed: []*compute.FirewallAllowed{{
			IPProtocol: "udp",
			Ports:      []string{strconv.Itoa(cp.ListenPort)},
		}},
	}
	if err := p.api.InsertFirewall(ctx, cp.Project, fw); err != nil && !isConflict(err) {
		return model.ManagedUnit{}, classify(op, fmt.Errorf("insert firewall %s: %w", fw.Name, err))
	}

	script := boot.Script
	inst := &compute.Instance{
		Name:         resource,
		MachineType:  fmt.Sprintf("zones/%s/machineTypes/%s", cp.Zone, cp.MachineType),
		CanIpForward: true,
		Disks: []*compute.AttachedDisk{{
			Boot:       true,
			AutoDelete: true,
			InitializeParams: &compute.AttachedDiskInitializeParams{
				SourceImage: cp.Image,
			},
		}},
		NetworkInterfaces: []*compute.NetworkInterface{{
			Network: cp.Network,
			AccessConfigs: []*compute.AccessConfig{{
				Name: "External NAT",
				Type: "ONE_TO_ONE_NAT",
			}},
		}},
		Metadata: &compute.Metadata{
			Items: []*compute.MetadataItems{{Key: "startup-script", Value: &script}},
		},
		Labels: map[string]string{
			labelManaged: "true",
			labelUnit:    labelValue(req.Name),
		},
		Tags: &compute.Tags{Items: []string{resource}},
	}
	if err := p.api.InsertInstance(ctx, cp.Project, cp.Zone, inst); err != nil {
		err = classify(op, fmt.Errorf("insert instance %s: %w", resource, err))
		if derr := p.api.DeleteFirewall(ctx, cp.Project, fw.Name); derr != nil {
			p.log.Warn("release firewall", "firewall", fw.Name, "err", derr)
			err = provision.WithCleanupWarnings(err, fmt.Sprintf("firewall %s left behind: %v", fw.Name, derr))
		}
		return model.ManagedUnit{}, err
	}

	p.log.Info("instance inserted", "unit", req.Name, "project", cp.Project, "zone", cp.Zone)
	unit := model.ManagedUnit{
		Backend:   model.BackendGCP,
		ID:        unitID(cp.Zone, resource),
		Name:      req.Name,
		State:     model.StatePending,
		CreatedAt: time.Now().UTC(),
		Meta: map[string]string{
			"project":      cp.Project,
			"zone":         cp.Zone,
			"machine_type": cp.MachineType,
			"firewall":     fw.Name,
		},
	}
	if boot.PublicKey != "" {
		unit.Meta["public_key"] = boot.PublicKey
	}
	return unit, nil
}

// List returns managed instances across every zone of the default project.
func (p *Provisioner) List(ctx context.Context, filter provision.Filter) ([]model.ManagedUnit, error) {
	if p.opts.Project == "" {
		return nil, fault.New(fault.Validation, "gcp list", "project is not configured")
	}
	insts, err := p.api.ListInstances(ctx, p.opts.Project, "labels."+labelManaged+"=true")
	if err != nil {
		return nil, classify("gcp list", err)
	}
	units := []model.ManagedUnit{}
	for _, inst := range insts {
		u := toUnit(inst)
		u.Meta["project"] = p.opts.Project
		if filter.Match(u) {
			units = append(units, u)
		}
	}
	return units, nil
}

// Terminate deletes the instance and then its firewall rule. A firewall that
// cannot be deleted is reported as a warning.
func (p *Provisioner) Terminate(ctx context.Context, id string) (provision.TerminateResult, error) {
	const op = "gcp terminate"
	var res provision.TerminateResult
	if p.opts.Project == "" {
		return res, fault.New(fault.Validation, op, "project is not configured")
	}
	zone, name := splitID(id, p.opts.Zone)
	if zone == "" || name == "" {
		return res, fault.New(fault.Validation, op, "invalid unit id %q", id)
	}
	if err := p.api.DeleteInstance(ctx, p.opts.Project, zone, name); err != nil {
		return res, classify(op, fmt.Errorf("delete instance %s: %w", name, err))
	}
	p.log.Info("instance deleting", "id", id)

	fw := firewallName(name)
	if err := p.api.DeleteFirewall(ctx, p.opts.Project, fw); err != nil && !isNotFound(err) {
		res.Warnf("delete firewall %s: %v", fw, err)
	}
	return res, nil
}

func toUnit(inst *compute.Instance) model.ManagedUnit {
	zone := path.Base(inst.Zone)
	u := model.ManagedUnit{
		Backend: model.BackendGCP,
		ID:      unitID(zone, inst.Name),
		Name:    inst.Labels[labelUnit],
		State:   mapState(inst.Status),
		Meta: map[string]string{
			"zone":         zone,
			"machine_type": path.Base(inst.MachineType),
			"native_state": inst.Status,
		},
	}
	if u.Name == "" {
		u.Name = strings.TrimPrefix(inst.Name, provision.NamePrefix)
	}
	if ts, err := time.Parse(time.RFC3339, inst.CreationTimestamp); err == nil {
		u.CreatedAt = ts.UTC()
	}
	for _, nic := range inst.NetworkInterfaces {
		for _, ac := range nic.AccessConfigs {
			if ac.NatIP != "" {
				u.Address = ac.NatIP
				return u
			}
		}
	}
	return u
}

func mapState(status string) model.UnitState {
	switch status {
	case "PROVISIONING", "STAGING", "REPAIRING":
		return model.StatePending
	case "RUNNING":
		return model.StateRunning
	case "STOPPING", "STOPPED", "SUSPENDING", "SUSPENDED", "TERMINATED":
		return model.StateStopped
	default:
		return model.StateUnknown
	}
}

func firewallName(resource string) string {
	return resource + "-udp"
}

func unitID(zone, name string) string {
	return zone + "/" + name
}

func splitID(id, defaultZone string) (string, string) {
	if zone, name, ok := strings.Cut(id, "/"); ok {
		return zone, name
	}
	return defaultZone, id
}

// labelValue lowercases v and replaces characters labels do not accept.
func labelValue(v string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(v) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := b.String()
	if len(out) > 63 {
		out = out[:63]
	}
	return out
}

func withDefaults(params, defaults map[string]string) map[string]string {
	out := make(map[string]string, len(params)+len(defaults))
	for k, v := range defaults {
		if v != "" {
			out[k] = v
		}
	}
	for k, v := range params {
		if strings.TrimSpace(v) != "" {
			out[k] = v
		}
	}
	return out
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}

func isConflict(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusConflict
}

func classify(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusNotFound:
			return fault.Wrap(fault.NotFound, op, err)
		case http.StatusBadRequest:
			return fault.Wrap(fault.Validation, op, err)
		}
	}
	return fault.Wrap(fault.Transport, op, err)
}
