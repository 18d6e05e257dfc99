// Package docker runs tunnel endpoints as local containers.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	dockerfilters "github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"wgfleet/internal/fault"
	"wgfleet/internal/model"
	"wgfleet/internal/poll"
	"wgfleet/internal/provision"
)

const (
	DefaultImage = "linuxserver/wireguard:latest"

	labelManaged = "wgfleet.managed"
	labelUnit    = "wgfleet.unit"

	stopTimeoutSec = 30
)

// API is the subset of the Docker Engine client used by the provisioner.
type API interface {
	ImagePull(ctx context.Context, ref string, opts image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, cfg *container.Config, host *container.HostConfig, net *network.NetworkingConfig, platform *ocispec.Platform, name string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, id string, opts container.StartOptions) error
	ContainerInspect(ctx context.Context, id string) (container.InspectResponse, error)
	ContainerList(ctx context.Context, opts container.ListOptions) ([]container.Summary, error)
	ContainerStop(ctx context.Context, id string, opts container.StopOptions) error
	ContainerRemove(ctx context.Context, id string, opts container.RemoveOptions) error
	ContainerLogs(ctx context.Context, id string, opts container.LogsOptions) (io.ReadCloser, error)
}

// Options configures the provisioner.
type Options struct {
	Ready  poll.Policy
	Logger *slog.Logger
}

// Provisioner implements provision.Provisioner on the Docker Engine.
type Provisioner struct {
	api  API
	opts Options
	log  *slog.Logger
}

var (
	_ provision.Provisioner      = (*Provisioner)(nil)
	_ provision.ReadinessChecker = (*Provisioner)(nil)
	_ provision.LogReader        = (*Provisioner)(nil)
)

// NewClient creates a Docker client from the environment. A non-empty host
// overrides DOCKER_HOST.
func NewClient(host string) (*client.Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return cli, nil
}

func New(api API, opts Options) *Provisioner {
	if opts.Ready.MaxAttempts == 0 {
		opts.Ready = poll.ContainerRunning
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Provisioner{api: api, opts: opts, log: log.With("backend", model.BackendDocker)}
}

func (p *Provisioner) Kind() model.BackendKind { return model.BackendDocker }

type createParams struct {
	ConfigPath  string `param:"config_path" validate:"required"`
	Image       string `param:"image" default:"linuxserver/wireguard:latest"`
	NetworkMode string `param:"network_mode" default:"host" validate:"oneof=host bridge"`
	ListenPort  int    `param:"listen_port" default:"51820" validate:"min=1,max=65535"`
	TZ          string `param:"tz" default:"Etc/UTC"`
	PUID        string `param:"puid" default:"1000"`
	PGID        string `param:"pgid" default:"1000"`
	Peers       string `param:"peers"`
	ServerURL   string `param:"server_url"`
}

// Create starts a privileged tunnel container with the config directory
// mounted at /config. The image is pulled when it is not present locally.
func (p *Provisioner) Create(ctx context.Context, req model.DeploymentRequest) (model.ManagedUnit, error) {
	const op = "docker create"
	var cp createParams
	if err := provision.Bind(op, req.Params, &cp); err != nil {
		return model.ManagedUnit{}, err
	}
	if req.Name == "" {
		return model.ManagedUnit{}, fault.New(fault.Validation, op, "name is required")
	}
	if _, err := os.Stat(cp.ConfigPath); err != nil {
		return model.ManagedUnit{}, fault.New(fault.Validation, op, "config_path %s: %v", cp.ConfigPath, err)
	}

	name := provision.ResourceName(req.Name)
	env := []string{
		"PUID=" + cp.PUID,
		"PGID=" + cp.PGID,
		"TZ=" + cp.TZ,
		"SERVERPORT=" + strconv.Itoa(cp.ListenPort),
	}
	if cp.Peers != "" {
		env = append(env, "PEERS="+cp.Peers)
	}
	if cp.ServerURL != "" {
		env = append(env, "SERVERURL="+cp.ServerURL)
	}
	cc := &container.Config{
		Image: cp.Image,
		Env:   env,
		Labels: map[string]string{
			labelManaged: "true",
			labelUnit:    req.Name,
		},
	}
	hc := &container.HostConfig{
		NetworkMode:   container.NetworkMode(cp.NetworkMode),
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
		CapAdd:        []string{"NET_ADMIN", "SYS_MODULE"},
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: cp.ConfigPath, Target: "/config"},
			{Type: mount.TypeBind, Source: "/lib/modules", Target: "/lib/modules", ReadOnly: true},
		},
	}
	if cp.NetworkMode == "bridge" {
		// net.* sysctls are rejected in the host network namespace.
		hc.Sysctls = map[string]string{
			"net.ipv4.conf.all.src_valid_mark": "1",
			"net.ipv4.ip_forward":              "1",
		}
		port := nat.Port(fmt.Sprintf("%d/udp", cp.ListenPort))
		cc.ExposedPorts = nat.PortSet{port: struct{}{}}
		hc.PortBindings = nat.PortMap{port: []nat.PortBinding{{HostPort: strconv.Itoa(cp.ListenPort)}}}
	}

	created, err := p.api.ContainerCreate(ctx, cc, hc, nil, nil, name)
	if errdefs.IsNotFound(err) {
		p.log.Info("pulling image", "image", cp.Image)
		if perr := p.pull(ctx, cp.Image); perr != nil {
			return model.ManagedUnit{}, perr
		}
		created, err = p.api.ContainerCreate(ctx, cc, hc, nil, nil, name)
	}
	if err != nil {
		return model.ManagedUnit{}, classify(op, fmt.Errorf("create container %s: %w", name, err))
	}
	if err := p.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = p.api.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return model.ManagedUnit{}, classify(op, fmt.Errorf("start container %s: %w", name, err))
	}

	p.log.Info("container started", "unit", req.Name, "id", shortID(created.ID))
	return model.ManagedUnit{
		Backend:   model.BackendDocker,
		ID:        created.ID,
		Name:      req.Name,
		State:     model.StatePending,
		CreatedAt: time.Now().UTC(),
		Meta: map[string]string{
			"container": name,
			"image":     cp.Image,
			"network":   cp.NetworkMode,
		},
	}, nil
}

// List returns every managed container, running or not.
func (p *Provisioner) List(ctx context.Context, filter provision.Filter) ([]model.ManagedUnit, error) {
	args := dockerfilters.NewArgs()
	args.Add("label", labelManaged+"=true")
	if filter.Name != "" {
		args.Add("label", labelUnit+"="+filter.Name)
	}
	containers, err := p.api.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, classify("docker list", err)
	}
	units := make([]model.ManagedUnit, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		u := model.ManagedUnit{
			Backend:   model.BackendDocker,
			ID:        c.ID,
			Name:      c.Labels[labelUnit],
			State:     mapState(string(c.State)),
			CreatedAt: time.Unix(c.Created, 0).UTC(),
			Meta: map[string]string{
				"container":    name,
				"image":        c.Image,
				"native_state": string(c.State),
			},
		}
		if filter.Match(u) {
			units = append(units, u)
		}
	}
	return units, nil
}

// Terminate stops the container, giving it 30 seconds to exit, and removes it
// together with its anonymous volumes.
func (p *Provisioner) Terminate(ctx context.Context, id string) (provision.TerminateResult, error) {
	const op = "docker terminate"
	var res provision.TerminateResult
	timeout := stopTimeoutSec
	if err := p.api.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			return res, fault.Wrap(fault.NotFound, op, err)
		}
		res.Warnf("stop container %s: %v", shortID(id), err)
	}
	if err := p.api.ContainerRemove(ctx, id, container.RemoveOptions{RemoveVolumes: true, Force: true}); err != nil {
		return res, classify(op, fmt.Errorf("remove container %s: %w", shortID(id), err))
	}
	p.log.Info("container removed", "id", shortID(id))
	return res, nil
}

// Ready reports whether the container reached the running state.
func (p *Provisioner) Ready(ctx context.Context, unit model.ManagedUnit) poll.Outcome {
	info, err := p.api.ContainerInspect(ctx, unit.ID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return poll.Failed("container disappeared")
		}
		return poll.Pending
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return poll.Pending
	}
	switch mapState(string(info.State.Status)) {
	case model.StateRunning:
		return poll.Ready
	case model.StateFailed, model.StateStopped:
		reason := fmt.Sprintf("container %s (exit code %d)", info.State.Status, info.State.ExitCode)
		if info.State.Error != "" {
			reason += ": " + info.State.Error
		}
		return poll.Failed(reason)
	default:
		return poll.Pending
	}
}

func (p *Provisioner) ReadyPolicy() poll.Policy { return p.opts.Ready }

// Logs returns the last lines of the container output with timestamps.
func (p *Provisioner) Logs(ctx context.Context, id string, lines int) (string, error) {
	if lines <= 0 {
		lines = 100
	}
	rc, err := p.api.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
		Tail:       strconv.Itoa(lines),
	})
	if err != nil {
		return "", classify("docker logs", fmt.Errorf("container logs %s: %w", shortID(id), err))
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return "", fault.Wrap(fault.Transport, "docker logs", err)
	}
	out := stdout.String()
	if stderr.Len() > 0 {
		out += stderr.String()
	}
	return strings.TrimSpace(out), nil
}

func (p *Provisioner) pull(ctx context.Context, ref string) error {
	rc, err := p.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return classify("docker pull", fmt.Errorf("pull image %q: %w", ref, err))
	}
	_, _ = io.Copy(io.Discard, rc)
	return rc.Close()
}

func mapState(state string) model.UnitState {
	switch state {
	case "created", "restarting":
		return model.StatePending
	case "running":
		return model.StateRunning
	case "paused", "exited", "removing":
		return model.StateStopped
	case "dead":
		return model.StateFailed
	default:
		return model.StateUnknown
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func classify(op string, err error) error {
	switch {
	case errdefs.IsNotFound(err):
		return fault.Wrap(fault.NotFound, op, err)
	case errdefs.IsInvalidArgument(err), errdefs.IsConflict(err):
		return fault.Wrap(fault.Validation, op, err)
	default:
		return fault.Wrap(fault.Transport, op, err)
	}
}
