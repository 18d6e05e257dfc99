package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wgfleet/internal/fault"
	"wgfleet/internal/model"
	"wgfleet/internal/poll"
	"wgfleet/internal/provision"
)

type fakeDocker struct {
	mu        sync.Mutex
	haveImage bool
	pulled    []string
	created   *container.Config
	host      *container.HostConfig
	names     []string
	started   []string
	removed   []container.RemoveOptions
	stopped   []int
	state     string
	exitCode  int
	summaries []container.Summary
	listOpts  container.ListOptions
	logs      []byte
	missing   bool
}

func (f *fakeDocker) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, ref)
	f.haveImage = true
	return io.NopCloser(bytes.NewReader([]byte(`{"status":"done"}`))), nil
}

func (f *fakeDocker) ContainerCreate(_ context.Context, cfg *container.Config, host *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.haveImage {
		return container.CreateResponse{}, fmt.Errorf("No such image: %s: %w", cfg.Image, errdefs.ErrNotFound)
	}
	f.created, f.host = cfg, host
	f.names = append(f.names, name)
	return container.CreateResponse{ID: "0123456789abcdef0123"}, nil
}

func (f *fakeDocker) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	f.started = append(f.started, id)
	return nil
}

func (f *fakeDocker) ContainerInspect(_ context.Context, id string) (container.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing {
		return container.InspectResponse{}, fmt.Errorf("No such container: %s: %w", id, errdefs.ErrNotFound)
	}
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			ID:    id,
			State: &container.State{Status: container.ContainerState(f.state), ExitCode: f.exitCode},
		},
	}, nil
}

func (f *fakeDocker) ContainerList(_ context.Context, opts container.ListOptions) ([]container.Summary, error) {
	f.listOpts = opts
	return f.summaries, nil
}

func (f *fakeDocker) ContainerStop(_ context.Context, id string, opts container.StopOptions) error {
	if f.missing {
		return fmt.Errorf("No such container: %s: %w", id, errdefs.ErrNotFound)
	}
	f.stopped = append(f.stopped, *opts.Timeout)
	return nil
}

func (f *fakeDocker) ContainerRemove(_ context.Context, _ string, opts container.RemoveOptions) error {
	f.removed = append(f.removed, opts)
	return nil
}

func (f *fakeDocker) ContainerLogs(_ context.Context, _ string, opts container.LogsOptions) (io.ReadCloser, error) {
	if !opts.Timestamps || opts.Tail != "5" {
		return nil, fmt.Errorf("unexpected options %+v", opts)
	}
	return io.NopCloser(bytes.NewReader(f.logs)), nil
}

func newTestProvisioner(api API) *Provisioner {
	return New(api, Options{Ready: poll.Policy{Interval: time.Millisecond, MaxAttempts: 3}})
}

func TestCreate_PullsMissingImageAndStarts(t *testing.T) {
	t.Parallel()

	api := &fakeDocker{}
	unit, err := newTestProvisioner(api).Create(context.Background(), model.DeploymentRequest{
		Name:   "edge",
		Params: map[string]string{"config_path": t.TempDir()},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{DefaultImage}, api.pulled)
	assert.Equal(t, []string{"wireguard-edge"}, api.names)
	assert.Equal(t, []string{"0123456789abcdef0123"}, api.started)
	assert.Equal(t, model.StatePending, unit.State)

	assert.Equal(t, container.NetworkMode("host"), api.host.NetworkMode)
	assert.ElementsMatch(t, []string{"NET_ADMIN", "SYS_MODULE"}, []string(api.host.CapAdd))
	assert.Equal(t, container.RestartPolicyUnlessStopped, api.host.RestartPolicy.Name)
	require.Len(t, api.host.Mounts, 2)
	assert.Equal(t, "/config", api.host.Mounts[0].Target)
	assert.True(t, api.host.Mounts[1].ReadOnly)
	assert.Empty(t, api.host.Sysctls)
	assert.Contains(t, api.created.Env, "PUID=1000")
	assert.Equal(t, "edge", api.created.Labels[labelUnit])
}

func TestCreate_BridgePublishesPort(t *testing.T) {
	t.Parallel()

	api := &fakeDocker{haveImage: true}
	_, err := newTestProvisioner(api).Create(context.Background(), model.DeploymentRequest{
		Name:   "edge",
		Params: map[string]string{"config_path": t.TempDir(), "network_mode": "bridge", "listen_port": "51821"},
	})
	require.NoError(t, err)
	assert.Empty(t, api.pulled)
	assert.Contains(t, api.host.PortBindings, nat.Port("51821/udp"))
	assert.Equal(t, "1", api.host.Sysctls["net.ipv4.ip_forward"])
}

func TestCreate_MissingConfigPath(t *testing.T) {
	t.Parallel()

	api := &fakeDocker{haveImage: true}
	p := newTestProvisioner(api)

	_, err := p.Create(context.Background(), model.DeploymentRequest{Name: "edge"})
	assert.True(t, fault.Is(err, fault.Validation))

	_, err = p.Create(context.Background(), model.DeploymentRequest{Name: "edge", Params: map[string]string{"config_path": "/does/not/exist"}})
	assert.True(t, fault.Is(err, fault.Validation))
	assert.Empty(t, api.names)
}

func TestList_UsesManagedLabel(t *testing.T) {
	t.Parallel()

	api := &fakeDocker{summaries: []container.Summary{
		{ID: "a", Names: []string{"/wireguard-a"}, State: "running", Labels: map[string]string{labelUnit: "a"}, Created: 1700000000},
		{ID: "b", Names: []string{"/wireguard-b"}, State: "exited", Labels: map[string]string{labelUnit: "b"}},
	}}
	units, err := newTestProvisioner(api).List(context.Background(), provision.Filter{})
	require.NoError(t, err)
	require.Len(t, units, 2)
	assert.Equal(t, model.StateRunning, units[0].State)
	assert.Equal(t, "wireguard-a", units[0].Meta["container"])
	assert.Equal(t, model.StateStopped, units[1].State)
	assert.True(t, api.listOpts.All)
	assert.Equal(t, []string{labelManaged + "=true"}, api.listOpts.Filters.Get("label"))
}

func TestReady(t *testing.T) {
	t.Parallel()

	api := &fakeDocker{state: "created"}
	p := newTestProvisioner(api)
	u := model.ManagedUnit{ID: "x"}

	assert.True(t, p.Ready(context.Background(), u).IsPending())
	api.state = "running"
	assert.True(t, p.Ready(context.Background(), u).IsReady())
	api.state, api.exitCode = "exited", 1
	out := p.Ready(context.Background(), u)
	require.True(t, out.IsFailed())
	assert.Contains(t, out.Reason(), "exit code 1")
	api.missing = true
	assert.True(t, p.Ready(context.Background(), u).IsFailed())
}

func TestReady_TimesOutWithPoller(t *testing.T) {
	t.Parallel()

	api := &fakeDocker{state: "restarting"}
	p := newTestProvisioner(api)
	err := poll.WaitUntil(context.Background(), p.ReadyPolicy(), func(ctx context.Context) poll.Outcome {
		return p.Ready(ctx, model.ManagedUnit{ID: "x"})
	})
	assert.True(t, fault.Is(err, fault.Timeout))
}

func TestTerminate_StopsThenRemovesWithVolumes(t *testing.T) {
	t.Parallel()

	api := &fakeDocker{}
	res, err := newTestProvisioner(api).Terminate(context.Background(), "abc")
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, []int{30}, api.stopped)
	require.Len(t, api.removed, 1)
	assert.True(t, api.removed[0].RemoveVolumes)
	assert.True(t, api.removed[0].Force)
}

func TestTerminate_Missing(t *testing.T) {
	t.Parallel()

	_, err := newTestProvisioner(&fakeDocker{missing: true}).Terminate(context.Background(), "abc")
	assert.True(t, fault.Is(err, fault.NotFound))
}

func TestLogs_Demultiplexes(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte("2024-01-01T00:00:00Z [ls.io-init] done.\n"))
	_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte("2024-01-01T00:00:01Z warn\n"))

	out, err := newTestProvisioner(&fakeDocker{logs: buf.Bytes()}).Logs(context.Background(), "abc", 5)
	require.NoError(t, err)
	assert.Contains(t, out, "[ls.io-init] done.")
	assert.Contains(t, out, "warn")
}
