package gcp

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	compute "google.golang.org/api/compute/v1"
	"google.golang.org/api/googleapi"

	"wgfleet/internal/fault"
	"wgfleet/internal/model"
	"wgfleet/internal/provision"
)

type fakeCompute struct {
	instances   map[string]*compute.Instance
	firewalls   map[string]*compute.Firewall
	insertErr   error
	listErr     error
	fwDeleteErr error
	lastFilter  string
}

func newFakeCompute() *fakeCompute {
	return &fakeCompute{instances: map[string]*compute.Instance{}, firewalls: map[string]*compute.Firewall{}}
}

func (f *fakeCompute) InsertInstance(_ context.Context, _, zone string, inst *compute.Instance) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	inst.Zone = "https://www.googleapis.com/compute/v1/projects/p/zones/" + zone
	inst.Status = "PROVISIONING"
	f.instances[inst.Name] = inst
	return nil
}

func (f *fakeCompute) ListInstances(_ context.Context, _, filter string) ([]*compute.Instance, error) {
	f.lastFilter = filter
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*compute.Instance
	for _, inst := range f.instances {
		out = append(out, inst)
	}
	return out, nil
}

func (f *fakeCompute) DeleteInstance(_ context.Context, _, _, name string) error {
	if _, ok := f.instances[name]; !ok {
		return &googleapi.Error{Code: http.StatusNotFound, Message: "not found"}
	}
	delete(f.instances, name)
	return nil
}

func (f *fakeCompute) InsertFirewall(_ context.Context, _ string, fw *compute.Firewall) error {
	f.firewalls[fw.Name] = fw
	return nil
}

func (f *fakeCompute) DeleteFirewall(_ context.Context, _, name string) error {
	if f.fwDeleteErr != nil {
		return f.fwDeleteErr
	}
	delete(f.firewalls, name)
	return nil
}

func TestCreate_UsesConfiguredProjectAndZone(t *testing.T) {
	t.Parallel()

	api := newFakeCompute()
	p := New(api, Options{Project: "proj", Zone: "europe-west1-b"})
	unit, err := p.Create(context.Background(), model.DeploymentRequest{
		Name:   "Edge",
		Params: map[string]string{"image": "projects/debian-cloud/global/images/family/debian-12"},
	})
	require.NoError(t, err)
	assert.Equal(t, "europe-west1-b/wireguard-Edge", unit.ID)
	assert.Equal(t, model.StatePending, unit.State)

	inst := api.instances["wireguard-Edge"]
	require.NotNil(t, inst)
	assert.Equal(t, "zones/europe-west1-b/machineTypes/e2-micro", inst.MachineType)
	assert.Equal(t, "edge", inst.Labels[labelUnit])
	require.Len(t, inst.Metadata.Items, 1)
	assert.Contains(t, *inst.Metadata.Items[0].Value, "wg-quick@wg0")

	fw := api.firewalls["wireguard-Edge-udp"]
	require.NotNil(t, fw)
	assert.Equal(t, []string{"51820"}, fw.Allowed[0].Ports)
}

func TestCreate_MissingImageIsValidation(t *testing.T) {
	t.Parallel()

	api := newFakeCompute()
	_, err := New(api, Options{Project: "proj", Zone: "z"}).Create(context.Background(), model.DeploymentRequest{Name: "edge"})
	assert.True(t, fault.Is(err, fault.Validation))
	assert.Empty(t, api.firewalls)
}

func TestCreate_InsertFailureReleasesFirewall(t *testing.T) {
	t.Parallel()

	api := newFakeCompute()
	api.insertErr = &googleapi.Error{Code: http.StatusBadRequest, Message: "invalid image"}
	_, err := New(api, Options{Project: "proj", Zone: "z"}).Create(context.Background(), model.DeploymentRequest{
		Name:   "edge",
		Params: map[string]string{"image": "bogus"},
	})
	assert.True(t, fault.Is(err, fault.Validation))
	assert.Empty(t, api.firewalls)
}

func TestList_MapsStatusAndAddress(t *testing.T) {
	t.Parallel()

	api := newFakeCompute()
	api.instances["wireguard-a"] = &compute.Instance{
		Name:              "wireguard-a",
		Zone:              "projects/p/zones/us-central1-a",
		Status:            "RUNNING",
		CreationTimestamp: "2024-01-02T03:04:05.000-07:00",
		Labels:            map[string]string{labelUnit: "a"},
		NetworkInterfaces: []*compute.NetworkInterface{{AccessConfigs: []*compute.AccessConfig{{NatIP: "34.1.2.3"}}}},
	}
	api.instances["wireguard-b"] = &compute.Instance{Name: "wireguard-b", Status: "SUSPENDED"}

	units, err := New(api, Options{Project: "proj"}).List(context.Background(), provision.Filter{State: model.StateRunning})
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, "a", units[0].Name)
	assert.Equal(t, "34.1.2.3", units[0].Address)
	assert.Equal(t, "us-central1-a/wireguard-a", units[0].ID)
	assert.False(t, units[0].CreatedAt.IsZero())
	assert.Equal(t, "labels.wgfleet-managed=true", api.lastFilter)
}

func TestList_Error(t *testing.T) {
	t.Parallel()

	api := newFakeCompute()
	api.listErr = errors.New("dial tcp: i/o timeout")
	_, err := New(api, Options{Project: "proj"}).List(context.Background(), provision.Filter{})
	assert.True(t, fault.Is(err, fault.Transport))
}

func TestTerminate_FirewallFailureIsWarning(t *testing.T) {
	t.Parallel()

	api := newFakeCompute()
	p := New(api, Options{Project: "proj", Zone: "z"})
	unit, err := p.Create(context.Background(), model.DeploymentRequest{Name: "edge", Params: map[string]string{"image": "img"}})
	require.NoError(t, err)
	api.fwDeleteErr = &googleapi.Error{Code: http.StatusForbidden, Message: "denied"}

	res, err := p.Terminate(context.Background(), unit.ID)
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Empty(t, api.instances)
}

func TestTerminate_Missing(t *testing.T) {
	t.Parallel()

	_, err := New(newFakeCompute(), Options{Project: "proj", Zone: "z"}).Terminate(context.Background(), "wireguard-ghost")
	assert.True(t, fault.Is(err, fault.NotFound))
}

func TestMapState(t *testing.T) {
	t.Parallel()

	assert.Equal(t, model.StatePending, mapState("STAGING"))
	assert.Equal(t, model.StateRunning, mapState("RUNNING"))
	assert.Equal(t, model.StateStopped, mapState("TERMINATED"))
	assert.Equal(t, model.StateUnknown, mapState("WHATEVER"))
}
