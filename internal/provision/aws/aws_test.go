package aws

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wgfleet/internal/fault"
	"wgfleet/internal/model"
	"wgfleet/internal/poll"
	"wgfleet/internal/provision"
)

type fakeEC2 struct {
	mu        sync.Mutex
	instances map[string]*types.Instance
	groups    map[string]bool
	ingress   []types.IpPermission
	run       *ec2.RunInstancesInput
	runErr    error
	deleteErr error
	stuck     bool
	next      int
}

func newFakeEC2() *fakeEC2 {
	return &fakeEC2{instances: map[string]*types.Instance{}, groups: map[string]bool{}}
}

func (f *fakeEC2) CreateSecurityGroup(_ context.Context, in *ec2.CreateSecurityGroupInput, _ ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "sg-" + awssdk.ToString(in.GroupName)
	f.groups[id] = true
	return &ec2.CreateSecurityGroupOutput{GroupId: awssdk.String(id)}, nil
}

func (f *fakeEC2) AuthorizeSecurityGroupIngress(_ context.Context, in *ec2.AuthorizeSecurityGroupIngressInput, _ ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ingress = append(f.ingress, in.IpPermissions...)
	return &ec2.AuthorizeSecurityGroupIngressOutput{}, nil
}

func (f *fakeEC2) DeleteSecurityGroup(_ context.Context, in *ec2.DeleteSecurityGroupInput, _ ...func(*ec2.Options)) (*ec2.DeleteSecurityGroupOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	delete(f.groups, awssdk.ToString(in.GroupId))
	return &ec2.DeleteSecurityGroupOutput{}, nil
}

func (f *fakeEC2) RunInstances(_ context.Context, in *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.run = in
	if f.runErr != nil {
		return nil, f.runErr
	}
	f.next++
	id := "i-000" + string(rune('0'+f.next))
	now := time.Now()
	inst := types.Instance{
		InstanceId:   awssdk.String(id),
		InstanceType: in.InstanceType,
		LaunchTime:   &now,
		State:        &types.InstanceState{Name: types.InstanceStateNamePending},
		Tags:         in.TagSpecifications[0].Tags,
	}
	f.instances[id] = &inst
	return &ec2.RunInstancesOutput{Instances: []types.Instance{inst}}, nil
}

func (f *fakeEC2) DescribeInstances(_ context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Instance
	if len(in.InstanceIds) > 0 {
		for _, id := range in.InstanceIds {
			inst, ok := f.instances[id]
			if !ok {
				return nil, &smithy.GenericAPIError{Code: "InvalidInstanceID.NotFound", Message: "no such instance"}
			}
			out = append(out, *inst)
		}
	} else {
		for _, inst := range f.instances {
			if inst.State.Name != types.InstanceStateNameTerminated {
				out = append(out, *inst)
			}
		}
	}
	return &ec2.DescribeInstancesOutput{Reservations: []types.Reservation{{Instances: out}}}, nil
}

func (f *fakeEC2) TerminateInstances(_ context.Context, in *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range in.InstanceIds {
		inst, ok := f.instances[id]
		if !ok {
			return nil, &smithy.GenericAPIError{Code: "InvalidInstanceID.NotFound", Message: "no such instance"}
		}
		if f.stuck {
			inst.State = &types.InstanceState{Name: types.InstanceStateNameShuttingDown}
		} else {
			inst.State = &types.InstanceState{Name: types.InstanceStateNameTerminated}
		}
	}
	return &ec2.TerminateInstancesOutput{}, nil
}

func newTestProvisioner(api EC2API) *Provisioner {
	return NewWithClient(api, Options{TerminateWait: poll.Policy{Interval: time.Millisecond, MaxAttempts: 3}})
}

func TestCreate_MissingAMIIsValidation(t *testing.T) {
	t.Parallel()

	api := newFakeEC2()
	_, err := newTestProvisioner(api).Create(context.Background(), model.DeploymentRequest{
		Backend: model.BackendAWS,
		Name:    "edge",
		Params:  map[string]string{"instance_type": "t3.micro"},
	})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Validation), "err=%v", err)
	assert.Empty(t, api.groups, "no cloud call must happen before validation")
}

func TestCreate_LaunchesTaggedInstance(t *testing.T) {
	t.Parallel()

	api := newFakeEC2()
	unit, err := newTestProvisioner(api).Create(context.Background(), model.DeploymentRequest{
		Backend: model.BackendAWS,
		Name:    "edge",
		Params:  map[string]string{"ami_id": "ami-123"},
	})
	require.NoError(t, err)

	assert.Equal(t, model.StatePending, unit.State)
	assert.Equal(t, "edge", unit.Name)
	assert.Equal(t, "sg-wireguard-edge", unit.Meta["security_group"])
	assert.NotEmpty(t, unit.Meta["public_key"])

	require.NotNil(t, api.run)
	assert.Equal(t, types.InstanceType("t2.micro"), api.run.InstanceType)
	script, err := base64.StdEncoding.DecodeString(awssdk.ToString(api.run.UserData))
	require.NoError(t, err)
	assert.Contains(t, string(script), "wg-quick@wg0")

	require.Len(t, api.ingress, 1)
	assert.Equal(t, "udp", awssdk.ToString(api.ingress[0].IpProtocol))
	assert.Equal(t, int32(51820), awssdk.ToInt32(api.ingress[0].FromPort))
}

func TestCreate_RunFailureReleasesGroup(t *testing.T) {
	t.Parallel()

	api := newFakeEC2()
	api.runErr = &smithy.GenericAPIError{Code: "InvalidParameterValue", Message: "bad instance type"}
	_, err := newTestProvisioner(api).Create(context.Background(), model.DeploymentRequest{
		Name:   "edge",
		Params: map[string]string{"ami_id": "ami-123", "instance_type": "x9.huge"},
	})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Validation))
	assert.Empty(t, api.groups)
}

func TestCreate_UnreleasedGroupIsWarning(t *testing.T) {
	t.Parallel()

	api := newFakeEC2()
	api.runErr = errors.New("InsufficientInstanceCapacity")
	api.deleteErr = errors.New("DependencyViolation")
	_, err := newTestProvisioner(api).Create(context.Background(), model.DeploymentRequest{
		Name:   "edge",
		Params: map[string]string{"ami_id": "ami-123"},
	})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Transport), "err=%v", err)
	warnings := provision.CleanupWarnings(err)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "sg-wireguard-edge")
	assert.Contains(t, warnings[0], "DependencyViolation")
}

func TestList_MapsStates(t *testing.T) {
	t.Parallel()

	api := newFakeEC2()
	p := newTestProvisioner(api)
	_, err := p.Create(context.Background(), model.DeploymentRequest{Name: "a", Params: map[string]string{"ami_id": "ami-1"}})
	require.NoError(t, err)
	for _, inst := range api.instances {
		inst.State = &types.InstanceState{Name: types.InstanceStateNameRunning}
	}

	units, err := p.List(context.Background(), provision.Filter{})
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, model.StateRunning, units[0].State)
	assert.Equal(t, model.BackendAWS, units[0].Backend)
}

func TestTerminate_DeletesGroupAfterTermination(t *testing.T) {
	t.Parallel()

	api := newFakeEC2()
	p := newTestProvisioner(api)
	unit, err := p.Create(context.Background(), model.DeploymentRequest{Name: "a", Params: map[string]string{"ami_id": "ami-1"}})
	require.NoError(t, err)

	res, err := p.Terminate(context.Background(), unit.ID)
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)
	assert.Empty(t, api.groups)
}

func TestTerminate_GroupFailureIsWarning(t *testing.T) {
	t.Parallel()

	api := newFakeEC2()
	p := newTestProvisioner(api)
	unit, err := p.Create(context.Background(), model.DeploymentRequest{Name: "a", Params: map[string]string{"ami_id": "ami-1"}})
	require.NoError(t, err)
	api.deleteErr = errors.New("DependencyViolation")

	res, err := p.Terminate(context.Background(), unit.ID)
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "DependencyViolation")
}

func TestTerminate_StuckInstanceKeepsGroup(t *testing.T) {
	t.Parallel()

	api := newFakeEC2()
	api.stuck = true
	p := newTestProvisioner(api)
	unit, err := p.Create(context.Background(), model.DeploymentRequest{Name: "a", Params: map[string]string{"ami_id": "ami-1"}})
	require.NoError(t, err)

	res, err := p.Terminate(context.Background(), unit.ID)
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Len(t, api.groups, 1)
}

func TestTerminate_UnknownIsNotFound(t *testing.T) {
	t.Parallel()

	_, err := newTestProvisioner(newFakeEC2()).Terminate(context.Background(), "i-missing")
	assert.True(t, fault.Is(err, fault.NotFound), "err=%v", err)
}
