// Package aws provisions tunnel endpoints as EC2 instances.
package aws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"wgfleet/internal/fault"
	"wgfleet/internal/model"
	"wgfleet/internal/poll"
	"wgfleet/internal/provision"
)

const (
	tagName          = "Name"
	tagUnit          = "wgfleet-unit"
	tagSecurityGroup = "wgfleet-security-group"
)

// EC2API is the subset of the EC2 client used by the provisioner.
type EC2API interface {
	CreateSecurityGroup(ctx context.Context, in *ec2.CreateSecurityGroupInput, opts ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error)
	AuthorizeSecurityGroupIngress(ctx context.Context, in *ec2.AuthorizeSecurityGroupIngressInput, opts ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error)
	DeleteSecurityGroup(ctx context.Context, in *ec2.DeleteSecurityGroupInput, opts ...func(*ec2.Options)) (*ec2.DeleteSecurityGroupOutput, error)
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, opts ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, opts ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, opts ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

// Options configures the provisioner.
type Options struct {
	Region string
	// TerminateWait bounds the wait for an instance to release its
	// security group before the group is deleted.
	TerminateWait poll.Policy
	Logger        *slog.Logger
}

// Provisioner implements provision.Provisioner on EC2.
type Provisioner struct {
	api  EC2API
	opts Options
	log  *slog.Logger
}

var _ provision.Provisioner = (*Provisioner)(nil)

// New builds a provisioner from the default AWS credential chain.
func New(ctx context.Context, opts Options) (*Provisioner, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewWithClient(ec2.NewFromConfig(cfg), opts), nil
}

// NewWithClient wraps an existing EC2 client.
func NewWithClient(api EC2API, opts Options) *Provisioner {
	if opts.TerminateWait.MaxAttempts == 0 {
		opts.TerminateWait = poll.Policy{Interval: 5 * time.Second, MaxAttempts: 60}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Provisioner{api: api, opts: opts, log: log.With("backend", model.BackendAWS)}
}

func (p *Provisioner) Kind() model.BackendKind { return model.BackendAWS }

type createParams struct {
	AMI          string `param:"ami_id" validate:"required"`
	InstanceType string `param:"instance_type" default:"t2.micro"`
	ListenPort   int    `param:"listen_port" default:"51820" validate:"min=1,max=65535"`
	SubnetID     string `param:"subnet_id"`
	VPCID        string `param:"vpc_id"`
	KeyName      string `param:"key_name"`
	ConfigPath   string `param:"wireguard_config"`
	Address      string `param:"tunnel_address"`
	IngressCIDR  string `param:"ingress_cidr" default:"0.0.0.0/0" validate:"cidr"`
}

// Create opens the tunnel port in a dedicated security group and launches one
// instance that installs and starts the tunnel on first boot.
func (p *Provisioner) Create(ctx context.Context, req model.DeploymentRequest) (model.ManagedUnit, error) {
	const op = "aws create"
	var params createParams
	if err := provision.Bind(op, req.Params, &params); err != nil {
		return model.ManagedUnit{}, err
	}
	if req.Name == "" {
		return model.ManagedUnit{}, fault.New(fault.Validation, op, "name is required")
	}
	boot, err := provision.ServerBootstrap(op, params.ConfigPath, params.Address, params.ListenPort)
	if err != nil {
		return model.ManagedUnit{}, err
	}

	resource := provision.ResourceName(req.Name)
	sgIn := &ec2.CreateSecurityGroupInput{
		GroupName:   awssdk.String(resource),
		Description: awssdk.String("WireGuard VPN security group for " + req.Name),
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeSecurityGroup,
			Tags:         managedTags(req.Name, resource),
		}},
	}
	if params.VPCID != "" {
		sgIn.VpcId = awssdk.String(params.VPCID)
	}
	sg, err := p.api.CreateSecurityGroup(ctx, sgIn)
	if err != nil {
		return model.ManagedUnit{}, classify(op, fmt.Errorf("create security group %s: %w", resource, err))
	}
	sgID := awssdk.ToString(sg.GroupId)

	_, err = p.api.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId: awssdk.String(sgID),
		IpPermissions: []types.IpPermission{{
			IpProtocol: awssdk.String("udp"),
			FromPort:   awssdk.Int32(int32(params.ListenPort)),
			ToPort:     awssdk.Int32(int32(params.ListenPort)),
			IpRanges:   []types.IpRange{{CidrIp: awssdk.String(params.IngressCIDR)}},
		}},
	})
	if err != nil {
		return model.ManagedUnit{}, provision.WithCleanupWarnings(
			classify(op, fmt.Errorf("authorize ingress on %s: %w", sgID, err)), p.releaseGroup(ctx, sgID))
	}

	tags := append(managedTags(req.Name, resource), types.Tag{Key: awssdk.String(tagSecurityGroup), Value: awssdk.String(sgID)})
	runIn := &ec2.RunInstancesInput{
		ImageId:          awssdk.String(params.AMI),
		InstanceType:     types.InstanceType(params.InstanceType),
		MinCount:         awssdk.Int32(1),
		MaxCount:         awssdk.Int32(1),
		SecurityGroupIds: []string{sgID},
		UserData:         awssdk.String(boot.Base64()),
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags:         tags,
		}},
	}
	if params.SubnetID != "" {
		runIn.SubnetId = awssdk.String(params.SubnetID)
	}
	if params.KeyName != "" {
		runIn.KeyName = awssdk.String(params.KeyName)
	}
	out, err := p.api.RunInstances(ctx, runIn)
	if err != nil {
		return model.ManagedUnit{}, provision.WithCleanupWarnings(
			classify(op, fmt.Errorf("run instance: %w", err)), p.releaseGroup(ctx, sgID))
	}
	if len(out.Instances) == 0 {
		return model.ManagedUnit{}, provision.WithCleanupWarnings(
			fault.New(fault.Transport, op, "run instance returned no instances"), p.releaseGroup(ctx, sgID))
	}

	unit := toUnit(out.Instances[0])
	if boot.PublicKey != "" {
		unit.Meta["public_key"] = boot.PublicKey
	}
	p.log.Info("instance launched", "unit", unit.Name, "id", unit.ID, "security_group", sgID)
	return unit, nil
}

// List returns every managed instance that is not terminated.
func (p *Provisioner) List(ctx context.Context, filter provision.Filter) ([]model.ManagedUnit, error) {
	in := &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{Name: awssdk.String("tag:" + provision.ManagedTag), Values: []string{"true"}},
			{Name: awssdk.String("instance-state-name"), Values: []string{"pending", "running", "stopping", "stopped", "shutting-down"}},
		},
	}
	units := []model.ManagedUnit{}
	pager := ec2.NewDescribeInstancesPaginator(p.api, in)
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, classify("aws list", err)
		}
		for _, res := range page.Reservations {
			for _, inst := range res.Instances {
				u := toUnit(inst)
				if filter.Match(u) {
					units = append(units, u)
				}
			}
		}
	}
	return units, nil
}

// Terminate terminates the instance, waits until it is gone and deletes its
// security group. Security group cleanup problems are reported as warnings.
func (p *Provisioner) Terminate(ctx context.Context, id string) (provision.TerminateResult, error) {
	const op = "aws terminate"
	var res provision.TerminateResult

	inst, err := p.describe(ctx, id)
	if err != nil {
		return res, err
	}
	sgID := tagValue(inst.Tags, tagSecurityGroup)

	if _, err := p.api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{id}}); err != nil {
		return res, classify(op, fmt.Errorf("terminate %s: %w", id, err))
	}
	p.log.Info("instance terminating", "id", id)

	if sgID == "" {
		return res, nil
	}
	err = poll.WaitUntil(ctx, p.opts.TerminateWait, func(ctx context.Context) poll.Outcome {
		inst, err := p.describe(ctx, id)
		if fault.Is(err, fault.NotFound) {
			return poll.Ready
		}
		if err != nil {
			return poll.Pending
		}
		if inst.State != nil && inst.State.Name == types.InstanceStateNameTerminated {
			return poll.Ready
		}
		return poll.Pending
	})
	if err != nil {
		res.Warnf("security group %s kept: instance %s not terminated: %v", sgID, id, err)
		return res, nil
	}
	if _, err := p.api.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: awssdk.String(sgID)}); err != nil {
		res.Warnf("delete security group %s: %v", sgID, err)
	}
	return res, nil
}

func (p *Provisioner) describe(ctx context.Context, id string) (types.Instance, error) {
	out, err := p.api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}})
	if err != nil {
		return types.Instance{}, classify("aws describe", err)
	}
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			if awssdk.ToString(inst.InstanceId) == id {
				return inst, nil
			}
		}
	}
	return types.Instance{}, fault.New(fault.NotFound, "aws describe", "instance %s not found", id)
}

// releaseGroup deletes a security group left by a failed create and returns
// a warning when it stays behind.
func (p *Provisioner) releaseGroup(ctx context.Context, sgID string) string {
	if _, err := p.api.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: awssdk.String(sgID)}); err != nil {
		p.log.Warn("release security group", "security_group", sgID, "err", err)
		return fmt.Sprintf("security group %s left behind: %v", sgID, err)
	}
	return ""
}

func managedTags(name, resource string) []types.Tag {
	return []types.Tag{
		{Key: awssdk.String(tagName), Value: awssdk.String(resource)},
		{Key: awssdk.String(tagUnit), Value: awssdk.String(name)},
		{Key: awssdk.String(provision.ManagedTag), Value: awssdk.String("true")},
	}
}

func toUnit(inst types.Instance) model.ManagedUnit {
	u := model.ManagedUnit{
		Backend: model.BackendAWS,
		ID:      awssdk.ToString(inst.InstanceId),
		Name:    tagValue(inst.Tags, tagUnit),
		State:   model.StateUnknown,
		Address: awssdk.ToString(inst.PublicIpAddress),
		Meta:    map[string]string{},
	}
	if u.Name == "" {
		u.Name = strings.TrimPrefix(tagValue(inst.Tags, tagName), provision.NamePrefix)
	}
	if inst.LaunchTime != nil {
		u.CreatedAt = inst.LaunchTime.UTC()
	}
	if inst.State != nil {
		u.State = mapState(inst.State.Name)
	}
	if inst.InstanceType != "" {
		u.Meta["instance_type"] = string(inst.InstanceType)
	}
	if sg := tagValue(inst.Tags, tagSecurityGroup); sg != "" {
		u.Meta["security_group"] = sg
	}
	if inst.Placement != nil && inst.Placement.AvailabilityZone != nil {
		u.Meta["zone"] = *inst.Placement.AvailabilityZone
	}
	return u
}

func mapState(s types.InstanceStateName) model.UnitState {
	switch s {
	case types.InstanceStateNamePending:
		return model.StatePending
	case types.InstanceStateNameRunning:
		return model.StateRunning
	case types.InstanceStateNameStopping, types.InstanceStateNameStopped,
		types.InstanceStateNameShuttingDown, types.InstanceStateNameTerminated:
		return model.StateStopped
	default:
		return model.StateUnknown
	}
}

func tagValue(tags []types.Tag, key string) string {
	for _, t := range tags {
		if awssdk.ToString(t.Key) == key {
			return awssdk.ToString(t.Value)
		}
	}
	return ""
}

func classify(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case strings.HasSuffix(code, ".NotFound"):
			return fault.Wrap(fault.NotFound, op, err)
		case strings.HasPrefix(code, "InvalidParameter"), strings.HasSuffix(code, ".Malformed"),
			code == "MissingParameter", code == "InvalidAMIID.Malformed":
			return fault.Wrap(fault.Validation, op, err)
		}
	}
	return fault.Wrap(fault.Transport, op, err)
}
