// Package azure provisions tunnel endpoints as Azure virtual machines.
package azure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v6"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork/v6"

	"wgfleet/internal/fault"
	"wgfleet/internal/model"
	"wgfleet/internal/provision"
)

const (
	tagManaged = provision.ManagedTag
	tagUnit    = "wgfleet-unit"
	tagNSG     = "wgfleet-nsg"
)

// Options configures the provisioner.
type Options struct {
	ResourceGroup string
	Location      string
	Logger        *slog.Logger
}

// Provisioner implements provision.Provisioner on Azure compute.
type Provisioner struct {
	api  AzureAPI
	opts Options
	log  *slog.Logger
}

var _ provision.Provisioner = (*Provisioner)(nil)

func New(api AzureAPI, opts Options) *Provisioner {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Provisioner{api: api, opts: opts, log: log.With("backend", model.BackendAzure)}
}

func (p *Provisioner) Kind() model.BackendKind { return model.BackendAzure }

type createParams struct {
	ResourceGroup string `param:"resource_group" validate:"required"`
	Location      string `param:"location" validate:"required"`
	AdminUsername string `param:"admin_username" validate:"required"`
	SSHPublicKey  string `param:"ssh_public_key" validate:"required"`
	NICID         string `param:"network_interface_id" validate:"required"`
	VMSize        string `param:"vm_size" default:"Standard_B1s"`
	Publisher     string `param:"image_publisher" default:"Canonical"`
	Offer         string `param:"image_offer" default:"0001-com-ubuntu-server-jammy"`
	SKU           string `param:"image_sku" default:"22_04-lts-gen2"`
	Version       string `param:"image_version" default:"latest"`
	ListenPort    int    `param:"listen_port" default:"51820" validate:"min=1,max=65535"`
	ConfigPath    string `param:"wireguard_config"`
	Address       string `param:"tunnel_address"`
	SourcePrefix  string `param:"ingress_cidr" default:"*"`
}

// Create creates a network security group allowing the tunnel port and
// submits the VM without waiting for it to finish provisioning.
func (p *Provisioner) Create(ctx context.Context, req model.DeploymentRequest) (model.ManagedUnit, error) {
	const op = "azure create"
	params := map[string]string{"resource_group": p.opts.ResourceGroup, "location": p.opts.Location}
	for k, v := range req.Params {
		if strings.TrimSpace(v) != "" {
			params[k] = v
		}
	}
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
	nsgName := resource + "-nsg"
	tags := map[string]*string{
		tagManaged: to.Ptr("true"),
		tagUnit:    to.Ptr(req.Name),
		tagNSG:     to.Ptr(nsgName),
	}
	nsg := armnetwork.SecurityGroup{
		Location: to.Ptr(cp.Location),
		Tags:     tags,
		Properties: &armnetwork.SecurityGroupPropertiesFormat{
			SecurityRules: []*armnetwork.SecurityRule{{
				Name: to.Ptr("WireGuard"),
				Properties: &armnetwork.SecurityRulePropertiesFormat{
					Protocol:                 to.Ptr(armnetwork.SecurityRuleProtocolUDP),
					SourceAddressPrefix:      to.Ptr(cp.SourcePrefix),
					SourcePortRange:          to.Ptr("*"),
					DestinationAddressPrefix: to.Ptr("*"),
					DestinationPortRange:     to.Ptr(strconv.Itoa(cp.ListenPort)),
					Access:                   to.Ptr(armnetwork.SecurityRuleAccessAllow),
					Priority:                 to.Ptr[int32](100),
					Direction:                to.Ptr(armnetwork.SecurityRuleDirectionInbound),
				},
			}},
		},
	}
	if err := p.api.CreateSecurityGroup(ctx, cp.ResourceGroup, nsgName, nsg); err != nil {
		return model.ManagedUnit{}, classify(op, fmt.Errorf("create security group %s: %w", nsgName, err))
	}

	vm := armcompute.VirtualMachine{
		Location: to.Ptr(cp.Location),
		Tags:     tags,
		Properties: &armcompute.VirtualMachineProperties{
			HardwareProfile: &armcompute.HardwareProfile{
				VMSize: to.Ptr(armcompute.VirtualMachineSizeTypes(cp.VMSize)),
			},
			StorageProfile: &armcompute.StorageProfile{
				ImageReference: &armcompute.ImageReference{
					Publisher: to.Ptr(cp.Publisher),
					Offer:     to.Ptr(cp.Offer),
					SKU:       to.Ptr(cp.SKU),
					Version:   to.Ptr(cp.Version),
				},
			},
			OSProfile: &armcompute.OSProfile{
				ComputerName:  to.Ptr(resource),
				AdminUsername: to.Ptr(cp.AdminUsername),
				CustomData:    to.Ptr(boot.Base64()),
				LinuxConfiguration: &armcompute.LinuxConfiguration{
					DisablePasswordAuthentication: to.Ptr(true),
					SSH: &armcompute.SSHConfiguration{
						PublicKeys: []*armcompute.SSHPublicKey{{
							Path:    to.Ptr("/home/" + cp.AdminUsername + "/.ssh/authorized_keys"),
							KeyData: to.Ptr(cp.SSHPublicKey),
						}},
					},
				},
			},
			NetworkProfile: &armcompute.NetworkProfile{
				NetworkInterfaces: []*armcompute.NetworkInterfaceReference{{ID: to.Ptr(cp.NICID)}},
			},
		},
	}
	if err := p.api.BeginCreateVM(ctx, cp.ResourceGroup, resource, vm); err != nil {
		err = classify(op, fmt.Errorf("create vm %s: %w", resource, err))
		if derr := p.api.DeleteSecurityGroup(ctx, cp.ResourceGroup, nsgName); derr != nil {
			p.log.Warn("release security group", "nsg", nsgName, "err", derr)
			err = provision.WithCleanupWarnings(err, fmt.Sprintf("network security group %s left behind: %v", nsgName, derr))
		}
		return model.ManagedUnit{}, err
	}

	p.log.Info("vm submitted", "unit", req.Name, "resource_group", cp.ResourceGroup)
	unit := model.ManagedUnit{
		Backend:   model.BackendAzure,
		ID:        cp.ResourceGroup + "/" + resource,
		Name:      req.Name,
		State:     model.StatePending,
		CreatedAt: time.Now().UTC(),
		Meta: map[string]string{
			"resource_group": cp.ResourceGroup,
			"location":       cp.Location,
			"vm_size":        cp.VMSize,
			"nsg":            nsgName,
		},
	}
	if boot.PublicKey != "" {
		unit.Meta["public_key"] = boot.PublicKey
	}
	return unit, nil
}

// List returns the managed VMs of the default resource group.
func (p *Provisioner) List(ctx context.Context, filter provision.Filter) ([]model.ManagedUnit, error) {
	if p.opts.ResourceGroup == "" {
		return nil, fault.New(fault.Validation, "azure list", "resource group is not configured")
	}
	vms, err := p.api.ListVMs(ctx, p.opts.ResourceGroup)
	if err != nil {
		return nil, classify("azure list", err)
	}
	units := []model.ManagedUnit{}
	for _, vm := range vms {
		if vm == nil || deref(vm.Tags[tagManaged]) != "true" {
			continue
		}
		u := toUnit(p.opts.ResourceGroup, vm)
		if filter.Match(u) {
			units = append(units, u)
		}
	}
	return units, nil
}

// Terminate deletes the VM, waiting for completion, and then its security
// group. Security group problems are reported as warnings.
func (p *Provisioner) Terminate(ctx context.Context, id string) (provision.TerminateResult, error) {
	const op = "azure terminate"
	var res provision.TerminateResult
	rg, name, ok := strings.Cut(id, "/")
	if !ok {
		rg, name = p.opts.ResourceGroup, id
	}
	if rg == "" || name == "" {
		return res, fault.New(fault.Validation, op, "invalid unit id %q", id)
	}
	if err := p.api.DeleteVM(ctx, rg, name); err != nil {
		return res, classify(op, fmt.Errorf("delete vm %s: %w", name, err))
	}
	p.log.Info("vm deleted", "id", id)

	nsgName := name + "-nsg"
	if err := p.api.DeleteSecurityGroup(ctx, rg, nsgName); err != nil && !isNotFound(err) {
		res.Warnf("delete security group %s: %v", nsgName, err)
	}
	return res, nil
}

func toUnit(rg string, vm *armcompute.VirtualMachine) model.ManagedUnit {
	name := deref(vm.Name)
	u := model.ManagedUnit{
		Backend: model.BackendAzure,
		ID:      rg + "/" + name,
		Name:    deref(vm.Tags[tagUnit]),
		State:   model.StateUnknown,
		Meta: map[string]string{
			"resource_group": rg,
			"location":       deref(vm.Location),
		},
	}
	if u.Name == "" {
		u.Name = strings.TrimPrefix(name, provision.NamePrefix)
	}
	if props := vm.Properties; props != nil {
		state := deref(props.ProvisioningState)
		u.State = mapState(state)
		u.Meta["native_state"] = state
		if props.TimeCreated != nil {
			u.CreatedAt = props.TimeCreated.UTC()
		}
		if props.HardwareProfile != nil && props.HardwareProfile.VMSize != nil {
			u.Meta["vm_size"] = string(*props.HardwareProfile.VMSize)
		}
	}
	return u
}

func mapState(state string) model.UnitState {
	switch state {
	case "Creating", "Updating", "Migrating":
		return model.StatePending
	case "Succeeded":
		return model.StateRunning
	case "Failed", "Canceled":
		return model.StateFailed
	case "Deleting":
		return model.StateStopped
	default:
		return model.StateUnknown
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func isNotFound(err error) bool {
	var rerr *azcore.ResponseError
	return errors.As(err, &rerr) && rerr.StatusCode == http.StatusNotFound
}

func classify(op string, err error) error {
	var rerr *azcore.ResponseError
	if errors.As(err, &rerr) {
		switch rerr.StatusCode {
		case http.StatusNotFound:
			return fault.Wrap(fault.NotFound, op, err)
		case http.StatusBadRequest:
			return fault.Wrap(fault.Validation, op, err)
		}
	}
	return fault.Wrap(fault.Transport, op, err)
}
