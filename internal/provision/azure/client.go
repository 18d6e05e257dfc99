package azure

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v6"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork/v6"
)

// AzureAPI is the subset of the Azure resource manager used by the provisioner.
type AzureAPI interface {
	CreateSecurityGroup(ctx context.Context, resourceGroup, name string, nsg armnetwork.SecurityGroup) error
	DeleteSecurityGroup(ctx context.Context, resourceGroup, name string) error
	BeginCreateVM(ctx context.Context, resourceGroup, name string, vm armcompute.VirtualMachine) error
	ListVMs(ctx context.Context, resourceGroup string) ([]*armcompute.VirtualMachine, error)
	DeleteVM(ctx context.Context, resourceGroup, name string) error
}

type armClient struct {
	vms  *armcompute.VirtualMachinesClient
	nsgs *armnetwork.SecurityGroupsClient
}

// NewARMClient authenticates with the default credential chain
// (environment, workload identity, managed identity, Azure CLI).
func NewARMClient(subscriptionID string) (AzureAPI, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("azure credential: %w", err)
	}
	vms, err := armcompute.NewVirtualMachinesClient(subscriptionID, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("virtual machines client: %w", err)
	}
	nsgs, err := armnetwork.NewSecurityGroupsClient(subscriptionID, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("security groups client: %w", err)
	}
	return &armClient{vms: vms, nsgs: nsgs}, nil
}

func (c *armClient) CreateSecurityGroup(ctx context.Context, resourceGroup, name string, nsg armnetwork.SecurityGroup) error {
	poller, err := c.nsgs.BeginCreateOrUpdate(ctx, resourceGroup, name, nsg, nil)
	if err != nil {
		return err
	}
	_, err = poller.PollUntilDone(ctx, nil)
	return err
}

func (c *armClient) DeleteSecurityGroup(ctx context.Context, resourceGroup, name string) error {
	poller, err := c.nsgs.BeginDelete(ctx, resourceGroup, name, nil)
	if err != nil {
		return err
	}
	_, err = poller.PollUntilDone(ctx, nil)
	return err
}

// BeginCreateVM submits the VM and returns without waiting for provisioning.
func (c *armClient) BeginCreateVM(ctx context.Context, resourceGroup, name string, vm armcompute.VirtualMachine) error {
	_, err := c.vms.BeginCreateOrUpdate(ctx, resourceGroup, name, vm, nil)
	return err
}

func (c *armClient) ListVMs(ctx context.Context, resourceGroup string) ([]*armcompute.VirtualMachine, error) {
	var out []*armcompute.VirtualMachine
	pager := c.vms.NewListPager(resourceGroup, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Value...)
	}
	return out, nil
}

func (c *armClient) DeleteVM(ctx context.Context, resourceGroup, name string) error {
	poller, err := c.vms.BeginDelete(ctx, resourceGroup, name, nil)
	if err != nil {
		return err
	}
	_, err = poller.PollUntilDone(ctx, nil)
	return err
}
