package gcp

import (
	"context"
	"fmt"

	compute "google.golang.org/api/compute/v1"
	"google.golang.org/api/option"
)

// ComputeAPI is the subset of the Compute Engine API used by the provisioner.
type ComputeAPI interface {
	InsertInstance(ctx context.Context, project, zone string, inst *compute.Instance) error
	ListInstances(ctx context.Context, project, filter string) ([]*compute.Instance, error)
	DeleteInstance(ctx context.Context, project, zone, name string) error
	InsertFirewall(ctx context.Context, project string, fw *compute.Firewall) error
	DeleteFirewall(ctx context.Context, project, name string) error
}

type serviceClient struct {
	svc *compute.Service
}

// NewComputeClient creates a Compute Engine client. An empty credentialsFile
// uses application default credentials.
func NewComputeClient(ctx context.Context, credentialsFile string) (ComputeAPI, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	svc, err := compute.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create compute service: %w", err)
	}
	return &serviceClient{svc: svc}, nil
}

func (c *serviceClient) InsertInstance(ctx context.Context, project, zone string, inst *compute.Instance) error {
	_, err := c.svc.Instances.Insert(project, zone, inst).Context(ctx).Do()
	return err
}

func (c *serviceClient) ListInstances(ctx context.Context, project, filter string) ([]*compute.Instance, error) {
	var out []*compute.Instance
	call := c.svc.Instances.AggregatedList(project).Filter(filter)
	err := call.Pages(ctx, func(page *compute.InstanceAggregatedList) error {
		for _, scoped := range page.Items {
			out = append(out, scoped.Instances...)
		}
		return nil
	})
	return out, err
}

func (c *serviceClient) DeleteInstance(ctx context.Context, project, zone, name string) error {
	_, err := c.svc.Instances.Delete(project, zone, name).Context(ctx).Do()
	return err
}

func (c *serviceClient) InsertFirewall(ctx context.Context, project string, fw *compute.Firewall) error {
	_, err := c.svc.Firewalls.Insert(project, fw).Context(ctx).Do()
	return err
}

func (c *serviceClient) DeleteFirewall(ctx context.Context, project, name string) error {
	_, err := c.svc.Firewalls.Delete(project, name).Context(ctx).Do()
	return err
}
