package main

import (
	"context"
	"log/slog"

	"wgfleet/internal/config"
	"wgfleet/internal/provision"
	awsprov "wgfleet/internal/provision/aws"
	azureprov "wgfleet/internal/provision/azure"
	dockerprov "wgfleet/internal/provision/docker"
	gcpprov "wgfleet/internal/provision/gcp"
	kubeprov "wgfleet/internal/provision/kube"
)

// buildRegistry registers a provisioner for every configured provider
// section. A backend whose client cannot be built is left out and logged;
// requests for it then fail as unconfigured.
func buildRegistry(ctx context.Context, cfg config.Config, log *slog.Logger) *provision.Registry {
	reg := provision.NewRegistry()
	p := cfg.Providers

	if p.AWS != nil {
		prov, err := awsprov.New(ctx, awsprov.Options{Region: p.AWS.Region, Logger: log})
		if err != nil {
			log.Warn("aws backend disabled", "err", err)
		} else {
			reg.Register(prov)
		}
	}
	if p.GCP != nil {
		api, err := gcpprov.NewComputeClient(ctx, p.GCP.CredentialsFile)
		if err != nil {
			log.Warn("gcp backend disabled", "err", err)
		} else {
			reg.Register(gcpprov.New(api, gcpprov.Options{Project: p.GCP.ProjectID, Zone: p.GCP.Zone, Logger: log}))
		}
	}
	if p.Azure != nil {
		api, err := azureprov.NewARMClient(p.Azure.SubscriptionID)
		if err != nil {
			log.Warn("azure backend disabled", "err", err)
		} else {
			reg.Register(azureprov.New(api, azureprov.Options{
				ResourceGroup: p.Azure.ResourceGroup,
				Location:      p.Azure.Location,
				Logger:        log,
			}))
		}
	}
	if p.Docker != nil {
		cli, err := dockerprov.NewClient(p.Docker.Host)
		if err != nil {
			log.Warn("docker backend disabled", "err", err)
		} else {
			reg.Register(dockerprov.New(cli, dockerprov.Options{Ready: cfg.Readiness.Container.Policy(), Logger: log}))
		}
	}
	if p.Kubernetes != nil {
		cs, err := kubeprov.NewClientset(p.Kubernetes.Kubeconfig)
		if err != nil {
			log.Warn("kubernetes backend disabled", "err", err)
		} else {
			reg.Register(kubeprov.New(cs, kubeprov.Options{
				Namespace: p.Kubernetes.Namespace,
				Ready:     cfg.Readiness.Deployment.Policy(),
				Logger:    log,
			}))
		}
	}

	kinds := make([]string, 0, 5)
	for _, prov := range reg.All() {
		kinds = append(kinds, string(prov.Kind()))
	}
	log.Info("backends configured", "backends", kinds)
	return reg
}
