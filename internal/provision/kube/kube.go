// Package kube runs tunnel endpoints as Kubernetes deployments.
package kube

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"wgfleet/internal/fault"
	"wgfleet/internal/model"
	"wgfleet/internal/poll"
	"wgfleet/internal/provision"
)

const (
	DefaultImage     = "linuxserver/wireguard:latest"
	DefaultNamespace = "default"

	labelApp       = "app"
	labelManagedBy = "app.kubernetes.io/managed-by"
	managedBy      = "wgfleet"

	configKey = "wg0.conf"
)

// Options configures the provisioner.
type Options struct {
	Namespace string
	Ready     poll.Policy
	Logger    *slog.Logger
}

// Provisioner implements provision.Provisioner on a Kubernetes cluster.
type Provisioner struct {
	cs   kubernetes.Interface
	opts Options
	log  *slog.Logger
}

var (
	_ provision.Provisioner      = (*Provisioner)(nil)
	_ provision.ReadinessChecker = (*Provisioner)(nil)
	_ provision.LogReader        = (*Provisioner)(nil)
)

// NewClientset builds a clientset from kubeconfig, or from the in-cluster
// service account when kubeconfig is empty and one is available.
func NewClientset(kubeconfig string) (kubernetes.Interface, error) {
	var (
		cfg *rest.Config
		err error
	)
	if kubeconfig == "" {
		cfg, err = rest.InClusterConfig()
		if err != nil {
			loading := clientcmd.NewDefaultClientConfigLoadingRules()
			cfg, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loading, nil).ClientConfig()
		}
	} else {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if err != nil {
		return nil, fmt.Errorf("load kubernetes config: %w", err)
	}
	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	return cs, nil
}

func New(cs kubernetes.Interface, opts Options) *Provisioner {
	if opts.Namespace == "" {
		opts.Namespace = DefaultNamespace
	}
	if opts.Ready.MaxAttempts == 0 {
		opts.Ready = poll.DeploymentReady
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Provisioner{cs: cs, opts: opts, log: log.With("backend", model.BackendKubernetes)}
}

func (p *Provisioner) Kind() model.BackendKind { return model.BackendKubernetes }

type createParams struct {
	ConfigPath string `param:"config_path" validate:"required"`
	Namespace  string `param:"namespace"`
	Image      string `param:"image" default:"linuxserver/wireguard:latest"`
	Replicas   int    `param:"replicas" default:"1" validate:"min=1"`
}

// Create stores the tunnel config in a ConfigMap and creates a deployment
// that mounts it. An existing deployment of the same name is rejected before
// anything is written. When the deployment cannot be created the ConfigMap is
// put back the way it was found.
func (p *Provisioner) Create(ctx context.Context, req model.DeploymentRequest) (model.ManagedUnit, error) {
	const op = "kubernetes create"
	var cp createParams
	if err := provision.Bind(op, req.Params, &cp); err != nil {
		return model.ManagedUnit{}, err
	}
	if req.Name == "" {
		return model.ManagedUnit{}, fault.New(fault.Validation, op, "name is required")
	}
	conf, err := os.ReadFile(cp.ConfigPath)
	if err != nil {
		return model.ManagedUnit{}, fault.New(fault.Validation, op, "read config_path: %v", err)
	}
	ns := cp.Namespace
	if ns == "" {
		ns = p.opts.Namespace
	}

	deployments := p.cs.AppsV1().Deployments(ns)
	_, err = deployments.Get(ctx, req.Name, metav1.GetOptions{})
	switch {
	case err == nil:
		return model.ManagedUnit{}, fault.New(fault.Validation, op, "deployment %s/%s already exists", ns, req.Name)
	case !apierrors.IsNotFound(err):
		return model.ManagedUnit{}, classify(op, fmt.Errorf("get deployment %s/%s: %w", ns, req.Name, err))
	}

	if err := p.ensureNamespace(ctx, ns); err != nil {
		return model.ManagedUnit{}, classify(op, err)
	}
	undo, err := p.applyConfigMap(ctx, ns, req.Name, string(conf))
	if err != nil {
		return model.ManagedUnit{}, classify(op, err)
	}

	dep := deployment(ns, req.Name, cp.Image, int32(cp.Replicas))
	created, err := deployments.Create(ctx, dep, metav1.CreateOptions{})
	if err != nil {
		err = classify(op, fmt.Errorf("create deployment %s/%s: %w", ns, req.Name, err))
		if uerr := undo(context.WithoutCancel(ctx)); uerr != nil {
			p.log.Warn("roll back configmap", "namespace", ns, "configmap", configMapName(req.Name), "err", uerr)
			err = provision.WithCleanupWarnings(err, uerr.Error())
		}
		return model.ManagedUnit{}, err
	}
	p.log.Info("deployment created", "unit", req.Name, "namespace", ns)

	u := deploymentUnit(created)
	u.State = model.StatePending
	return u, nil
}

// List returns managed deployments. A deployment's state is derived from its
// pods' phases; without pods it follows the replica counters.
func (p *Provisioner) List(ctx context.Context, filter provision.Filter) ([]model.ManagedUnit, error) {
	selector := labels.Set{labelManagedBy: managedBy}.String()
	deps, err := p.cs.AppsV1().Deployments(metav1.NamespaceAll).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, classify("kubernetes list", err)
	}
	pods, err := p.cs.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, classify("kubernetes list", err)
	}
	phases := map[string][]corev1.PodPhase{}
	for _, pod := range pods.Items {
		key := pod.Namespace + "/" + pod.Labels[labelApp]
		phases[key] = append(phases[key], pod.Status.Phase)
	}

	units := []model.ManagedUnit{}
	for i := range deps.Items {
		d := &deps.Items[i]
		u := deploymentUnit(d)
		u.State = deploymentState(d, phases[u.ID])
		if filter.Match(u) {
			units = append(units, u)
		}
	}
	return units, nil
}

// Terminate deletes the deployment and then its ConfigMap. A ConfigMap that
// cannot be deleted is reported as a warning.
func (p *Provisioner) Terminate(ctx context.Context, id string) (provision.TerminateResult, error) {
	const op = "kubernetes terminate"
	var res provision.TerminateResult
	ns, name := p.splitID(id)
	if name == "" {
		return res, fault.New(fault.Validation, op, "invalid unit id %q", id)
	}
	policy := metav1.DeletePropagationForeground
	err := p.cs.AppsV1().Deployments(ns).Delete(ctx, name, metav1.DeleteOptions{PropagationPolicy: &policy})
	if err != nil {
		return res, classify(op, fmt.Errorf("delete deployment %s/%s: %w", ns, name, err))
	}
	p.log.Info("deployment deleted", "namespace", ns, "name", name)

	cm := configMapName(name)
	if err := p.cs.CoreV1().ConfigMaps(ns).Delete(ctx, cm, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		res.Warnf("delete configmap %s/%s: %v", ns, cm, err)
	}
	return res, nil
}

// Ready reports whether every desired replica is ready.
func (p *Provisioner) Ready(ctx context.Context, unit model.ManagedUnit) poll.Outcome {
	ns, name := p.splitID(unit.ID)
	d, err := p.cs.AppsV1().Deployments(ns).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return poll.Failed("deployment disappeared")
		}
		return poll.Pending
	}
	for _, c := range d.Status.Conditions {
		if c.Type == appsv1.DeploymentProgressing && c.Status == corev1.ConditionFalse && c.Reason == "ProgressDeadlineExceeded" {
			return poll.Failed(c.Message)
		}
	}
	if d.Status.ReadyReplicas >= desired(d) {
		return poll.Ready
	}
	return poll.Pending
}

func (p *Provisioner) ReadyPolicy() poll.Policy { return p.opts.Ready }

// Logs returns the tail of the first pod of the unit.
func (p *Provisioner) Logs(ctx context.Context, id string, lines int) (string, error) {
	ns, name := p.splitID(id)
	pods, err := p.cs.CoreV1().Pods(ns).List(ctx, metav1.ListOptions{
		LabelSelector: labels.Set{labelApp: name, labelManagedBy: managedBy}.String(),
	})
	if err != nil {
		return "", classify("kubernetes logs", err)
	}
	if len(pods.Items) == 0 {
		return "", fault.New(fault.NotFound, "kubernetes logs", "no pods for %s/%s", ns, name)
	}
	tail := int64(lines)
	if tail <= 0 {
		tail = 100
	}
	stream, err := p.cs.CoreV1().Pods(ns).GetLogs(pods.Items[0].Name, &corev1.PodLogOptions{
		TailLines:  &tail,
		Timestamps: true,
	}).Stream(ctx)
	if err != nil {
		return "", classify("kubernetes logs", err)
	}
	defer stream.Close()
	data, err := io.ReadAll(stream)
	if err != nil {
		return "", fault.Wrap(fault.Transport, "kubernetes logs", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (p *Provisioner) ensureNamespace(ctx context.Context, ns string) error {
	_, err := p.cs.CoreV1().Namespaces().Create(ctx, &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{Name: ns},
	}, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("create namespace %s: %w", ns, err)
	}
	return nil
}

// applyConfigMap creates or replaces the unit's ConfigMap. The returned func
// deletes a ConfigMap this call created, or restores the data it replaced.
func (p *Provisioner) applyConfigMap(ctx context.Context, ns, name, conf string) (func(context.Context) error, error) {
	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      configMapName(name),
			Namespace: ns,
			Labels:    unitLabels(name),
		},
		Data: map[string]string{configKey: conf},
	}
	client := p.cs.CoreV1().ConfigMaps(ns)
	_, err := client.Create(ctx, cm, metav1.CreateOptions{})
	if err == nil {
		return func(ctx context.Context) error {
			if err := client.Delete(ctx, cm.Name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
				return fmt.Errorf("configmap %s/%s left behind: %w", ns, cm.Name, err)
			}
			return nil
		}, nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return nil, fmt.Errorf("create configmap %s/%s: %w", ns, cm.Name, err)
	}

	prev, err := client.Get(ctx, cm.Name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("get configmap %s/%s: %w", ns, cm.Name, err)
	}
	if _, err := client.Update(ctx, cm, metav1.UpdateOptions{}); err != nil {
		return nil, fmt.Errorf("update configmap %s/%s: %w", ns, cm.Name, err)
	}
	return func(ctx context.Context) error {
		prev.ResourceVersion = ""
		if _, err := client.Update(ctx, prev, metav1.UpdateOptions{}); err != nil {
			return fmt.Errorf("configmap %s/%s not restored: %w", ns, cm.Name, err)
		}
		return nil
	}, nil
}

func (p *Provisioner) splitID(id string) (string, string) {
	if ns, name, ok := strings.Cut(id, "/"); ok {
		return ns, name
	}
	return p.opts.Namespace, id
}

func deployment(ns, name, image string, replicas int32) *appsv1.Deployment {
	runAsUser := int64(1000)
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: ns,
			Labels:    unitLabels(name),
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{labelApp: name}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: unitLabels(name)},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:  "wireguard",
						Image: image,
						Ports: []corev1.ContainerPort{{
							Name:          "wireguard",
							ContainerPort: provision.DefaultListenPort,
							Protocol:      corev1.ProtocolUDP,
						}},
						SecurityContext: &corev1.SecurityContext{
							Capabilities: &corev1.Capabilities{
								Add: []corev1.Capability{"NET_ADMIN", "SYS_MODULE"},
							},
							RunAsUser: &runAsUser,
						},
						Resources: corev1.ResourceRequirements{
							Requests: corev1.ResourceList{
								corev1.ResourceMemory: resource.MustParse("128Mi"),
								corev1.ResourceCPU:    resource.MustParse("100m"),
							},
							Limits: corev1.ResourceList{
								corev1.ResourceMemory: resource.MustParse("256Mi"),
								corev1.ResourceCPU:    resource.MustParse("200m"),
							},
						},
						LivenessProbe: &corev1.Probe{
							ProbeHandler: corev1.ProbeHandler{
								Exec: &corev1.ExecAction{Command: []string{"wg", "show"}},
							},
							InitialDelaySeconds: 30,
							PeriodSeconds:       60,
						},
						VolumeMounts: []corev1.VolumeMount{{
							Name:      "config",
							MountPath: "/config/wg_confs",
						}},
					}},
					Volumes: []corev1.Volume{{
						Name: "config",
						VolumeSource: corev1.VolumeSource{
							ConfigMap: &corev1.ConfigMapVolumeSource{
								LocalObjectReference: corev1.LocalObjectReference{Name: configMapName(name)},
							},
						},
					}},
				},
			},
		},
	}
}

func deploymentUnit(d *appsv1.Deployment) model.ManagedUnit {
	return model.ManagedUnit{
		Backend:   model.BackendKubernetes,
		ID:        d.Namespace + "/" + d.Name,
		Name:      d.Name,
		CreatedAt: d.CreationTimestamp.UTC(),
		Meta: map[string]string{
			"namespace":      d.Namespace,
			"ready_replicas": fmt.Sprintf("%d/%d", d.Status.ReadyReplicas, desired(d)),
		},
	}
}

func deploymentState(d *appsv1.Deployment, phases []corev1.PodPhase) model.UnitState {
	if len(phases) == 0 {
		if desired(d) == 0 {
			return model.StateStopped
		}
		if d.Status.ReadyReplicas >= desired(d) {
			return model.StateRunning
		}
		return model.StatePending
	}
	counts := map[model.UnitState]int{}
	for _, ph := range phases {
		counts[mapPhase(ph)]++
	}
	switch {
	case counts[model.StateRunning] > 0:
		return model.StateRunning
	case counts[model.StatePending] > 0:
		return model.StatePending
	case counts[model.StateFailed] > 0:
		return model.StateFailed
	case counts[model.StateStopped] > 0:
		return model.StateStopped
	default:
		return model.StateUnknown
	}
}

func mapPhase(ph corev1.PodPhase) model.UnitState {
	switch ph {
	case corev1.PodPending:
		return model.StatePending
	case corev1.PodRunning:
		return model.StateRunning
	case corev1.PodSucceeded:
		return model.StateStopped
	case corev1.PodFailed:
		return model.StateFailed
	default:
		return model.StateUnknown
	}
}

func desired(d *appsv1.Deployment) int32 {
	if d.Spec.Replicas == nil {
		return 1
	}
	return *d.Spec.Replicas
}

func unitLabels(name string) map[string]string {
	return map[string]string{labelApp: name, labelManagedBy: managedBy}
}

func configMapName(name string) string {
	return name + "-config"
}

func classify(op string, err error) error {
	switch {
	case apierrors.IsNotFound(err):
		return fault.Wrap(fault.NotFound, op, err)
	case apierrors.IsInvalid(err), apierrors.IsBadRequest(err), apierrors.IsAlreadyExists(err):
		return fault.Wrap(fault.Validation, op, err)
	case apierrors.IsTimeout(err), apierrors.IsServerTimeout(err):
		return fault.Wrap(fault.Timeout, op, err)
	default:
		return fault.Wrap(fault.Transport, op, err)
	}
}
