package model

import "time"

// BackendKind identifies a provisioning backend.
type BackendKind string

const (
	BackendAWS        BackendKind = "aws"
	BackendGCP        BackendKind = "gcp"
	BackendAzure      BackendKind = "azure"
	BackendDocker     BackendKind = "docker"
	BackendKubernetes BackendKind = "kubernetes"
)

// CloudBackends and ContainerBackends list the discriminators accepted in the
// cloud and containers sections of a deployment spec.
var (
	CloudBackends     = []BackendKind{BackendAWS, BackendGCP, BackendAzure}
	ContainerBackends = []BackendKind{BackendDocker, BackendKubernetes}
)

// UnitState is the normalized lifecycle state of a managed unit.
type UnitState string

const (
	StatePending UnitState = "pending"
	StateRunning UnitState = "running"
	StateStopped UnitState = "stopped"
	StateFailed  UnitState = "failed"
	StateUnknown UnitState = "unknown"
)

// ManagedUnit is one VM, container or deployment running a tunnel endpoint.
type ManagedUnit struct {
	Backend   BackendKind       `json:"backend" yaml:"backend"`
	ID        string            `json:"id" yaml:"id"`
	Name      string            `json:"name" yaml:"name"`
	State     UnitState         `json:"state" yaml:"state"`
	CreatedAt time.Time         `json:"created_at" yaml:"created_at"`
	Address   string            `json:"address,omitempty" yaml:"address,omitempty"`
	Meta      map[string]string `json:"meta,omitempty" yaml:"meta,omitempty"`
}

// PeerRecord is one peer line of the tunnel engine's status dump.
type PeerRecord struct {
	Interface       string `json:"interface"`
	PublicKey       string `json:"public_key"`
	Endpoint        string `json:"endpoint"`
	AllowedIPs      string `json:"allowed_ips"`
	LatestHandshake int64  `json:"latest_handshake"`
	RxBytes         uint64 `json:"rx_bytes"`
	TxBytes         uint64 `json:"tx_bytes"`
}

// DeploymentRequest asks one backend for one unit. Params carry the backend
// specific fields of the spec entry as strings.
type DeploymentRequest struct {
	Backend BackendKind       `json:"backend"`
	Name    string            `json:"name"`
	Params  map[string]string `json:"params,omitempty"`
}

// DeploymentSpec is the ordered set of requests submitted in one deploy call.
type DeploymentSpec struct {
	Cloud      []DeploymentRequest `json:"cloud"`
	Containers []DeploymentRequest `json:"containers"`
}

// Len returns the total number of requests.
func (s DeploymentSpec) Len() int {
	return len(s.Cloud) + len(s.Containers)
}

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Outcome is the per-request result of a deployment. It is a success when
// Error is empty.
type Outcome struct {
	Index     int          `json:"index"`
	Name      string       `json:"name"`
	Backend   BackendKind  `json:"backend"`
	Unit      *ManagedUnit `json:"unit,omitempty"`
	Error     string       `json:"error,omitempty"`
	ErrorKind string       `json:"error_kind,omitempty"`
	Warnings  []string     `json:"warnings,omitempty"`
}

func (o Outcome) Succeeded() bool {
	return o.Error == ""
}

// DeploymentResult is the envelope returned by a deploy call.
type DeploymentResult struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	Message    string    `json:"message,omitempty"`
	Cloud      []Outcome `json:"cloud"`
	Containers []Outcome `json:"container"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Failures counts failed outcomes across both sections.
func (r DeploymentResult) Failures() int {
	n := 0
	for _, o := range r.Cloud {
		if !o.Succeeded() {
			n++
		}
	}
	for _, o := range r.Containers {
		if !o.Succeeded() {
			n++
		}
	}
	return n
}

// MetricsValues is a by-value copy of the accumulated tunnel metrics.
type MetricsValues struct {
	ActiveConnections   int              `json:"active_connections"`
	RxBytesTotal        uint64           `json:"rx_bytes_total"`
	TxBytesTotal        uint64           `json:"tx_bytes_total"`
	LastHandshakeByPeer map[string]int64 `json:"last_handshake_by_peer"`
}

// SystemStatus is an aggregated, read-only snapshot of the fleet.
type SystemStatus struct {
	CollectedAt time.Time                     `json:"collected_at"`
	Units       map[BackendKind][]ManagedUnit `json:"units"`
	Diagnostics map[BackendKind]string        `json:"diagnostics,omitempty"`
	Peers       []PeerRecord                  `json:"peers"`
	PeersAt     time.Time                     `json:"peers_at"`
	Tunnels     []string                      `json:"tunnels"`
	Metrics     MetricsValues                 `json:"metrics"`
}

// Client is a tunnel client registered on this host.
type Client struct {
	Name      string    `json:"name" yaml:"name"`
	Tunnel    string    `json:"tunnel" yaml:"tunnel"`
	PublicKey string    `json:"public_key" yaml:"public_key"`
	Address   string    `json:"address" yaml:"address"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	Endpoint  string    `json:"endpoint,omitempty" yaml:"-"`
	Handshake int64     `json:"latest_handshake,omitempty" yaml:"-"`
}
