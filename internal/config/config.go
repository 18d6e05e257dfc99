package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"wgfleet/internal/poll"
)

const (
	DefaultListen        = ":5000"
	DefaultMetricsListen = ":9090"
	DefaultDataDir       = "/var/lib/wgfleet"
	DefaultLogLevel      = "info"
	DefaultIntervalSec   = 30
	DefaultInterface     = "wg0"
	DefaultAddress       = "10.0.0.1/24"
	DefaultListenPort    = 51820
	DefaultKeepaliveSec  = 25
	DefaultConfigDir     = "/etc/wireguard"
	DefaultNamespace     = "default"
)

// Environment variables that override file settings.
const (
	EnvAPIKey             = "WIREGUARD_API_KEY"
	EnvAWSRegion          = "AWS_REGION"
	EnvGCPProject         = "GCP_PROJECT_ID"
	EnvGCPZone            = "GCP_ZONE"
	EnvAzureSubscription  = "AZURE_SUBSCRIPTION_ID"
	EnvAzureResourceGroup = "AZURE_RESOURCE_GROUP"
	EnvKubeconfig         = "KUBECONFIG"
)

// Config holds every setting of the fleet service and its CLI.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Tunnel    TunnelConfig    `yaml:"tunnel"`
	Providers ProvidersConfig `yaml:"providers"`
	Readiness ReadinessConfig `yaml:"readiness"`
}

type ServerConfig struct {
	Listen        string `yaml:"listen" validate:"required"`
	APIKey        string `yaml:"api_key"`
	MetricsListen string `yaml:"metrics_listen"`
	DataDir       string `yaml:"data_dir" validate:"required"`
	LogDir        string `yaml:"log_dir"`
	LogLevel      string `yaml:"log_level" validate:"oneof=debug info warn error"`
}

type TelemetryConfig struct {
	IntervalSec int    `yaml:"interval_sec" validate:"min=1"`
	PeerLogPath string `yaml:"peer_log_path"`
}

// TunnelConfig describes the local tunnel interface clients attach to.
type TunnelConfig struct {
	Interface        string   `yaml:"interface" validate:"required,max=15"`
	Address          string   `yaml:"address" validate:"required"`
	ListenPort       int      `yaml:"listen_port" validate:"min=1,max=65535"`
	Endpoint         string   `yaml:"endpoint"`
	STUNServers      []string `yaml:"stun_servers"`
	DNS              string   `yaml:"dns"`
	KeepaliveSec     int      `yaml:"keepalive_sec" validate:"min=0"`
	ClientAllowedIPs []string `yaml:"client_allowed_ips" validate:"dive,cidr"`
	ConfigDir        string   `yaml:"config_dir"`
}

// ProvidersConfig enables a backend by the presence of its section.
type ProvidersConfig struct {
	AWS        *AWSConfig        `yaml:"aws,omitempty"`
	GCP        *GCPConfig        `yaml:"gcp,omitempty"`
	Azure      *AzureConfig      `yaml:"azure,omitempty"`
	Docker     *DockerConfig     `yaml:"docker,omitempty"`
	Kubernetes *KubernetesConfig `yaml:"kubernetes,omitempty"`
}

type AWSConfig struct {
	Region string `yaml:"region"`
}

type GCPConfig struct {
	ProjectID       string `yaml:"project_id" validate:"required"`
	Zone            string `yaml:"zone"`
	CredentialsFile string `yaml:"credentials_file"`
}

type AzureConfig struct {
	SubscriptionID string `yaml:"subscription_id" validate:"required"`
	ResourceGroup  string `yaml:"resource_group"`
	Location       string `yaml:"location"`
}

type DockerConfig struct {
	// Host overrides DOCKER_HOST when set.
	Host string `yaml:"host"`
}

type KubernetesConfig struct {
	Kubeconfig string `yaml:"kubeconfig"`
	Namespace  string `yaml:"namespace"`
}

type ReadinessConfig struct {
	Container  PolicyConfig `yaml:"container"`
	Deployment PolicyConfig `yaml:"deployment"`
}

type PolicyConfig struct {
	IntervalMs int `yaml:"interval_ms" validate:"min=1"`
	Attempts   int `yaml:"attempts" validate:"min=1"`
}

// Policy converts the settings into a poll policy.
func (p PolicyConfig) Policy() poll.Policy {
	return poll.Policy{Interval: time.Duration(p.IntervalMs) * time.Millisecond, MaxAttempts: p.Attempts}
}

// Load reads and parses a YAML config file. An empty path yields the
// defaults. Environment overrides are applied in both cases.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, err
		}
	}

	ApplyEnv(&cfg, os.Getenv)
	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and reports every violation.
func Validate(cfg Config) error {
	err := validate.Struct(cfg)
	var msgs []string
	var verrs validator.ValidationErrors
	if err != nil {
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	// The interface address keeps its host bits, so it is not a network CIDR.
	if p, perr := netip.ParsePrefix(cfg.Tunnel.Address); cfg.Tunnel.Address != "" && (perr != nil || !p.Addr().Is4()) {
		msgs = append(msgs, "Config.Tunnel.Address: must be an IPv4 address with prefix length")
	}
	if len(msgs) == 0 {
		return nil
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// ApplyEnv overrides settings from the environment. A provider credential
// variable enables its provider section.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv(EnvAPIKey); v != "" {
		cfg.Server.APIKey = v
	}
	if v := getenv(EnvAWSRegion); v != "" {
		if cfg.Providers.AWS == nil {
			cfg.Providers.AWS = &AWSConfig{}
		}
		cfg.Providers.AWS.Region = v
	}
	if v := getenv(EnvGCPProject); v != "" {
		if cfg.Providers.GCP == nil {
			cfg.Providers.GCP = &GCPConfig{}
		}
		cfg.Providers.GCP.ProjectID = v
	}
	if v := getenv(EnvGCPZone); v != "" && cfg.Providers.GCP != nil {
		cfg.Providers.GCP.Zone = v
	}
	if v := getenv(EnvAzureSubscription); v != "" {
		if cfg.Providers.Azure == nil {
			cfg.Providers.Azure = &AzureConfig{}
		}
		cfg.Providers.Azure.SubscriptionID = v
	}
	if v := getenv(EnvAzureResourceGroup); v != "" && cfg.Providers.Azure != nil {
		cfg.Providers.Azure.ResourceGroup = v
	}
	if v := getenv(EnvKubeconfig); v != "" {
		if cfg.Providers.Kubernetes == nil {
			cfg.Providers.Kubernetes = &KubernetesConfig{}
		}
		cfg.Providers.Kubernetes.Kubeconfig = v
	}
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = DefaultListen
	}
	if cfg.Server.MetricsListen == "" {
		cfg.Server.MetricsListen = DefaultMetricsListen
	}
	if cfg.Server.DataDir == "" {
		cfg.Server.DataDir = DefaultDataDir
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = DefaultLogLevel
	}
	if cfg.Telemetry.IntervalSec == 0 {
		cfg.Telemetry.IntervalSec = DefaultIntervalSec
	}
	if cfg.Tunnel.Interface == "" {
		cfg.Tunnel.Interface = DefaultInterface
	}
	if cfg.Tunnel.Address == "" {
		cfg.Tunnel.Address = DefaultAddress
	}
	if cfg.Tunnel.ListenPort == 0 {
		cfg.Tunnel.ListenPort = DefaultListenPort
	}
	if cfg.Tunnel.KeepaliveSec == 0 {
		cfg.Tunnel.KeepaliveSec = DefaultKeepaliveSec
	}
	if len(cfg.Tunnel.ClientAllowedIPs) == 0 {
		cfg.Tunnel.ClientAllowedIPs = []string{"0.0.0.0/0"}
	}
	if cfg.Tunnel.ConfigDir == "" {
		cfg.Tunnel.ConfigDir = DefaultConfigDir
	}
	if k := cfg.Providers.Kubernetes; k != nil && k.Namespace == "" {
		k.Namespace = DefaultNamespace
	}
	applyPolicyDefaults(&cfg.Readiness.Container, poll.ContainerRunning)
	applyPolicyDefaults(&cfg.Readiness.Deployment, poll.DeploymentReady)
}

func applyPolicyDefaults(p *PolicyConfig, def poll.Policy) {
	if p.IntervalMs == 0 {
		p.IntervalMs = int(def.Interval / time.Millisecond)
	}
	if p.Attempts == 0 {
		p.Attempts = def.MaxAttempts
	}
}

// RegistryPath is the client registry file.
func (c Config) RegistryPath() string {
	return filepath.Join(c.Server.DataDir, "clients.yaml")
}

// ClientsDir holds rendered client configs.
func (c Config) ClientsDir() string {
	return filepath.Join(c.Server.DataDir, "clients")
}

func (c Config) HistoryPath() string {
	return filepath.Join(c.Server.DataDir, "history.db")
}

// TelemetryInterval returns the telemetry sleep as a duration.
func (c Config) TelemetryInterval() time.Duration {
	return time.Duration(c.Telemetry.IntervalSec) * time.Second
}

// APIBaseURL returns the management API URL derived from server.listen.
func (c Config) APIBaseURL() string {
	addr := c.Server.Listen
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}
