package provision

import (
	"encoding/base64"
	"fmt"
	"os"

	"wgfleet/internal/fault"
	"wgfleet/internal/wireguard"
)

const (
	// NamePrefix is prepended to every cloud resource created for a unit.
	NamePrefix = "wireguard-"
	// ManagedTag marks resources owned by wgfleet.
	ManagedTag = "wgfleet-managed"
	// DefaultListenPort is the UDP port tunnel endpoints listen on.
	DefaultListenPort = 51820
)

// ResourceName returns the cloud resource name for a unit name.
func ResourceName(name string) string {
	return NamePrefix + name
}

// Bootstrap is the first-boot payload of a cloud VM.
type Bootstrap struct {
	Script    string
	PublicKey string
}

// Base64 returns the script encoded for user-data fields that require it.
func (b Bootstrap) Base64() string {
	return base64.StdEncoding.EncodeToString([]byte(b.Script))
}

// ServerBootstrap builds the first-boot script of a cloud tunnel endpoint.
// When configPath is set the file is embedded as is; otherwise a fresh key
// pair is generated and a server config is rendered for address and port.
func ServerBootstrap(op, configPath, address string, port int) (Bootstrap, error) {
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return Bootstrap{}, fault.Wrap(fault.Validation, op, fmt.Errorf("read wireguard_config: %w", err))
		}
		return Bootstrap{Script: wireguard.BootstrapScript(string(data))}, nil
	}

	kp, err := wireguard.GenerateKeyPair()
	if err != nil {
		return Bootstrap{}, err
	}
	if address == "" {
		address = wireguard.DefaultServerAddress
	}
	conf, err := wireguard.RenderServer(wireguard.ServerConfig{
		PrivateKey: kp.PrivateKey,
		Address:    address,
		ListenPort: port,
	}, nil)
	if err != nil {
		return Bootstrap{}, fault.Wrap(fault.Validation, op, err)
	}
	return Bootstrap{Script: wireguard.BootstrapScript(conf), PublicKey: kp.PublicKey}, nil
}
