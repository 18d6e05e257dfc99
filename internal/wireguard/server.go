package wireguard

import (
	"fmt"
	"strings"
)

const DefaultServerAddress = "10.0.0.1/24"

// ServerConfig holds the settings of a tunnel endpoint's own interface.
type ServerConfig struct {
	PrivateKey string
	Address    string
	ListenPort int
	MTU        int
}

// RenderServer renders a wg-quick config for a tunnel endpoint.
func RenderServer(cfg ServerConfig, peers []Peer) (string, error) {
	if cfg.PrivateKey == "" {
		return "", fmt.Errorf("private key is required")
	}
	if cfg.Address == "" {
		return "", fmt.Errorf("address is required")
	}

	var b strings.Builder
	b.WriteString("[Interface]\n")
	b.WriteString("PrivateKey = ")
	b.WriteString(cfg.PrivateKey)
	b.WriteString("\n")
	b.WriteString("Address = ")
	b.WriteString(cfg.Address)
	b.WriteString("\n")
	if cfg.ListenPort > 0 {
		fmt.Fprintf(&b, "ListenPort = %d\n", cfg.ListenPort)
	}
	if cfg.MTU > 0 {
		fmt.Fprintf(&b, "MTU = %d\n", cfg.MTU)
	}

	for _, peer := range peers {
		if peer.PublicKey == "" || len(peer.AllowedIPs) == 0 {
			continue
		}
		b.WriteString("\n[Peer]\n")
		b.WriteString("PublicKey = ")
		b.WriteString(peer.PublicKey)
		b.WriteString("\n")
		b.WriteString("AllowedIPs = ")
		b.WriteString(strings.Join(peer.AllowedIPs, ", "))
		b.WriteString("\n")
		if peer.Endpoint != "" {
			b.WriteString("Endpoint = ")
			b.WriteString(peer.Endpoint)
			b.WriteString("\n")
		}
		if peer.KeepaliveSec > 0 {
			fmt.Fprintf(&b, "PersistentKeepalive = %d\n", peer.KeepaliveSec)
		}
	}

	return b.String(), nil
}

// BootstrapScript returns a first-boot shell script that installs the tunnel
// tools, writes conf as wg0.conf and enables the interface.
func BootstrapScript(conf string) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	b.WriteString("set -euo pipefail\n")
	b.WriteString("export DEBIAN_FRONTEND=noninteractive\n")
	b.WriteString("apt-get update -y\n")
	b.WriteString("apt-get install -y wireguard wireguard-tools\n")
	b.WriteString("sysctl -w net.ipv4.ip_forward=1\n")
	b.WriteString("echo 'net.ipv4.ip_forward=1' > /etc/sysctl.d/99-wireguard.conf\n")
	b.WriteString("install -d -m 0700 /etc/wireguard\n")
	b.WriteString("cat > /etc/wireguard/wg0.conf <<'WGCONF'\n")
	b.WriteString(strings.TrimRight(conf, "\n"))
	b.WriteString("\nWGCONF\n")
	b.WriteString("chmod 0600 /etc/wireguard/wg0.conf\n")
	b.WriteString("systemctl enable --now wg-quick@wg0\n")
	return b.String()
}
