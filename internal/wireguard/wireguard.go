package wireguard

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Peer is one [Peer] section.
type Peer struct {
	PublicKey    string
	AllowedIPs   []string
	Endpoint     string
	KeepaliveSec int
}

// KeyPair is a base64 encoded Curve25519 key pair.
type KeyPair struct {
	PrivateKey string
	PublicKey  string
}

// GenerateKeyPair creates a fresh key pair.
func GenerateKeyPair() (KeyPair, error) {
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate private key: %w", err)
	}
	return KeyPair{PrivateKey: priv.String(), PublicKey: priv.PublicKey().String()}, nil
}

// ValidateKey reports whether key is a well-formed base64 key.
func ValidateKey(key string) error {
	if _, err := wgtypes.ParseKey(key); err != nil {
		return fmt.Errorf("invalid key %q: %w", key, err)
	}
	return nil
}

// ClientConfig holds the settings rendered into a client's wg-quick file.
type ClientConfig struct {
	PrivateKey      string
	Address         string
	DNS             string
	MTU             int
	ServerPublicKey string
	ServerEndpoint  string
	AllowedIPs      []string
	KeepaliveSec    int
}

// RenderClient renders a wg-quick config for a client pointed at this host.
func RenderClient(cfg ClientConfig) (string, error) {
	if cfg.PrivateKey == "" {
		return "", fmt.Errorf("private key is required")
	}
	if cfg.Address == "" {
		return "", fmt.Errorf("address is required")
	}
	if cfg.ServerPublicKey == "" {
		return "", fmt.Errorf("server public key is required")
	}
	if cfg.ServerEndpoint == "" {
		return "", fmt.Errorf("server endpoint is required")
	}
	if len(cfg.AllowedIPs) == 0 {
		return "", fmt.Errorf("allowed ips are required")
	}

	var b strings.Builder
	b.WriteString("[Interface]\n")
	b.WriteString("PrivateKey = ")
	b.WriteString(cfg.PrivateKey)
	b.WriteString("\n")
	b.WriteString("Address = ")
	b.WriteString(cfg.Address)
	b.WriteString("\n")
	if cfg.DNS != "" {
		b.WriteString("DNS = ")
		b.WriteString(cfg.DNS)
		b.WriteString("\n")
	}
	if cfg.MTU > 0 {
		fmt.Fprintf(&b, "MTU = %d\n", cfg.MTU)
	}

	b.WriteString("\n[Peer]\n")
	b.WriteString("PublicKey = ")
	b.WriteString(cfg.ServerPublicKey)
	b.WriteString("\n")
	b.WriteString("Endpoint = ")
	b.WriteString(cfg.ServerEndpoint)
	b.WriteString("\n")
	b.WriteString("AllowedIPs = ")
	b.WriteString(strings.Join(cfg.AllowedIPs, ", "))
	b.WriteString("\n")
	if cfg.KeepaliveSec > 0 {
		fmt.Fprintf(&b, "PersistentKeepalive = %d\n", cfg.KeepaliveSec)
	}

	return b.String(), nil
}

// WriteConfig writes a config file with 0600 permissions.
func WriteConfig(path string, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return atomicWriteFile(path, []byte(content), 0o600)
}
