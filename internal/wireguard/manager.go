package wireguard

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"wgfleet/internal/execx"
)

// Manager executes wg commands. It is injectable for unit tests.
type Manager struct {
	r execx.Runner
}

func NewManager(r execx.Runner) *Manager {
	if r == nil {
		r = execx.NewOSRunner(os.Stdout, os.Stderr)
	}
	return &Manager{r: r}
}

// PublicKey returns the public key of a local interface.
func (m *Manager) PublicKey(ctx context.Context, iface string) (string, error) {
	if iface == "" {
		return "", fmt.Errorf("interface is required")
	}
	return m.output(ctx, "wg", "show", iface, "public-key")
}

// AddPeer adds or updates a peer on a live interface.
func (m *Manager) AddPeer(ctx context.Context, iface string, peer Peer) error {
	if iface == "" {
		return fmt.Errorf("interface is required")
	}
	if err := ValidateKey(peer.PublicKey); err != nil {
		return err
	}
	if len(peer.AllowedIPs) == 0 {
		return fmt.Errorf("allowed ips are required")
	}
	args := []string{"set", iface, "peer", peer.PublicKey, "allowed-ips", strings.Join(peer.AllowedIPs, ",")}
	if peer.KeepaliveSec > 0 {
		args = append(args, "persistent-keepalive", fmt.Sprintf("%d", peer.KeepaliveSec))
	}
	return m.run(ctx, "wg", args...)
}

// RemovePeer removes a peer from a live interface. Removing an unknown peer is
// not an error.
func (m *Manager) RemovePeer(ctx context.Context, iface string, publicKey string) error {
	if iface == "" {
		return fmt.Errorf("interface is required")
	}
	return m.run(ctx, "wg", "set", iface, "peer", publicKey, "remove")
}

// SaveConfig persists the live interface state with wg-quick.
func (m *Manager) SaveConfig(ctx context.Context, iface string) error {
	err := m.run(ctx, "wg-quick", "save", iface)
	if err == nil {
		return nil
	}
	// wg-quick refuses to save interfaces it did not bring up.
	if strings.Contains(err.Error(), "is not a WireGuard interface") || strings.Contains(err.Error(), "does not exist") {
		return nil
	}
	return err
}

func (m *Manager) run(ctx context.Context, name string, args ...string) error {
	if m == nil || m.r == nil {
		return fmt.Errorf("runner not initialized")
	}
	return m.r.Run(ctx, name, args...)
}

func (m *Manager) output(ctx context.Context, name string, args ...string) (string, error) {
	if m == nil || m.r == nil {
		return "", fmt.Errorf("runner not initialized")
	}
	return m.r.Output(ctx, name, args...)
}

// atomicWriteFile replaces path with data so readers never see a partial file.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	tmp, err := os.CreateTemp(dir, base+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}
