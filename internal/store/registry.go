package store

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"wgfleet/internal/model"
)

// Registry persists tunnel clients registered on this host.
type Registry struct {
	UpdatedAt time.Time      `yaml:"updated_at"`
	Clients   []model.Client `yaml:"clients"`
}

// LoadRegistry loads the registry from disk. If the file is missing, returns an empty registry.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Registry{}, nil
		}
		return nil, err
	}

	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, err
	}

	return &reg, nil
}

// SaveRegistry writes the registry to disk.
func SaveRegistry(path string, reg *Registry) error {
	if reg == nil {
		return nil
	}
	reg.UpdatedAt = time.Now().UTC()
	sort.Slice(reg.Clients, func(i, j int) bool { return reg.Clients[i].Name < reg.Clients[j].Name })
	data, err := yaml.Marshal(reg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Find returns the client with the given name.
func (r *Registry) Find(name string) (model.Client, bool) {
	for _, c := range r.Clients {
		if c.Name == name {
			return c, true
		}
	}
	return model.Client{}, false
}

// Upsert adds c or replaces the client with the same name.
func (r *Registry) Upsert(c model.Client) {
	for i := range r.Clients {
		if r.Clients[i].Name == c.Name {
			r.Clients[i] = c
			return
		}
	}
	r.Clients = append(r.Clients, c)
}

// Remove deletes the named client and reports whether it existed.
func (r *Registry) Remove(name string) bool {
	for i := range r.Clients {
		if r.Clients[i].Name == name {
			r.Clients = append(r.Clients[:i], r.Clients[i+1:]...)
			return true
		}
	}
	return false
}

// AllocateAddress returns the first free host address in the network of
// serverAddress (for example 10.0.0.1/24), skipping the server's own
// address and every address already held by a client.
func (r *Registry) AllocateAddress(serverAddress string) (string, error) {
	if serverAddress == "" {
		return "", fmt.Errorf("tunnel address is required for allocation")
	}
	prefix, err := netip.ParsePrefix(serverAddress)
	if err != nil {
		return "", err
	}
	if !prefix.Addr().Is4() {
		return "", fmt.Errorf("tunnel address must be IPv4")
	}

	used := map[netip.Addr]bool{prefix.Addr(): true}
	for _, c := range r.Clients {
		if addr, ok := parseHost(c.Address); ok {
			used[addr] = true
		}
	}

	base := prefix.Masked().Addr()
	size := 1 << uint(32-prefix.Bits())
	if size > 1_048_576 {
		return "", fmt.Errorf("tunnel network %s is too large (size=%d)", prefix.Masked(), size)
	}
	for i := 1; i < size-1; i++ { // skip network/broadcast
		addr := addIPv4(base, uint32(i))
		if !used[addr] {
			return addr.String() + "/32", nil
		}
	}
	return "", fmt.Errorf("no available address in %s", prefix.Masked())
}

// AddressInUse reports whether address is held by the server or a client.
func (r *Registry) AddressInUse(serverAddress, address string) bool {
	want, ok := parseHost(address)
	if !ok {
		return false
	}
	if server, ok := parseHost(serverAddress); ok && server == want {
		return true
	}
	for _, c := range r.Clients {
		if addr, ok := parseHost(c.Address); ok && addr == want {
			return true
		}
	}
	return false
}

func parseHost(value string) (netip.Addr, bool) {
	if value == "" {
		return netip.Addr{}, false
	}
	if p, err := netip.ParsePrefix(value); err == nil {
		return p.Addr(), true
	}
	if addr, err := netip.ParseAddr(value); err == nil {
		return addr, true
	}
	return netip.Addr{}, false
}

func addIPv4(base netip.Addr, offset uint32) netip.Addr {
	v := base.As4()
	val := uint32(v[0])<<24 | uint32(v[1])<<16 | uint32(v[2])<<8 | uint32(v[3])
	val += offset
	return netip.AddrFrom4([4]byte{byte(val >> 24), byte(val >> 16), byte(val >> 8), byte(val)})
}
