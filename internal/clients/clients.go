// Package clients manages tunnel clients registered on this host.
package clients

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"wgfleet/internal/addrutil"
	"wgfleet/internal/fault"
	"wgfleet/internal/model"
	"wgfleet/internal/store"
	"wgfleet/internal/stunutil"
	"wgfleet/internal/wireguard"
)

// Tunnel is the subset of wireguard.Manager used by the service.
type Tunnel interface {
	PublicKey(ctx context.Context, iface string) (string, error)
	AddPeer(ctx context.Context, iface string, peer wireguard.Peer) error
	RemovePeer(ctx context.Context, iface string, publicKey string) error
	SaveConfig(ctx context.Context, iface string) error
}

// PeerSource returns the latest peer snapshot.
type PeerSource interface {
	Peers() ([]model.PeerRecord, time.Time)
}

// Discoverer finds this host's public address.
type Discoverer interface {
	Discover(ctx context.Context) (stunutil.Mapping, error)
}

type Options struct {
	RegistryPath  string
	ConfigDir     string
	DefaultTunnel string
	// ServerAddress is the tunnel interface address, e.g. 10.0.0.1/24.
	ServerAddress string
	ListenPort    int
	// Endpoint is the public host or host:port clients dial. When empty it
	// is discovered with STUN.
	Endpoint     string
	DNS          string
	KeepaliveSec int
	AllowedIPs   []string
	Discoverer   Discoverer
	Logger       *slog.Logger
}

// CreateRequest describes a new client. Tunnel and Address are optional.
type CreateRequest struct {
	Name    string `json:"name" validate:"required,max=63,hostname_rfc1123"`
	Tunnel  string `json:"tunnel,omitempty" validate:"omitempty,max=15"`
	Address string `json:"ip,omitempty" validate:"omitempty,ip|cidr"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

type Service struct {
	mu     sync.Mutex
	tunnel Tunnel
	peers  PeerSource
	opts   Options
	log    *slog.Logger
}

func New(tunnel Tunnel, peers PeerSource, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DefaultTunnel == "" {
		opts.DefaultTunnel = "wg0"
	}
	if len(opts.AllowedIPs) == 0 {
		opts.AllowedIPs = []string{"0.0.0.0/0"}
	}
	return &Service{tunnel: tunnel, peers: peers, opts: opts, log: logger.With("component", "clients")}
}

// Create registers a client: it allocates an address, generates keys, adds
// the peer to the live tunnel and writes the client's wg-quick file.
func (s *Service) Create(ctx context.Context, req CreateRequest) (model.Client, error) {
	const op = "client create"
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return model.Client{}, fault.New(fault.Validation, op, "invalid %s", verrs[0].Field())
		}
		return model.Client{}, fault.Wrap(fault.Validation, op, err)
	}
	if req.Tunnel == "" {
		req.Tunnel = s.opts.DefaultTunnel
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	reg, err := store.LoadRegistry(s.opts.RegistryPath)
	if err != nil {
		return model.Client{}, fmt.Errorf("load client registry: %w", err)
	}
	if _, ok := reg.Find(req.Name); ok {
		return model.Client{}, fault.New(fault.Validation, op, "client %q already exists", req.Name)
	}

	address, err := s.address(reg, req.Address)
	if err != nil {
		return model.Client{}, fault.Wrap(fault.Validation, op, err)
	}
	endpoint, err := s.endpoint(ctx)
	if err != nil {
		return model.Client{}, fault.Wrap(fault.Validation, op, err)
	}
	serverKey, err := s.tunnel.PublicKey(ctx, req.Tunnel)
	if err != nil {
		return model.Client{}, fault.Wrap(fault.Transport, op, fmt.Errorf("read %s public key: %w", req.Tunnel, err))
	}
	keys, err := wireguard.GenerateKeyPair()
	if err != nil {
		return model.Client{}, err
	}
	conf, err := wireguard.RenderClient(wireguard.ClientConfig{
		PrivateKey:      keys.PrivateKey,
		Address:         address,
		DNS:             s.opts.DNS,
		ServerPublicKey: serverKey,
		ServerEndpoint:  endpoint,
		AllowedIPs:      s.opts.AllowedIPs,
		KeepaliveSec:    s.opts.KeepaliveSec,
	})
	if err != nil {
		return model.Client{}, err
	}

	if err := s.tunnel.AddPeer(ctx, req.Tunnel, wireguard.Peer{
		PublicKey:  keys.PublicKey,
		AllowedIPs: []string{address},
	}); err != nil {
		return model.Client{}, fault.Wrap(fault.Transport, op, err)
	}
	if err := wireguard.WriteConfig(s.configPath(req.Name, req.Tunnel), conf); err != nil {
		_ = s.tunnel.RemovePeer(ctx, req.Tunnel, keys.PublicKey)
		return model.Client{}, fmt.Errorf("write client config: %w", err)
	}

	client := model.Client{
		Name:      req.Name,
		Tunnel:    req.Tunnel,
		PublicKey: keys.PublicKey,
		Address:   address,
		CreatedAt: time.Now().UTC(),
	}
	reg.Upsert(client)
	if err := store.SaveRegistry(s.opts.RegistryPath, reg); err != nil {
		_ = s.tunnel.RemovePeer(ctx, req.Tunnel, keys.PublicKey)
		_ = os.RemoveAll(filepath.Join(s.opts.ConfigDir, req.Name))
		return model.Client{}, fmt.Errorf("save client registry: %w", err)
	}
	s.persist(ctx, req.Tunnel)

	s.log.Info("client created", "name", client.Name, "tunnel", client.Tunnel, "address", client.Address)
	return client, nil
}

// Remove deletes the client's peer, registry entry and config files.
func (s *Service) Remove(ctx context.Context, name string) error {
	const op = "client remove"
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, err := store.LoadRegistry(s.opts.RegistryPath)
	if err != nil {
		return fmt.Errorf("load client registry: %w", err)
	}
	client, ok := reg.Find(name)
	if !ok {
		return fault.New(fault.NotFound, op, "client %q not found", name)
	}
	if err := s.tunnel.RemovePeer(ctx, client.Tunnel, client.PublicKey); err != nil {
		return fault.Wrap(fault.Transport, op, err)
	}
	reg.Remove(name)
	if err := store.SaveRegistry(s.opts.RegistryPath, reg); err != nil {
		return fmt.Errorf("save client registry: %w", err)
	}
	if err := os.RemoveAll(filepath.Join(s.opts.ConfigDir, name)); err != nil {
		s.log.Warn("remove client config failed", "name", name, "err", err)
	}
	s.persist(ctx, client.Tunnel)

	s.log.Info("client removed", "name", name, "tunnel", client.Tunnel)
	return nil
}

// List returns registered clients with their live endpoint and handshake.
func (s *Service) List(_ context.Context) ([]model.Client, error) {
	s.mu.Lock()
	reg, err := store.LoadRegistry(s.opts.RegistryPath)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("load client registry: %w", err)
	}

	live := map[string]model.PeerRecord{}
	if s.peers != nil {
		peers, _ := s.peers.Peers()
		for _, p := range peers {
			live[p.PublicKey] = p
		}
	}
	out := make([]model.Client, 0, len(reg.Clients))
	for _, c := range reg.Clients {
		if p, ok := live[c.PublicKey]; ok {
			c.Endpoint = p.Endpoint
			c.Handshake = p.LatestHandshake
		}
		out = append(out, c)
	}
	return out, nil
}

// Config returns the rendered wg-quick file of a client.
func (s *Service) Config(_ context.Context, name string) (string, error) {
	s.mu.Lock()
	reg, err := store.LoadRegistry(s.opts.RegistryPath)
	s.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("load client registry: %w", err)
	}
	client, ok := reg.Find(name)
	if !ok {
		return "", fault.New(fault.NotFound, "client config", "client %q not found", name)
	}
	data, err := os.ReadFile(s.configPath(client.Name, client.Tunnel))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fault.Wrap(fault.NotFound, "client config", err)
		}
		return "", err
	}
	return string(data), nil
}

func (s *Service) configPath(name, tunnel string) string {
	return filepath.Join(s.opts.ConfigDir, name, tunnel+".conf")
}

func (s *Service) address(reg *store.Registry, requested string) (string, error) {
	if requested == "" {
		return reg.AllocateAddress(s.opts.ServerAddress)
	}
	addr, err := netip.ParseAddr(requested)
	if err != nil {
		p, perr := netip.ParsePrefix(requested)
		if perr != nil {
			return "", fmt.Errorf("invalid ip %q", requested)
		}
		addr = p.Addr()
	}
	if network, err := netip.ParsePrefix(s.opts.ServerAddress); err == nil && !network.Masked().Contains(addr) {
		return "", fmt.Errorf("ip %s is outside tunnel network %s", addr, network.Masked())
	}
	if reg.AddressInUse(s.opts.ServerAddress, addr.String()) {
		return "", fmt.Errorf("ip %s is already in use", addr)
	}
	return netip.PrefixFrom(addr, addr.BitLen()).String(), nil
}

func (s *Service) endpoint(ctx context.Context) (string, error) {
	if s.opts.Endpoint != "" {
		if host := addrutil.Host(s.opts.Endpoint); host != s.opts.Endpoint {
			return s.opts.Endpoint, nil
		}
		if ep, ok := addrutil.Endpoint(s.opts.ListenPort, s.opts.Endpoint); ok {
			return ep, nil
		}
	}
	if s.opts.Discoverer == nil {
		return "", fmt.Errorf("server endpoint unknown: set tunnel.endpoint or tunnel.stun_servers")
	}
	m, err := s.opts.Discoverer.Discover(ctx)
	if err != nil {
		return "", fmt.Errorf("discover server endpoint: %w", err)
	}
	ep, ok := addrutil.Endpoint(s.opts.ListenPort, m.Addr)
	if !ok {
		return "", fmt.Errorf("discovered address %q is unusable", m.Addr)
	}
	return ep, nil
}

// persist saves the live tunnel config. Failure is logged only; the peer is
// already active.
func (s *Service) persist(ctx context.Context, tunnel string) {
	if err := s.tunnel.SaveConfig(ctx, tunnel); err != nil {
		s.log.Warn("save tunnel config failed", "tunnel", tunnel, "err", err)
	}
}
