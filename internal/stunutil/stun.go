package stunutil

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pion/stun/v3"
)

const (
	NATTypeUnknown          = "unknown"
	NATTypeSymmetric        = "symmetric"
	NATTypeConeOrRestricted = "cone_or_restricted"
)

// Mapping is the public address observed by STUN servers.
type Mapping struct {
	Addr    string
	NATType string
}

// Probe queries STUN servers for a public mapped address.
// Note: The mapped address is for the STUN socket and may not match other sockets.
func Probe(ctx context.Context, servers []string, timeout time.Duration) (Mapping, error) {
	if len(servers) == 0 {
		return Mapping{NATType: NATTypeUnknown}, fmt.Errorf("no STUN servers provided")
	}

	results := make([]string, 0, len(servers))
	var lastErr error
	for _, server := range servers {
		addr, err := probeServer(ctx, server, timeout)
		if err != nil {
			lastErr = err
			continue
		}
		results = append(results, addr)
	}

	if len(results) == 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("STUN probe failed")
		}
		return Mapping{NATType: NATTypeUnknown}, lastErr
	}

	return Mapping{Addr: results[0], NATType: Classify(results)}, nil
}

// ProbeFunc matches Probe so callers can substitute it in tests.
type ProbeFunc func(ctx context.Context, servers []string, timeout time.Duration) (Mapping, error)

// Discoverer caches the first successful mapping. Failed probes are retried
// on the next call.
type Discoverer struct {
	Servers []string
	Timeout time.Duration
	Probe   ProbeFunc

	mu     sync.Mutex
	cached *Mapping
}

func (d *Discoverer) Discover(ctx context.Context) (Mapping, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cached != nil {
		return *d.cached, nil
	}
	probe := d.Probe
	if probe == nil {
		probe = Probe
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	m, err := probe(ctx, d.Servers, timeout)
	if err != nil {
		return m, err
	}
	d.cached = &m
	return m, nil
}

// Classify infers NAT type by comparing mapped addresses from multiple servers.
func Classify(addrs []string) string {
	if len(addrs) < 2 {
		return NATTypeUnknown
	}
	first := addrs[0]
	symmetric := false
	for _, addr := range addrs[1:] {
		if addr != first {
			symmetric = true
			break
		}
	}
	if symmetric {
		return NATTypeSymmetric
	}
	return NATTypeConeOrRestricted
}

func probeServer(ctx context.Context, server string, timeout time.Duration) (string, error) {
	uriStr := strings.TrimSpace(server)
	if uriStr == "" {
		return "", fmt.Errorf("empty STUN server")
	}
	if !strings.HasPrefix(uriStr, "stun:") {
		uriStr = "stun:" + uriStr
	}

	uri, err := stun.ParseURI(uriStr)
	if err != nil {
		return "", err
	}

	client, err := stun.DialURI(uri, &stun.DialConfig{})
	if err != nil {
		return "", err
	}
	defer client.Close()

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	result := make(chan stun.XORMappedAddress, 1)
	fail := make(chan error, 1)

	go func() {
		var addr stun.XORMappedAddress
		err := client.Do(msg, func(res stun.Event) {
			if res.Error != nil {
				fail <- res.Error
				return
			}
			if err := addr.GetFrom(res.Message); err != nil {
				fail <- err
				return
			}
			result <- addr
		})
		if err != nil {
			fail <- err
		}
	}()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case addr := <-result:
		return addr.String(), nil
	case err := <-fail:
		return "", err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
