package store

import (
	"os"
	"path/filepath"
	"testing"

	"wgfleet/internal/model"
)

func TestLoadRegistry_MissingFile_ReturnsEmpty(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	path := filepath.Join(tmp, "clients.yaml")
	reg, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}
	if reg == nil {
		t.Fatalf("registry is nil")
	}
	if len(reg.Clients) != 0 {
		t.Fatalf("clients=%d", len(reg.Clients))
	}
}

func TestSaveRegistry_RoundTrip(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	path := filepath.Join(tmp, "clients.yaml")

	in := &Registry{Clients: []model.Client{{Name: "laptop", Tunnel: "wg0", Address: "10.0.0.2/32", Endpoint: "ignored"}}}
	if err := SaveRegistry(path, in); err != nil {
		t.Fatalf("SaveRegistry: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode=%o", info.Mode().Perm())
	}

	out, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}
	if len(out.Clients) != 1 {
		t.Fatalf("clients=%d", len(out.Clients))
	}
	if out.Clients[0].Name != "laptop" || out.Clients[0].Address != "10.0.0.2/32" {
		t.Fatalf("client=%+v", out.Clients[0])
	}
	if out.Clients[0].Endpoint != "" {
		t.Fatalf("live endpoint persisted: %q", out.Clients[0].Endpoint)
	}
	if out.UpdatedAt.IsZero() {
		t.Fatalf("updated_at not set")
	}
}

func TestRegistry_UpsertFindRemove(t *testing.T) {
	t.Parallel()

	reg := &Registry{}
	reg.Upsert(model.Client{Name: "a", Address: "10.0.0.2/32"})
	reg.Upsert(model.Client{Name: "a", Address: "10.0.0.3/32"})
	if len(reg.Clients) != 1 {
		t.Fatalf("clients=%d", len(reg.Clients))
	}
	c, ok := reg.Find("a")
	if !ok || c.Address != "10.0.0.3/32" {
		t.Fatalf("find=%+v ok=%v", c, ok)
	}
	if !reg.Remove("a") || reg.Remove("a") {
		t.Fatalf("remove semantics")
	}
}

func TestAllocateAddress_SkipsServerAndClients(t *testing.T) {
	t.Parallel()

	reg := &Registry{Clients: []model.Client{{Name: "a", Address: "10.0.0.2/32"}, {Name: "b", Address: "10.0.0.3"}}}
	got, err := reg.AllocateAddress("10.0.0.1/24")
	if err != nil {
		t.Fatalf("AllocateAddress: %v", err)
	}
	if got != "10.0.0.4/32" {
		t.Fatalf("got=%s", got)
	}
}

func TestAllocateAddress_Exhausted(t *testing.T) {
	t.Parallel()

	reg := &Registry{Clients: []model.Client{{Name: "a", Address: "10.0.0.2/32"}}}
	if _, err := reg.AllocateAddress("10.0.0.1/30"); err == nil {
		t.Fatalf("expected exhaustion error")
	}
	if _, err := reg.AllocateAddress("fd00::1/64"); err == nil {
		t.Fatalf("expected ipv6 rejection")
	}
}

func TestAddressInUse(t *testing.T) {
	t.Parallel()

	reg := &Registry{Clients: []model.Client{{Name: "a", Address: "10.0.0.2/32"}}}
	if !reg.AddressInUse("10.0.0.1/24", "10.0.0.2") {
		t.Fatalf("client address not detected")
	}
	if !reg.AddressInUse("10.0.0.1/24", "10.0.0.1/32") {
		t.Fatalf("server address not detected")
	}
	if reg.AddressInUse("10.0.0.1/24", "10.0.0.9/32") {
		t.Fatalf("free address reported in use")
	}
}
