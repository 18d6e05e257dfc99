package wireguard

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRenderClient_IncludesDNSAndKeepalive(t *testing.T) {
	t.Parallel()

	out, err := RenderClient(ClientConfig{
		PrivateKey:      "priv",
		Address:         "10.0.0.2/32",
		DNS:             "1.1.1.1",
		ServerPublicKey: "serverpub",
		ServerEndpoint:  "1.2.3.4:51820",
		AllowedIPs:      []string{"0.0.0.0/0"},
		KeepaliveSec:    25,
	})
	if err != nil {
		t.Fatalf("RenderClient: %v", err)
	}
	for _, want := range []string{"DNS = 1.1.1.1", "Endpoint = 1.2.3.4:51820", "AllowedIPs = 0.0.0.0/0", "PersistentKeepalive = 25"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q: %s", want, out)
		}
	}
}

func TestRenderClient_RequiresEndpoint(t *testing.T) {
	t.Parallel()

	_, err := RenderClient(ClientConfig{PrivateKey: "p", Address: "10.0.0.2/32", ServerPublicKey: "s", AllowedIPs: []string{"0.0.0.0/0"}})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestRenderServer_RendersPeers(t *testing.T) {
	t.Parallel()

	out, err := RenderServer(ServerConfig{PrivateKey: "priv", Address: DefaultServerAddress, ListenPort: 51820}, []Peer{
		{PublicKey: "p1", AllowedIPs: []string{"10.0.0.12/32"}, KeepaliveSec: 15},
		{PublicKey: "", AllowedIPs: []string{"10.0.0.13/32"}},
	})
	if err != nil {
		t.Fatalf("RenderServer: %v", err)
	}
	if !strings.Contains(out, "ListenPort = 51820") || !strings.Contains(out, "PublicKey = p1") {
		t.Fatalf("missing fields: %s", out)
	}
	if strings.Count(out, "[Peer]") != 1 {
		t.Fatalf("peer count: %s", out)
	}
}

func TestBootstrapScript_EmbedsConfig(t *testing.T) {
	t.Parallel()

	script := BootstrapScript("[Interface]\nPrivateKey = x\n")
	if !strings.HasPrefix(script, "#!/bin/bash\n") {
		t.Fatalf("script=%s", script)
	}
	if !strings.Contains(script, "[Interface]\nPrivateKey = x\nWGCONF\n") {
		t.Fatalf("config not embedded: %s", script)
	}
}

func TestGenerateKeyPair_Validates(t *testing.T) {
	t.Parallel()

	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	if err := ValidateKey(kp.PublicKey); err != nil {
		t.Fatalf("ValidateKey: %v", err)
	}
	if kp.PublicKey == kp.PrivateKey {
		t.Fatalf("keys must differ")
	}
}

func TestWriteConfig_Permissions(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "clients", "alice", "wg0.conf")
	if err := WriteConfig(path, "[Interface]\n"); err != nil {
		t.Fatalf("WriteConfig: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("perm=%v", info.Mode().Perm())
	}
}
