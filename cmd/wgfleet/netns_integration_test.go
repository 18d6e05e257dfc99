//go:build integration

package main

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// This test requires:
// - Linux
// - root (netns + link creation)
// - iproute2 (`ip`)
// - WireGuard tools (`wg`)
//
// It is gated behind -tags=integration and WGFLEET_INTEGRATION=1 to avoid
// accidental local network disruption.
func TestNetns_ServeAndAddClient(t *testing.T) {
	if os.Getenv("WGFLEET_INTEGRATION") != "1" {
		t.Skip("set WGFLEET_INTEGRATION=1 to run")
	}
	if os.Geteuid() != 0 {
		t.Skip("requires root")
	}
	if _, err := exec.LookPath("ip"); err != nil {
		t.Skip("missing ip")
	}
	if _, err := exec.LookPath("wg"); err != nil {
		t.Skip("missing wg")
	}

	tmp := t.TempDir()
	bin := filepath.Join(tmp, "wgfleet")
	run(t, ".", "go", "build", "-o", bin, ".")

	ns := fmt.Sprintf("wgfleet-%d", os.Getpid())
	t.Cleanup(func() { _ = exec.Command("ip", "netns", "del", ns).Run() })
	run(t, ".", "ip", "netns", "add", ns)
	inNS := func(args ...string) []string { return append([]string{"netns", "exec", ns}, args...) }
	run(t, ".", "ip", inNS("ip", "link", "set", "lo", "up")...)

	priv, _ := wgKeyPair(t)
	keyPath := filepath.Join(tmp, "server.key")
	mustWrite(t, keyPath, priv+"\n")
	run(t, ".", "ip", inNS("ip", "link", "add", "wg0", "type", "wireguard")...)
	run(t, ".", "ip", inNS("wg", "set", "wg0", "private-key", keyPath, "listen-port", "51820")...)
	run(t, ".", "ip", inNS("ip", "addr", "add", "10.7.0.1/24", "dev", "wg0")...)
	run(t, ".", "ip", inNS("ip", "link", "set", "wg0", "up")...)

	cfgPath := filepath.Join(tmp, "wgfleet.yaml")
	mustWrite(t, cfgPath, fmt.Sprintf(`server:
  listen: "127.0.0.1:5055"
  metrics_listen: "127.0.0.1:9155"
  api_key: "itest"
  data_dir: %q
  log_level: debug
telemetry:
  interval_sec: 1
tunnel:
  interface: wg0
  address: 10.7.0.1/24
  listen_port: 51820
  endpoint: 192.0.2.10
  config_dir: %q
`, filepath.Join(tmp, "data"), filepath.Join(tmp, "etc")))

	srv := exec.Command("ip", inNS(bin, "--config", cfgPath, "serve")...)
	srv.Stdout = os.Stdout
	srv.Stderr = os.Stderr
	if err := srv.Start(); err != nil {
		t.Fatalf("start serve: %v", err)
	}
	t.Cleanup(func() { _ = srv.Process.Kill() })

	// Wait for the API and the first telemetry cycle.
	deadline := time.Now().Add(10 * time.Second)
	for {
		out, err := exec.Command("ip", inNS(bin, "--config", cfgPath, "status", "--json")...).CombinedOutput()
		if err == nil && bytes.Contains(out, []byte(`"wg0"`)) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("api never reported wg0\n%s", string(out))
		}
		time.Sleep(200 * time.Millisecond)
	}

	run(t, ".", "ip", inNS(bin, "--config", cfgPath, "client", "add", "laptop")...)

	out := runOut(t, ".", "ip", inNS("wg", "show", "wg0", "allowed-ips")...)
	if !bytes.Contains(out, []byte("10.7.0.2/32")) {
		t.Fatalf("client peer not installed on wg0\n%s", string(out))
	}
	conf := runOut(t, ".", "ip", inNS(bin, "--config", cfgPath, "client", "config", "laptop")...)
	for _, want := range []string{"[Interface]", "Address = 10.7.0.2/32", "Endpoint = 192.0.2.10:51820"} {
		if !bytes.Contains(conf, []byte(want)) {
			t.Fatalf("client config missing %q\n%s", want, string(conf))
		}
	}

	run(t, ".", "ip", inNS(bin, "--config", cfgPath, "client", "remove", "laptop")...)
	out = runOut(t, ".", "ip", inNS("wg", "show", "wg0", "allowed-ips")...)
	if bytes.Contains(out, []byte("10.7.0.2/32")) {
		t.Fatalf("client peer still installed after remove\n%s", string(out))
	}
}

func wgKeyPair(t *testing.T) (priv, pub string) {
	t.Helper()
	priv = strings.TrimSpace(string(runOut(t, ".", "wg", "genkey")))
	cmd := exec.Command("wg", "pubkey")
	cmd.Stdin = strings.NewReader(priv)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("wg pubkey: %v: %s", err, string(out))
	}
	pub = strings.TrimSpace(string(out))
	return priv, pub
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func run(t *testing.T, dir, name string, args ...string) {
	t.Helper()
	runOut(t, dir, name, args...)
}

func runOut(t *testing.T, dir, name string, args ...string) []byte {
	t.Helper()
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("%s %v: %v\n%s", name, args, err, string(out))
	}
	return out
}
