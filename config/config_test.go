package config

import (
	"net"
	"os"
	"path/filepath"
	"testing"
)

func loadString(t *testing.T, s string) (*Server, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config")
	if err := os.WriteFile(path, []byte(s), 0600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return Load(path)
}

func TestDefaults(t *testing.T) {
	srv := Defaults()
	if srv.Hostname == "" {
		t.Error("expected a default hostname")
	}
	if srv.SID != "0AA" {
		t.Errorf("expected default SID %q, got %q", "0AA", srv.SID)
	}
}

func TestLoad(t *testing.T) {
	srv, err := loadString(t, `
hostname irc.chatik.example
sid 1CK
listen irc+insecure://:6667
listen services+insecure://127.0.0.1:6900
services-password linkpass
accept-proxy-ip localhost 10.0.0.0/8
`)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if srv.Hostname != "irc.chatik.example" {
		t.Errorf("unexpected hostname %q", srv.Hostname)
	}
	if srv.SID != "1CK" {
		t.Errorf("unexpected SID %q", srv.SID)
	}
	if len(srv.Listen) != 2 {
		t.Errorf("expected 2 listen URIs, got %v", srv.Listen)
	}
	if srv.ServicesPassword != "linkpass" {
		t.Errorf("unexpected services password %q", srv.ServicesPassword)
	}
	if !srv.AcceptProxyIPs.Contains(net.IPv4(127, 0, 0, 1)) {
		t.Error("expected the loopback to be an accepted proxy IP")
	}
	if !srv.AcceptProxyIPs.Contains(net.IPv4(10, 1, 2, 3)) {
		t.Error("expected 10.0.0.0/8 to be an accepted proxy IP")
	}
	if srv.AcceptProxyIPs.Contains(net.IPv4(192, 0, 2, 1)) {
		t.Error("unexpected proxy IP match")
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := loadString(t, "bogus-directive foo\n"); err == nil {
		t.Error("expected an error on an unknown directive")
	}
	if _, err := loadString(t, "sid TOOLONG\n"); err == nil {
		t.Error("expected an error on a malformed SID")
	}
	if _, err := loadString(t, "accept-proxy-ip not-a-cidr\n"); err == nil {
		t.Error("expected an error on a malformed CIDR")
	}
}
