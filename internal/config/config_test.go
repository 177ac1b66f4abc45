package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing key file", func(c *Config) { c.Identity.KeyFile = " " }},
		{"missing id file", func(c *Config) { c.Identity.IDFile = "" }},
		{"bad port", func(c *Config) { c.P2P.ListenPort = 70000 }},
		{"missing topic", func(c *Config) { c.Presence.Topic = "" }},
		{"zero ttl", func(c *Config) { c.Presence.TTLSec = 0 }},
		{"heartbeat not under ttl", func(c *Config) { c.Presence.HeartbeatSec = c.Presence.TTLSec }},
		{"zero max peers", func(c *Config) { c.Session.MaxPeers = 0 }},
		{"zero invite timeout", func(c *Config) { c.Session.InviteTimeoutSec = 0 }},
		{"blank display name", func(c *Config) { c.Profile.DisplayName = "   " }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestEnsure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nearby.json")

	cfg, createdNew, err := Ensure(path)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !createdNew {
		t.Fatal("first Ensure should create the file")
	}
	if cfg.Session.MaxPeers != Default().Session.MaxPeers {
		t.Fatalf("unexpected defaults: %+v", cfg.Session)
	}

	_, createdNew, err = Ensure(path)
	if err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	if createdNew {
		t.Fatal("second Ensure should load, not create")
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nearby.json")
	partial := `{"profile":{"display_name":"alice"}}`
	if err := os.WriteFile(path, []byte(partial), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Profile.DisplayName != "alice" {
		t.Fatalf("DisplayName = %q", cfg.Profile.DisplayName)
	}
	if cfg.Presence.TTLSec != Default().Presence.TTLSec {
		t.Fatal("missing fields should keep defaults")
	}
}

func TestLoadPartialSkipsValidation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nearby.json")
	body := `{"profile":{"display_name":"   "},"p2p":{"listen_port":4019}}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("Load should reject the blank display name")
	}
	cfg, err := LoadPartial(path)
	if err != nil {
		t.Fatalf("LoadPartial: %v", err)
	}
	if cfg.P2P.ListenPort != 4019 {
		t.Fatalf("ListenPort = %d, fields should survive a failed validation", cfg.P2P.ListenPort)
	}
}

func TestLoadStripsBOM(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nearby.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"profile":{"display_name":"alice"}}`)...)
	if err := os.WriteFile(path, body, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load with BOM: %v", err)
	}
	if cfg.Profile.DisplayName != "alice" {
		t.Fatalf("DisplayName = %q", cfg.Profile.DisplayName)
	}
}

func TestWatchReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nearby.json")
	if err := Save(path, Default()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan Config, 4)
	if err := Watch(ctx, path, func(cfg Config) { changes <- cfg }); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	cfg := Default()
	cfg.Profile.DisplayName = "renamed"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	select {
	case got := <-changes:
		if got.Profile.DisplayName != "renamed" {
			t.Fatalf("DisplayName = %q", got.Profile.DisplayName)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("change never observed")
	}

	t.Run("invalid edit skipped", func(t *testing.T) {
		if err := os.WriteFile(path, []byte("{broken"), 0644); err != nil {
			t.Fatalf("write: %v", err)
		}
		select {
		case got := <-changes:
			t.Fatalf("invalid config delivered: %+v", got)
		case <-time.After(600 * time.Millisecond):
		}
	})
}
