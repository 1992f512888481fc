package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	c, err := Load(New(""))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	d := Default()
	if c.DB != d.DB || c.Listen != d.Listen {
		t.Errorf("got db=%q listen=%q, want defaults", c.DB, c.Listen)
	}
	if c.Sync.AckTimeout != 30*time.Second {
		t.Errorf("Sync.AckTimeout = %s, want 30s", c.Sync.AckTimeout)
	}
	if got := c.MarkerPath(); got != ".primary" {
		t.Errorf("MarkerPath() = %q, want .primary", got)
	}
}

func TestWriteTOML_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "crsync.toml")

	c := Default()
	c.DB = filepath.Join(dir, "app.db")
	c.Peers = []string{"10.0.0.2:8686", "10.0.0.3:8686"}
	c.Sync.BatchSize = 42
	c.Sync.PingInterval = 3 * time.Second
	if err := c.WriteTOML(path, false); err != nil {
		t.Fatalf("WriteTOML() failed: %v", err)
	}

	if err := c.WriteTOML(path, false); err == nil {
		t.Error("WriteTOML() should refuse to overwrite without force")
	}
	if err := c.WriteTOML(path, true); err != nil {
		t.Errorf("WriteTOML(force) failed: %v", err)
	}

	got, err := Load(New(path))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if got.DB != c.DB {
		t.Errorf("DB = %q, want %q", got.DB, c.DB)
	}
	if len(got.Peers) != 2 || got.Peers[1] != "10.0.0.3:8686" {
		t.Errorf("Peers = %v", got.Peers)
	}
	if got.Sync.BatchSize != 42 || got.Sync.PingInterval != 3*time.Second {
		t.Errorf("Sync = %+v", got.Sync)
	}
	if got.MarkerPath() != filepath.Join(dir, ".primary") {
		t.Errorf("MarkerPath() = %q", got.MarkerPath())
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CRSYNC_LISTEN", "127.0.0.1:9999")
	t.Setenv("CRSYNC_SYNC_BATCH_SIZE", "7")
	t.Setenv("CRSYNC_SYNC_ACK_TIMEOUT", "2s")

	c, err := Load(New(""))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if c.Listen != "127.0.0.1:9999" {
		t.Errorf("Listen = %q", c.Listen)
	}
	if c.Sync.BatchSize != 7 {
		t.Errorf("Sync.BatchSize = %d, want 7", c.Sync.BatchSize)
	}
	if c.Sync.AckTimeout != 2*time.Second {
		t.Errorf("Sync.AckTimeout = %s, want 2s", c.Sync.AckTimeout)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unparseable", "db = \n"},
		{"zero batch", "[sync]\nbatch_size = 0\n"},
		{"inverted backoff", "[sync]\nbackoff_min = \"10s\"\nbackoff_max = \"1s\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "crsync.toml")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatalf("Failed to write config: %v", err)
			}
			if _, err := Load(New(path)); err == nil {
				t.Error("Load() should fail")
			}
		})
	}
}

func TestYAML(t *testing.T) {
	out, err := Default().YAML()
	if err != nil {
		t.Fatalf("YAML() failed: %v", err)
	}
	s := string(out)
	for _, want := range []string{"db: crsync.db", "batch_size: 500", "ack_timeout: 30s"} {
		if !strings.Contains(s, want) {
			t.Errorf("YAML() missing %q:\n%s", want, s)
		}
	}
}
