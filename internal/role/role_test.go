package role

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func quietConfig() *Config {
	return &Config{
		RecheckInterval: time.Hour,
		Logger:          log.New(io.Discard, "", 0),
	}
}

func TestRole_String(t *testing.T) {
	tests := []struct {
		role Role
		want string
	}{
		{Unknown, "unknown"},
		{Primary, "primary"},
		{Secondary, "secondary"},
		{Role(9), "role(9)"},
	}
	for _, tt := range tests {
		if got := tt.role.String(); got != tt.want {
			t.Errorf("Role(%d).String() = %q, want %q", int32(tt.role), got, tt.want)
		}
	}
}

func TestMarkerFile_Read(t *testing.T) {
	dir := t.TempDir()
	m := NewMarkerFile(filepath.Join(dir, "app.db"), "node-a")

	if m.Path != filepath.Join(dir, MarkerName) {
		t.Fatalf("Path = %s, want marker next to the database", m.Path)
	}

	obs, err := m.Read()
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if obs.Role != Primary || obs.Primary != "node-a" {
		t.Errorf("without marker: got %+v, want primary node-a", obs)
	}

	if err := os.WriteFile(m.Path, []byte("node-b:8686\n"), 0644); err != nil {
		t.Fatalf("Failed to write marker: %v", err)
	}
	obs, err = m.Read()
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if obs.Role != Secondary || obs.Primary != "node-b:8686" {
		t.Errorf("with marker: got %+v, want secondary of node-b:8686", obs)
	}
}

type stubSignal struct {
	mu  sync.Mutex
	obs Observation
	err error
}

func (s *stubSignal) Read() (Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.obs, s.err
}

func (s *stubSignal) set(obs Observation, err error) {
	s.mu.Lock()
	s.obs, s.err = obs, err
	s.mu.Unlock()
}

func TestCoordinator_Refresh(t *testing.T) {
	sig := &stubSignal{}
	var changes []Observation
	config := quietConfig()
	config.OnChange = func(o Observation) { changes = append(changes, o) }
	c := NewCoordinator(sig, config)

	if c.Role() != Unknown {
		t.Fatalf("initial role = %s, want unknown", c.Role())
	}

	ch := c.Changes()
	sig.set(Observation{Role: Secondary, Primary: "p1"}, nil)
	if err := c.Refresh(); err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}
	select {
	case <-ch:
	default:
		t.Error("Changes() not closed after a transition")
	}
	if c.Role() != Secondary || c.Primary() != "p1" {
		t.Errorf("got %+v, want secondary of p1", c.Observation())
	}

	// Same observation: no transition.
	if err := c.Refresh(); err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}
	if len(changes) != 1 {
		t.Errorf("OnChange called %d times, want 1", len(changes))
	}

	// A failed read keeps the last known role.
	sig.set(Observation{}, errors.New("unreadable"))
	if err := c.Refresh(); err == nil {
		t.Error("Refresh() should report the read error")
	}
	if c.Role() != Secondary {
		t.Errorf("role = %s after failed read, want secondary", c.Role())
	}
}

func TestCoordinator_WaitKnown(t *testing.T) {
	sig := &stubSignal{}
	c := NewCoordinator(sig, quietConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.WaitKnown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WaitKnown() on unknown role = %v, want deadline exceeded", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		sig.set(Observation{Role: Primary}, nil)
		_ = c.Refresh()
	}()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	r, err := c.WaitKnown(ctx2)
	if err != nil {
		t.Fatalf("WaitKnown() failed: %v", err)
	}
	if r != Primary {
		t.Errorf("WaitKnown() = %s, want primary", r)
	}
}

func waitRole(t *testing.T, c *Coordinator, want Role) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if c.Role() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("role = %s, want %s", c.Role(), want)
}

func TestCoordinator_RunFollowsMarker(t *testing.T) {
	dir := t.TempDir()
	m := NewMarkerFile(filepath.Join(dir, "app.db"), "self")
	c := NewCoordinator(m, quietConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	waitRole(t, c, Primary)

	if err := os.WriteFile(m.Path, []byte("other"), 0644); err != nil {
		t.Fatalf("Failed to write marker: %v", err)
	}
	waitRole(t, c, Secondary)
	if c.Primary() != "other" {
		t.Errorf("Primary() = %q, want other", c.Primary())
	}

	// Unrelated files in the directory do not matter.
	if err := os.WriteFile(filepath.Join(dir, "app.db-wal"), []byte("x"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	if err := os.Remove(m.Path); err != nil {
		t.Fatalf("Failed to remove marker: %v", err)
	}
	waitRole(t, c, Primary)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestCoordinator_RecheckWithoutEvents(t *testing.T) {
	sig := &stubSignal{obs: Observation{Role: Primary}}
	config := quietConfig()
	config.RecheckInterval = 10 * time.Millisecond
	c := NewCoordinator(sig, config)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitRole(t, c, Primary)
	sig.set(Observation{Role: Secondary, Primary: "p"}, nil)
	waitRole(t, c, Secondary)
}

func TestMarkerWatcher_StartStop(t *testing.T) {
	mw, err := NewMarkerWatcher()
	if err != nil {
		t.Fatalf("NewMarkerWatcher() failed: %v", err)
	}
	if mw.IsRunning() {
		t.Error("Newly created watcher should not be running")
	}

	if err := mw.Start(filepath.Join(t.TempDir(), MarkerName)); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if !mw.IsRunning() {
		t.Error("Watcher should be running after Start()")
	}
	if err := mw.Start(filepath.Join(t.TempDir(), MarkerName)); err == nil {
		t.Error("second Start() should fail")
	}

	if err := mw.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if _, ok := <-mw.Events(); ok {
		t.Error("Events() should be closed after Stop()")
	}
}

func TestMarkerWatcher_MissingDirectory(t *testing.T) {
	mw, err := NewMarkerWatcher()
	if err != nil {
		t.Fatalf("NewMarkerWatcher() failed: %v", err)
	}
	defer mw.Stop()

	if err := mw.Start(filepath.Join(t.TempDir(), "nope", MarkerName)); err == nil {
		t.Error("Start() on a missing directory should fail")
	}
}
