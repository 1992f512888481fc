package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSink_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crsync.log")
	s := NewSink(FileConfig{Path: path, MaxSizeMB: 1})

	s.Logger("merge").Println("applied 3 records")
	if err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log: %v", err)
	}
	if !strings.Contains(string(data), "[merge] ") || !strings.Contains(string(data), "applied 3 records") {
		t.Errorf("log file = %q", data)
	}
}

func TestSink_Rotate(t *testing.T) {
	dir := t.TempDir()
	s := NewSink(FileConfig{Path: filepath.Join(dir, "crsync.log"), MaxSizeMB: 1, MaxBackups: 2})
	defer s.Close()

	s.Logger("daemon").Println("before")
	if err := s.Rotate(); err != nil {
		t.Fatalf("Rotate() failed: %v", err)
	}
	s.Logger("daemon").Println("after")

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() failed: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("got %d files after rotation, want 2", len(entries))
	}
}

func TestSink_WithoutFile(t *testing.T) {
	s := NewSink(FileConfig{})
	if err := s.Rotate(); err != nil {
		t.Errorf("Rotate() = %v, want nil", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close() = %v, want nil", err)
	}
	if Discard().Logger("x").Prefix() != "[x] " {
		t.Error("Logger() should prefix the component name")
	}
}
