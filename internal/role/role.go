// Package role tracks whether this node is the primary or a secondary
// replica.
//
// The role is decided outside the process, by whatever manages the
// cluster, and observed here through a Signal. The default signal is a
// marker file next to the database: when the file is absent this node is
// the primary, when it is present this node is a secondary and the file
// names the primary. Roles are observed, never caused; forwarding writes
// to the primary is left to the application.
package role

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// MarkerName is the default marker file name.
const MarkerName = ".primary"

// Role is a replica role.
type Role int32

const (
	Unknown Role = iota
	Primary
	Secondary
)

// String returns a human-readable representation of the role.
func (r Role) String() string {
	switch r {
	case Unknown:
		return "unknown"
	case Primary:
		return "primary"
	case Secondary:
		return "secondary"
	default:
		return fmt.Sprintf("role(%d)", int32(r))
	}
}

// Roles lists every role name, for clearing metrics.
func Roles() []string {
	return []string{Unknown.String(), Primary.String(), Secondary.String()}
}

// Observation is one reading of a Signal.
type Observation struct {
	Role Role
	// Primary names the primary node. It may be empty when the signal
	// does not say.
	Primary string
}

// Signal reports the externally decided role.
type Signal interface {
	Read() (Observation, error)
}

// MarkerFile reads the role from a marker file.
type MarkerFile struct {
	// Path of the marker file
	Path string

	// Self names this node when it is the primary
	Self string
}

// NewMarkerFile returns the marker signal for a database path: the
// marker lives in the database's directory.
func NewMarkerFile(dbPath, self string) MarkerFile {
	return MarkerFile{Path: filepath.Join(filepath.Dir(dbPath), MarkerName), Self: self}
}

// Read implements Signal.
func (m MarkerFile) Read() (Observation, error) {
	data, err := os.ReadFile(m.Path)
	if errors.Is(err, os.ErrNotExist) {
		return Observation{Role: Primary, Primary: m.Self}, nil
	}
	if err != nil {
		return Observation{}, fmt.Errorf("failed to read marker %s: %w", m.Path, err)
	}
	return Observation{Role: Secondary, Primary: strings.TrimSpace(string(data))}, nil
}

// WatchPath returns the file to watch for changes.
func (m MarkerFile) WatchPath() string {
	return m.Path
}

// watchable is implemented by signals backed by a file.
type watchable interface {
	WatchPath() string
}
