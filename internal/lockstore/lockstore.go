// Package lockstore reads and writes the two marker records that represent a
// directory's coordination state: BOOP.json while an agent holds the
// directory and BEEP.json once work there is complete.
//
// Every operation is a single filesystem call. The store carries no locking
// of its own; compositions of calls are not atomic and the state machine in
// the coordination package owns the resulting ordering rules.
package lockstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"pkt.systems/pslog"

	"github.com/thesammykins/beep-boop-mcp/internal/loggingutil"
)

const (
	// HoldFile is the marker written when an agent claims a directory.
	HoldFile = "BOOP.json"
	// ReleaseFile is the marker written when work in a directory completes.
	ReleaseFile = "BEEP.json"
)

// DefaultFileMode is applied to marker files unless configured otherwise.
const DefaultFileMode fs.FileMode = 0o644

// Marker selects one of the two marker records.
type Marker int

const (
	// MarkerHold selects the BOOP.json in-progress record.
	MarkerHold Marker = iota
	// MarkerRelease selects the BEEP.json completion record.
	MarkerRelease
)

func (m Marker) filename() string {
	if m == MarkerHold {
		return HoldFile
	}
	return ReleaseFile
}

// String names the marker for logs and errors.
func (m Marker) String() string {
	if m == MarkerHold {
		return "hold"
	}
	return "release"
}

var (
	// ErrDirectoryNotFound indicates the target directory does not exist.
	// This is a caller error, not a lock conflict.
	ErrDirectoryNotFound = errors.New("directory not found")
	// ErrPermissionDenied indicates the marker could not be accessed.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrNotFound indicates the requested marker record is absent.
	ErrNotFound = errors.New("marker not found")
)

// HoldRecord marks a directory as claimed by an agent.
type HoldRecord struct {
	// StartedAt is the claim timestamp.
	StartedAt time.Time `json:"startedAt"`
	// AgentID identifies the holding agent.
	AgentID string `json:"agentId"`
	// WorkDescription optionally describes the work in progress.
	WorkDescription string `json:"workDescription,omitempty"`
}

// ReleaseRecord marks a directory's work as complete.
type ReleaseRecord struct {
	// CompletedAt is the completion timestamp.
	CompletedAt time.Time `json:"completedAt"`
	// Message optionally describes the completed work.
	Message string `json:"message,omitempty"`
	// CompletedBy optionally identifies the agent that released the directory.
	CompletedBy string `json:"completedBy,omitempty"`
}

// Store accesses marker records beneath arbitrary directories.
type Store struct {
	mode   fs.FileMode
	logger pslog.Logger
}

// New returns a Store writing markers with mode. A zero mode selects
// DefaultFileMode; a nil logger disables logging.
func New(mode fs.FileMode, logger pslog.Logger) *Store {
	if mode == 0 {
		mode = DefaultFileMode
	}
	return &Store{mode: mode, logger: loggingutil.EnsureLogger(logger)}
}

// Exists reports whether the marker is present in dir.
func (s *Store) Exists(dir string, marker Marker) (bool, error) {
	if err := s.checkDir(dir); err != nil {
		return false, err
	}
	_, err := os.Stat(filepath.Join(dir, marker.filename()))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	case errors.Is(err, fs.ErrPermission):
		return false, fmt.Errorf("%w: stat %s marker in %s", ErrPermissionDenied, marker, dir)
	default:
		return false, fmt.Errorf("stat %s marker in %s: %w", marker, dir, err)
	}
}

// ReadHold returns the hold record for dir, or ErrNotFound.
func (s *Store) ReadHold(dir string) (*HoldRecord, error) {
	var rec HoldRecord
	if err := s.read(dir, MarkerHold, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ReadRelease returns the release record for dir, or ErrNotFound.
func (s *Store) ReadRelease(dir string) (*ReleaseRecord, error) {
	var rec ReleaseRecord
	if err := s.read(dir, MarkerRelease, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// WriteHold writes the hold record for dir, replacing any existing one.
func (s *Store) WriteHold(dir string, rec HoldRecord) error {
	return s.write(dir, MarkerHold, rec)
}

// WriteRelease writes the release record for dir, replacing any existing one.
func (s *Store) WriteRelease(dir string, rec ReleaseRecord) error {
	return s.write(dir, MarkerRelease, rec)
}

// Delete removes the marker from dir. Deleting an absent marker succeeds.
func (s *Store) Delete(dir string, marker Marker) error {
	if err := s.checkDir(dir); err != nil {
		return err
	}
	path := filepath.Join(dir, marker.filename())
	err := os.Remove(path)
	switch {
	case err == nil, errors.Is(err, fs.ErrNotExist):
		return nil
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: remove %s marker in %s", ErrPermissionDenied, marker, dir)
	default:
		return fmt.Errorf("remove %s marker in %s: %w", marker, dir, err)
	}
}

func (s *Store) read(dir string, marker Marker, dst any) error {
	if err := s.checkDir(dir); err != nil {
		return err
	}
	path := filepath.Join(dir, marker.filename())
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: no %s marker in %s", ErrNotFound, marker, dir)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: read %s marker in %s", ErrPermissionDenied, marker, dir)
	default:
		return fmt.Errorf("read %s marker in %s: %w", marker, dir, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode %s marker in %s: %w", marker, dir, err)
	}
	return nil
}

// write stages the record next to its destination and renames it into place
// so a marker is never observed half-written.
func (s *Store) write(dir string, marker Marker, rec any) error {
	if err := s.checkDir(dir); err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s marker for %s: %w", marker, dir, err)
	}
	data = append(data, '\n')
	tmp, err := os.CreateTemp(dir, "."+marker.filename()+".*")
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return fmt.Errorf("%w: stage %s marker in %s", ErrPermissionDenied, marker, dir)
		}
		return fmt.Errorf("stage %s marker in %s: %w", marker, dir, err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		if removeErr := os.Remove(tmpName); removeErr != nil && !errors.Is(removeErr, fs.ErrNotExist) {
			s.logger.Debug("lockstore.write.cleanup_error", "path", tmpName, "error", removeErr)
		}
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write %s marker in %s: %w", marker, dir, err)
	}
	if err := tmp.Chmod(s.mode); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("chmod %s marker in %s: %w", marker, dir, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close %s marker in %s: %w", marker, dir, err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, marker.filename())); err != nil {
		cleanup()
		if errors.Is(err, fs.ErrPermission) {
			return fmt.Errorf("%w: publish %s marker in %s", ErrPermissionDenied, marker, dir)
		}
		return fmt.Errorf("publish %s marker in %s: %w", marker, dir, err)
	}
	return nil
}

func (s *Store) checkDir(dir string) error {
	info, err := os.Stat(dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %s", ErrDirectoryNotFound, dir)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %s", ErrPermissionDenied, dir)
	case err != nil:
		return fmt.Errorf("stat %s: %w", dir, err)
	case !info.IsDir():
		return fmt.Errorf("%w: %s is not a directory", ErrDirectoryNotFound, dir)
	}
	return nil
}
