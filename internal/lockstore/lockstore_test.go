package lockstore_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/thesammykins/beep-boop-mcp/internal/lockstore"
)

func newStore() *lockstore.Store {
	return lockstore.New(0, nil)
}

func TestHoldRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := newStore()
	want := lockstore.HoldRecord{
		StartedAt:       time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC),
		AgentID:         "agent-alpha",
		WorkDescription: "refactoring the parser",
	}
	if err := store.WriteHold(dir, want); err != nil {
		t.Fatalf("WriteHold: %v", err)
	}
	got, err := store.ReadHold(dir)
	if err != nil {
		t.Fatalf("ReadHold: %v", err)
	}
	if !got.StartedAt.Equal(want.StartedAt) || got.AgentID != want.AgentID || got.WorkDescription != want.WorkDescription {
		t.Fatalf("expected %+v, got %+v", want, *got)
	}
}

func TestReleaseRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := newStore()
	want := lockstore.ReleaseRecord{
		CompletedAt: time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC),
		Message:     "tests green",
		CompletedBy: "agent-alpha",
	}
	if err := store.WriteRelease(dir, want); err != nil {
		t.Fatalf("WriteRelease: %v", err)
	}
	got, err := store.ReadRelease(dir)
	if err != nil {
		t.Fatalf("ReadRelease: %v", err)
	}
	if !got.CompletedAt.Equal(want.CompletedAt) || got.Message != want.Message || got.CompletedBy != want.CompletedBy {
		t.Fatalf("expected %+v, got %+v", want, *got)
	}
}

func TestExists(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := newStore()
	ok, err := store.Exists(dir, lockstore.MarkerHold)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if ok {
		t.Fatal("expected no hold marker in fresh directory")
	}
	if err := store.WriteHold(dir, lockstore.HoldRecord{StartedAt: time.Now(), AgentID: "a"}); err != nil {
		t.Fatalf("WriteHold: %v", err)
	}
	ok, err = store.Exists(dir, lockstore.MarkerHold)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !ok {
		t.Fatal("expected hold marker after write")
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := newStore()
	if err := store.Delete(dir, lockstore.MarkerRelease); err != nil {
		t.Fatalf("deleting absent marker should succeed, got %v", err)
	}
	if err := store.WriteRelease(dir, lockstore.ReleaseRecord{CompletedAt: time.Now()}); err != nil {
		t.Fatalf("WriteRelease: %v", err)
	}
	if err := store.Delete(dir, lockstore.MarkerRelease); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Delete(dir, lockstore.MarkerRelease); err != nil {
		t.Fatalf("second Delete should succeed, got %v", err)
	}
}

func TestMissingDirectory(t *testing.T) {
	t.Parallel()

	store := newStore()
	missing := filepath.Join(t.TempDir(), "nope")
	if _, err := store.ReadHold(missing); !errors.Is(err, lockstore.ErrDirectoryNotFound) {
		t.Fatalf("expected ErrDirectoryNotFound, got %v", err)
	}
	if err := store.WriteHold(missing, lockstore.HoldRecord{AgentID: "a"}); !errors.Is(err, lockstore.ErrDirectoryNotFound) {
		t.Fatalf("expected ErrDirectoryNotFound, got %v", err)
	}
	if err := store.Delete(missing, lockstore.MarkerHold); !errors.Is(err, lockstore.ErrDirectoryNotFound) {
		t.Fatalf("expected ErrDirectoryNotFound, got %v", err)
	}
}

func TestFileIsNotADirectory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	file := filepath.Join(dir, "plain.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	store := newStore()
	if _, err := store.Exists(file, lockstore.MarkerHold); !errors.Is(err, lockstore.ErrDirectoryNotFound) {
		t.Fatalf("expected ErrDirectoryNotFound for a plain file, got %v", err)
	}
}

func TestReadAbsentMarker(t *testing.T) {
	t.Parallel()

	store := newStore()
	if _, err := store.ReadRelease(t.TempDir()); !errors.Is(err, lockstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWriteAppliesConfiguredMode(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := lockstore.New(0o600, nil)
	if err := store.WriteHold(dir, lockstore.HoldRecord{StartedAt: time.Now(), AgentID: "a"}); err != nil {
		t.Fatalf("WriteHold: %v", err)
	}
	info, err := os.Stat(filepath.Join(dir, lockstore.HoldFile))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected mode 0600, got %o", perm)
	}
}

func TestMalformedMarker(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, lockstore.HoldFile), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	store := newStore()
	if _, err := store.ReadHold(dir); err == nil {
		t.Fatal("expected decode error for malformed marker")
	}
}
