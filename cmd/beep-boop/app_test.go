package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/thesammykins/beep-boop-mcp/internal/loggingutil"
)

func init() {
	color.NoColor = true
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(loggingutil.NoopLogger())
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestClaimStatusReleaseRoundTrip(t *testing.T) {
	dir := t.TempDir()

	out, err := runCommand(t, "claim", dir, "--agent", "bot-1", "--work", "integration test")
	if err != nil {
		t.Fatalf("claim failed: %v (%s)", err, out)
	}
	if !strings.Contains(out, "HELD") {
		t.Fatalf("expected HELD in claim output, got %q", out)
	}

	out, err = runCommand(t, "status", dir, "--agent", "bot-1")
	if err != nil {
		t.Fatalf("status failed: %v (%s)", err, out)
	}
	if !strings.Contains(out, "bot-1 (you)") {
		t.Fatalf("expected holder with (you) in status output, got %q", out)
	}

	out, err = runCommand(t, "release", dir, "--agent", "bot-1", "--message", "done")
	if err != nil {
		t.Fatalf("release failed: %v (%s)", err, out)
	}
	if !strings.Contains(out, "RELEASED") {
		t.Fatalf("expected RELEASED in release output, got %q", out)
	}

	out, err = runCommand(t, "status", dir)
	if err != nil {
		t.Fatalf("status failed: %v (%s)", err, out)
	}
	if !strings.Contains(out, "done") {
		t.Fatalf("expected release message in status output, got %q", out)
	}
}

func TestClaimConflictSurfacesHolder(t *testing.T) {
	dir := t.TempDir()

	if out, err := runCommand(t, "claim", dir, "--agent", "bot-1"); err != nil {
		t.Fatalf("claim failed: %v (%s)", err, out)
	}
	_, err := runCommand(t, "claim", dir, "--agent", "bot-2")
	if err == nil {
		t.Fatal("expected second claim to fail")
	}
	if !strings.Contains(err.Error(), "bot-1") {
		t.Fatalf("expected error to name the holder, got %v", err)
	}
}

func TestReclaimWithNewAgent(t *testing.T) {
	dir := t.TempDir()

	if out, err := runCommand(t, "claim", dir, "--agent", "bot-1"); err != nil {
		t.Fatalf("claim failed: %v (%s)", err, out)
	}
	out, err := runCommand(t, "reclaim", dir, "--expected-holder", "bot-1", "--new-agent", "bot-2", "--work", "takeover")
	if err != nil {
		t.Fatalf("reclaim failed: %v (%s)", err, out)
	}
	if !strings.Contains(out, "cleared stale hold by bot-1") {
		t.Fatalf("expected cleared output, got %q", out)
	}
	if !strings.Contains(out, "claimed by bot-2") {
		t.Fatalf("expected new claim output, got %q", out)
	}
}

func TestCompleteWritesReleaseMarker(t *testing.T) {
	dir := t.TempDir()

	out, err := runCommand(t, "complete", dir, "--message", "retroactive cleanup")
	if err != nil {
		t.Fatalf("complete failed: %v (%s)", err, out)
	}
	out, err = runCommand(t, "status", dir)
	if err != nil {
		t.Fatalf("status failed: %v (%s)", err, out)
	}
	if !strings.Contains(out, "RELEASED") {
		t.Fatalf("expected RELEASED status, got %q", out)
	}
}

func TestClaimRequiresAgentFlag(t *testing.T) {
	dir := t.TempDir()

	if _, err := runCommand(t, "claim", dir); err == nil {
		t.Fatal("expected missing --agent to fail")
	}
}
