package beepboop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/thesammykins/beep-boop-mcp/api"
	"github.com/thesammykins/beep-boop-mcp/internal/conversation"
	"github.com/thesammykins/beep-boop-mcp/internal/msgstore"
)

type silentMessenger struct{}

func (silentMessenger) SendMessage(context.Context, msgstore.Platform, string, string) (string, error) {
	return "m-1", nil
}

func (silentMessenger) CreateThread(context.Context, msgstore.Platform, string, string) (string, error) {
	return "", conversation.ErrThreadsUnsupported
}

func startServer(t *testing.T, cfg Config, opts ...Option) *Server {
	t.Helper()
	cfg.Listen = "127.0.0.1:0"
	if cfg.MessageInbox == "" {
		cfg.MessageInbox = t.TempDir()
	}
	opts = append(opts, WithMessenger(silentMessenger{}))

	srv, err := NewServer(cfg, opts...)
	if err != nil {
		t.Fatalf("expected server, got %v", err)
	}
	go func() {
		if serveErr := srv.Start(); serveErr != nil {
			t.Errorf("serve: %v", serveErr)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.WaitReady(ctx); err != nil {
		t.Fatalf("server never became ready: %v", err)
	}
	t.Cleanup(func() {
		if err := srv.Close(); err != nil {
			t.Errorf("close: %v", err)
		}
	})
	return srv
}

func postJSON(t *testing.T, url string, payload any) (*http.Response, []byte) {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func TestServerServesCheckStatus(t *testing.T) {
	t.Parallel()

	srv := startServer(t, Config{})
	dir := t.TempDir()

	resp, data := postJSON(t, fmt.Sprintf("http://%s/mcp/check_status", srv.Addr()), api.CheckStatusRequest{Directory: dir})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, data)
	}
	var tool api.ToolResponse
	if err := json.Unmarshal(data, &tool); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tool.Meta["state"] != "unclaimed" {
		t.Fatalf("expected unclaimed, got %v", tool.Meta["state"])
	}
}

func TestServerHealthz(t *testing.T) {
	t.Parallel()

	srv := startServer(t, Config{})
	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", srv.Addr()))
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestServerAuditTrail(t *testing.T) {
	t.Parallel()

	auditPath := filepath.Join(t.TempDir(), "audit.db")
	srv := startServer(t, Config{AuditDBPath: auditPath})

	dir := t.TempDir()
	ctx := context.Background()
	if err := srv.Coordinator().Claim(ctx, dir, "agent-1", "integration test"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := srv.Coordinator().Release(ctx, dir, "agent-1", "done"); err != nil {
		t.Fatalf("release: %v", err)
	}

	events, err := srv.auditLog.Recent(ctx, dir, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 audit events, got %d", len(events))
	}
}

func TestServerShutdownIdempotent(t *testing.T) {
	t.Parallel()

	srv := startServer(t, Config{})
	if err := srv.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestNewServerRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	if _, err := NewServer(Config{JSONMaxBytes: -1}); err == nil {
		t.Fatal("expected invalid config to be rejected")
	}
}
