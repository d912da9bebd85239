package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/thesammykins/beep-boop-mcp/internal/msgstore"
)

func TestWebhookMessengerSendMessage(t *testing.T) {
	t.Parallel()

	var received map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &received); err != nil {
			t.Errorf("decode webhook payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewWebhookMessenger(map[msgstore.Platform]string{msgstore.PlatformSlack: srv.URL}, srv.Client())
	id, err := m.SendMessage(context.Background(), msgstore.PlatformSlack, "C1", "hello there")
	if err != nil {
		t.Fatalf("expected send to succeed, got %v", err)
	}
	if id != "" {
		t.Fatalf("expected empty message id from webhook, got %q", id)
	}
	if received["text"] != "hello there" {
		t.Fatalf("expected text payload, got %v", received)
	}
}

func TestWebhookMessengerUnconfiguredPlatform(t *testing.T) {
	t.Parallel()

	m := NewWebhookMessenger(map[msgstore.Platform]string{}, nil)
	if _, err := m.SendMessage(context.Background(), msgstore.PlatformDiscord, "ch", "hi"); err == nil {
		t.Fatal("expected error for unconfigured platform")
	}
}

func TestWebhookMessengerNon2xx(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	m := NewWebhookMessenger(map[msgstore.Platform]string{msgstore.PlatformSlack: srv.URL}, srv.Client())
	if _, err := m.SendMessage(context.Background(), msgstore.PlatformSlack, "C1", "hi"); err == nil {
		t.Fatal("expected error for non-2xx response")
	}
}

func TestWebhookMessengerCreateThread(t *testing.T) {
	t.Parallel()

	m := NewWebhookMessenger(nil, nil)
	if _, err := m.CreateThread(context.Background(), msgstore.PlatformSlack, "C1", "m-1"); !errors.Is(err, ErrThreadsUnsupported) {
		t.Fatalf("expected ErrThreadsUnsupported, got %v", err)
	}
}
