package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/thesammykins/beep-boop-mcp/api"
	"github.com/thesammykins/beep-boop-mcp/internal/conversation"
	"github.com/thesammykins/beep-boop-mcp/internal/coordination"
	"github.com/thesammykins/beep-boop-mcp/internal/lockstore"
	"github.com/thesammykins/beep-boop-mcp/internal/msgstore"
)

type stubMessenger struct {
	sendErr error
	sent    []string
}

func (s *stubMessenger) SendMessage(_ context.Context, _ msgstore.Platform, _ string, text string) (string, error) {
	if s.sendErr != nil {
		return "", s.sendErr
	}
	s.sent = append(s.sent, text)
	return "msg-1", nil
}

func (s *stubMessenger) CreateThread(context.Context, msgstore.Platform, string, string) (string, error) {
	return "", conversation.ErrThreadsUnsupported
}

type fixture struct {
	server    *httptest.Server
	messenger *stubMessenger
	store     *msgstore.Store
	dir       string
}

func newFixture(t *testing.T, authToken string) *fixture {
	t.Helper()

	coord := coordination.New(coordination.Config{
		Store: lockstore.New(lockstore.DefaultFileMode, nil),
	})

	inbox, err := msgstore.New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("expected message store, got %v", err)
	}
	messenger := &stubMessenger{}
	correlator := conversation.New(conversation.Config{
		Store:         inbox,
		Messenger:     messenger,
		PollInterval:  20 * time.Millisecond,
		ReplyDeadline: 200 * time.Millisecond,
	})

	h := New(Config{
		Coordinator: coord,
		Correlator:  correlator,
		AuthToken:   authToken,
	})
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &fixture{server: srv, messenger: messenger, store: inbox, dir: t.TempDir()}
}

func (f *fixture) post(t *testing.T, route string, payload any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, f.server.URL+route, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := f.server.Client().Do(req)
	if err != nil {
		t.Fatalf("perform request: %v", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	return resp, data
}

func decodeTool(t *testing.T, data []byte) api.ToolResponse {
	t.Helper()
	var tool api.ToolResponse
	if err := json.Unmarshal(data, &tool); err != nil {
		t.Fatalf("decode tool response %q: %v", data, err)
	}
	return tool
}

func TestCheckStatusUnclaimed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	resp, data := f.post(t, "/mcp/check_status", api.CheckStatusRequest{Directory: f.dir}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, data)
	}
	tool := decodeTool(t, data)
	if tool.Meta["state"] != "unclaimed" {
		t.Fatalf("expected unclaimed state, got %v", tool.Meta["state"])
	}
	if !strings.Contains(tool.Text, "unclaimed") {
		t.Fatalf("expected unclaimed text, got %q", tool.Text)
	}
}

func TestCheckStatusHeldNamesHolder(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	hold := lockstore.HoldRecord{
		StartedAt:       time.Now().UTC(),
		AgentID:         "agent-7",
		WorkDescription: "refactoring",
	}
	payload, _ := json.MarshalIndent(hold, "", "  ")
	if err := os.WriteFile(filepath.Join(f.dir, lockstore.HoldFile), payload, 0o644); err != nil {
		t.Fatalf("seed hold marker: %v", err)
	}

	resp, data := f.post(t, "/mcp/check_status", api.CheckStatusRequest{Directory: f.dir, AgentID: "agent-7"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, data)
	}
	tool := decodeTool(t, data)
	if tool.Meta["state"] != "held" {
		t.Fatalf("expected held state, got %v", tool.Meta["state"])
	}
	if tool.Meta["agentId"] != "agent-7" {
		t.Fatalf("expected holder agent-7, got %v", tool.Meta["agentId"])
	}
	if !strings.Contains(tool.Text, "held by you") {
		t.Fatalf("expected self-hold text, got %q", tool.Text)
	}
}

func TestCheckStatusMissingDirectory(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	resp, data := f.post(t, "/mcp/check_status", api.CheckStatusRequest{Directory: filepath.Join(f.dir, "absent")}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", resp.StatusCode, data)
	}
	var errResp api.ErrorResponse
	if err := json.Unmarshal(data, &errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if !strings.HasPrefix(errResp.Error, "directory_not_found") {
		t.Fatalf("expected directory_not_found, got %q", errResp.Error)
	}
}

func TestCheckStatusRequiresDirectoryField(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	resp, data := f.post(t, "/mcp/check_status", api.CheckStatusRequest{}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", resp.StatusCode, data)
	}
}

func TestUpdateUser(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	resp, data := f.post(t, "/mcp/update_user", api.UpdateUserRequest{
		Platform: "slack",
		Channel:  "C1",
		Message:  "deploy finished",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, data)
	}
	if len(f.messenger.sent) != 1 || f.messenger.sent[0] != "deploy finished" {
		t.Fatalf("expected one delivered message, got %v", f.messenger.sent)
	}
}

func TestUpdateUserInvalidPlatform(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	resp, data := f.post(t, "/mcp/update_user", api.UpdateUserRequest{
		Platform: "irc",
		Channel:  "C1",
		Message:  "hello",
	}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", resp.StatusCode, data)
	}
}

func TestInitiateConversationTimeoutIsOK(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	resp, data := f.post(t, "/mcp/initiate_conversation", api.InitiateConversationRequest{
		Platform: "slack",
		Channel:  "C1",
		Message:  "may I proceed?",
		AgentID:  "agent-1",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on timeout, got %d: %s", resp.StatusCode, data)
	}
	tool := decodeTool(t, data)
	if tool.Meta["timedOut"] != true {
		t.Fatalf("expected timedOut meta, got %v", tool.Meta)
	}
	if tool.Meta["initiatingId"] == "" {
		t.Fatal("expected initiating id in meta")
	}
}

func TestInitiateConversationReturnsReply(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	go func() {
		time.Sleep(60 * time.Millisecond)
		_ = f.store.Append(msgstore.Record{
			ID:        "reply-1",
			Platform:  msgstore.PlatformSlack,
			Text:      "approved",
			Author:    msgstore.Author{ID: "human-9"},
			Context:   msgstore.Context{ChannelID: "C1", ReplyToID: "msg-1"},
			CreatedAt: time.Now().Add(time.Second),
		})
	}()

	resp, data := f.post(t, "/mcp/initiate_conversation", api.InitiateConversationRequest{
		Platform: "slack",
		Channel:  "C1",
		Message:  "may I proceed?",
		AgentID:  "agent-1",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, data)
	}
	tool := decodeTool(t, data)
	if tool.Text != "approved" {
		t.Fatalf("expected reply text, got %q", tool.Text)
	}
	if tool.Meta["replyId"] != "reply-1" {
		t.Fatalf("expected replyId reply-1, got %v", tool.Meta["replyId"])
	}
}

func TestBearerAuth(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "sekrit")

	resp, _ := f.post(t, "/mcp/check_status", api.CheckStatusRequest{Directory: f.dir}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	resp, _ = f.post(t, "/mcp/check_status", api.CheckStatusRequest{Directory: f.dir}, map[string]string{
		"Authorization": "Bearer wrong",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", resp.StatusCode)
	}

	resp, data := f.post(t, "/mcp/check_status", api.CheckStatusRequest{Directory: f.dir}, map[string]string{
		"Authorization": "Bearer sekrit",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d: %s", resp.StatusCode, data)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	resp, err := f.server.Client().Get(f.server.URL + "/mcp/check_status")
	if err != nil {
		t.Fatalf("perform GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
	if allow := resp.Header.Get("Allow"); allow != http.MethodPost {
		t.Fatalf("expected Allow: POST, got %q", allow)
	}
}

func TestRequestIDEchoedBack(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	resp, _ := f.post(t, "/mcp/check_status", api.CheckStatusRequest{Directory: f.dir}, map[string]string{
		"X-Request-Id": "req-abc",
	})
	if got := resp.Header.Get("X-Request-Id"); got != "req-abc" {
		t.Fatalf("expected echoed request id, got %q", got)
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "sekrit")

	// Health stays open even when a token is configured.
	resp, err := f.server.Client().Get(f.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("perform GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	resp, data := f.post(t, "/mcp/check_status", map[string]any{
		"directory": f.dir,
		"bogus":     true,
	}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d: %s", resp.StatusCode, data)
	}
}
