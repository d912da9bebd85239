package conversation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/thesammykins/beep-boop-mcp/internal/msgstore"
)

// ErrThreadsUnsupported is returned by CreateThread when the messenger (or
// the platform behind it) cannot create threads. Initiation treats it as a
// soft failure.
var ErrThreadsUnsupported = errors.New("threads unsupported")

// Messenger is the external chat-platform boundary. Implementations send
// messages and, when the platform supports it, create threads anchored on a
// previously sent message.
type Messenger interface {
	// SendMessage posts text into a channel and returns the
	// platform-assigned message id, when the platform provides one.
	SendMessage(ctx context.Context, platform msgstore.Platform, channelID, text string) (string, error)
	// CreateThread opens a thread on messageID and returns the thread id.
	CreateThread(ctx context.Context, platform msgstore.Platform, channelID, messageID string) (string, error)
}

// WebhookMessenger delivers messages by POSTing {"text": ...} to one webhook
// URL per platform. Webhooks assign no message ids and cannot create
// threads.
type WebhookMessenger struct {
	urls       map[msgstore.Platform]string
	httpClient *http.Client
}

// NewWebhookMessenger builds a messenger from per-platform webhook URLs.
func NewWebhookMessenger(urls map[msgstore.Platform]string, httpClient *http.Client) *WebhookMessenger {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &WebhookMessenger{urls: urls, httpClient: httpClient}
}

// SendMessage posts text to the platform's webhook. The returned message id
// is empty; the caller assigns a generated record id.
func (m *WebhookMessenger) SendMessage(ctx context.Context, platform msgstore.Platform, channelID, text string) (string, error) {
	url, ok := m.urls[platform]
	if !ok || url == "" {
		return "", fmt.Errorf("no webhook configured for platform %q", platform)
	}
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return "", fmt.Errorf("encode webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("deliver webhook for %s: %w", platform, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("webhook for %s returned status %d", platform, resp.StatusCode)
	}
	return "", nil
}

// CreateThread always reports ErrThreadsUnsupported for webhooks.
func (m *WebhookMessenger) CreateThread(context.Context, msgstore.Platform, string, string) (string, error) {
	return "", ErrThreadsUnsupported
}
