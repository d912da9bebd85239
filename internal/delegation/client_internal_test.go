package delegation

import (
	"strings"
	"testing"
	"time"
)

func TestTimeoutScalesWithBodySize(t *testing.T) {
	t.Parallel()

	c := NewClient(Options{
		Enabled:        true,
		BaseURL:        "http://127.0.0.1:1",
		BaseTimeout:    1000 * time.Millisecond,
		PerByteTimeout: 5 * time.Millisecond,
		MaxTimeout:     60000 * time.Millisecond,
	})
	if got := c.timeoutFor(10); got != 1050*time.Millisecond {
		t.Fatalf("expected 1050ms for a 10-byte body, got %v", got)
	}
	if got := c.timeoutFor(20000); got != 60000*time.Millisecond {
		t.Fatalf("expected the 60000ms cap for a 20000-byte body, got %v", got)
	}
}

func TestEncodeBodyInjectsRequestID(t *testing.T) {
	t.Parallel()

	payload, err := encodeBody(map[string]any{"directory": "/tmp/x"}, "req-42")
	if err != nil {
		t.Fatalf("encodeBody: %v", err)
	}
	want := `"requestId":"req-42"`
	if !strings.Contains(string(payload), want) {
		t.Fatalf("expected %s in %s", want, payload)
	}
}

func TestEncodeBodyRejectsNonObjects(t *testing.T) {
	t.Parallel()

	if _, err := encodeBody([]string{"nope"}, "req-1"); err == nil {
		t.Fatal("expected error for non-object body")
	}
}
