// Package msgstore persists conversation records as one JSON file each in a
// shared inbox directory. Unacknowledged records live directly in the inbox;
// acknowledging a record moves it into the processed sub-directory rather
// than deleting it.
//
// The inbox is a passive, multi-writer resource: other processes capture
// inbound platform events into it, and the conversation correlator polls it.
package msgstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"github.com/thesammykins/beep-boop-mcp/internal/loggingutil"
)

// ProcessedDirName is the sub-directory acknowledged records move into.
const ProcessedDirName = "processed"

// Platform enumerates supported chat platforms.
type Platform string

const (
	// PlatformSlack identifies Slack conversations.
	PlatformSlack Platform = "slack"
	// PlatformDiscord identifies Discord conversations.
	PlatformDiscord Platform = "discord"
)

// ParsePlatform validates a platform name.
func ParsePlatform(s string) (Platform, error) {
	switch Platform(strings.ToLower(strings.TrimSpace(s))) {
	case PlatformSlack:
		return PlatformSlack, nil
	case PlatformDiscord:
		return PlatformDiscord, nil
	}
	return "", fmt.Errorf("unknown platform %q (expected slack or discord)", s)
}

// ErrNotFound indicates the requested record is absent from the inbox.
var ErrNotFound = errors.New("conversation record not found")

// Author identifies who wrote a message.
type Author struct {
	// ID is the platform-level author identifier.
	ID string `json:"id"`
	// DisplayName is the human-readable author name, when known.
	DisplayName string `json:"displayName,omitempty"`
}

// Context locates a message within its platform.
type Context struct {
	// ChannelID is the channel the message was posted in.
	ChannelID string `json:"channelId"`
	// ThreadID is the thread the message belongs to, when threaded.
	ThreadID string `json:"threadId,omitempty"`
	// ReplyToID references the message this one replies to, when known.
	ReplyToID string `json:"replyToId,omitempty"`
}

// Record is one initiated or captured conversation message.
type Record struct {
	// ID is the record identifier: the platform-assigned message id when
	// available, otherwise a generated xid.
	ID string `json:"id"`
	// Platform names the chat platform the message belongs to.
	Platform Platform `json:"platform"`
	// Text is the message body.
	Text string `json:"text"`
	// Author identifies the message author.
	Author Author `json:"authoredBy"`
	// Context locates the message.
	Context Context `json:"context"`
	// CreatedAt is the message timestamp.
	CreatedAt time.Time `json:"createdAt"`
}

// NewRecordID generates an identifier for records without a platform id.
func NewRecordID() string {
	return xid.New().String()
}

// Store reads and writes records beneath one inbox directory.
type Store struct {
	inbox     string
	processed string
	logger    pslog.Logger
}

// New returns a Store rooted at inbox, creating the directory layout on
// first use.
func New(inbox string, logger pslog.Logger) (*Store, error) {
	inbox = strings.TrimSpace(inbox)
	if inbox == "" {
		return nil, fmt.Errorf("msgstore: inbox directory is required")
	}
	processed := filepath.Join(inbox, ProcessedDirName)
	if err := os.MkdirAll(processed, 0o755); err != nil {
		return nil, fmt.Errorf("msgstore: prepare inbox %q: %w", inbox, err)
	}
	return &Store{
		inbox:     inbox,
		processed: processed,
		logger:    loggingutil.EnsureLogger(logger).With("sys", "msgstore"),
	}, nil
}

// Inbox returns the unprocessed-record directory.
func (s *Store) Inbox() string {
	return s.inbox
}

// Append persists rec as a new unacknowledged record.
func (s *Store) Append(rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("msgstore: record id is required")
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("msgstore: encode record %s: %w", rec.ID, err)
	}
	data = append(data, '\n')
	tmp, err := os.CreateTemp(s.inbox, ".record.*")
	if err != nil {
		return fmt.Errorf("msgstore: stage record %s: %w", rec.ID, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("msgstore: write record %s: %w", rec.ID, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("msgstore: close record %s: %w", rec.ID, err)
	}
	if err := os.Rename(tmpName, s.recordPath(rec.ID)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("msgstore: publish record %s: %w", rec.ID, err)
	}
	return nil
}

// List returns all unacknowledged records for platform, in directory
// iteration order (not guaranteed chronological). Malformed files are
// skipped with a log line so one bad record cannot wedge the correlator.
func (s *Store) List(platform Platform) ([]Record, error) {
	entries, err := os.ReadDir(s.inbox)
	if err != nil {
		return nil, fmt.Errorf("msgstore: list inbox %q: %w", s.inbox, err)
	}
	var records []Record
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.inbox, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				// Acknowledged concurrently.
				continue
			}
			return nil, fmt.Errorf("msgstore: read record %q: %w", path, err)
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			s.logger.Warn("msgstore.list.skip_malformed", "path", path, "error", err)
			continue
		}
		if rec.Platform != platform {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Get returns the unacknowledged record with id, or ErrNotFound.
func (s *Store) Get(id string) (*Record, error) {
	data, err := os.ReadFile(s.recordPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("msgstore: read record %s: %w", id, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("msgstore: decode record %s: %w", id, err)
	}
	return &rec, nil
}

// AttachThread sets the record's thread id. This is the single permitted
// mutation of a persisted record, used when the platform creates a thread
// asynchronously after the initial send.
func (s *Store) AttachThread(id, threadID string) error {
	rec, err := s.Get(id)
	if err != nil {
		return err
	}
	rec.Context.ThreadID = threadID
	return s.Append(*rec)
}

// Acknowledge moves the record into the processed sub-directory. Records
// that are already processed acknowledge successfully.
func (s *Store) Acknowledge(id string) error {
	src := s.recordPath(id)
	dst := filepath.Join(s.processed, id+".json")
	err := os.Rename(src, dst)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist):
		if _, statErr := os.Stat(dst); statErr == nil {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	default:
		return fmt.Errorf("msgstore: acknowledge record %s: %w", id, err)
	}
}

func (s *Store) recordPath(id string) string {
	return filepath.Join(s.inbox, id+".json")
}
