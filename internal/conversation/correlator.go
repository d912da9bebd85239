// Package conversation initiates chat-platform conversations and correlates
// asynchronous replies with the message that prompted them.
//
// Correlation is a polling design by choice: the message store is a shared,
// passively written directory with no change-notification contract. An
// fsnotify hint channel, when available, only wakes the poll loop early; the
// interval and deadline still govern correctness.
package conversation

import (
	"context"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"github.com/thesammykins/beep-boop-mcp/internal/clock"
	"github.com/thesammykins/beep-boop-mcp/internal/loggingutil"
	"github.com/thesammykins/beep-boop-mcp/internal/msgstore"
)

// Defaults for the reply wait.
const (
	DefaultPollInterval  = 2 * time.Second
	DefaultReplyDeadline = 5 * time.Minute
)

// Outcome is the result of an initiated conversation: either the first
// qualifying reply, or a timeout that still names the initiating record so
// correlation can resume out-of-band.
type Outcome struct {
	// Reply is the first qualifying reply record, nil on timeout.
	Reply *msgstore.Record
	// TimedOut reports that the deadline elapsed without a reply.
	TimedOut bool
	// InitiatingID is the persisted initiating record's id.
	InitiatingID string
}

// Config assembles a Correlator.
type Config struct {
	Store     *msgstore.Store
	Messenger Messenger
	// Clock defaults to the real clock.
	Clock clock.Clock
	// Logger defaults to a disabled logger.
	Logger pslog.Logger
	// PollInterval defaults to DefaultPollInterval.
	PollInterval time.Duration
	// ReplyDeadline defaults to DefaultReplyDeadline.
	ReplyDeadline time.Duration
}

// Correlator starts conversations and waits for replies.
type Correlator struct {
	store        *msgstore.Store
	messenger    Messenger
	clock        clock.Clock
	logger       pslog.Logger
	pollInterval time.Duration
	deadline     time.Duration
}

// New constructs a Correlator from cfg.
func New(cfg Config) *Correlator {
	c := cfg.Clock
	if c == nil {
		c = clock.Real{}
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	deadline := cfg.ReplyDeadline
	if deadline <= 0 {
		deadline = DefaultReplyDeadline
	}
	return &Correlator{
		store:        cfg.Store,
		messenger:    cfg.Messenger,
		clock:        c,
		logger:       loggingutil.EnsureLogger(cfg.Logger).With("sys", "conversation"),
		pollInterval: poll,
		deadline:     deadline,
	}
}

// Initiate sends text into channelID on platform, persists the initiating
// record, and blocks until the first qualifying reply appears in the store
// or the deadline elapses. Thread creation is best effort: its failure is
// logged, never surfaced. Cancelling ctx stops the wait; the already-sent
// platform message is not retracted.
func (c *Correlator) Initiate(ctx context.Context, platform msgstore.Platform, channelID, text, initiatorID string) (*Outcome, error) {
	messageID, err := c.messenger.SendMessage(ctx, platform, channelID, text)
	if err != nil {
		return nil, fmt.Errorf("send conversation opener: %w", err)
	}
	recordID := messageID
	if recordID == "" {
		recordID = msgstore.NewRecordID()
	}

	threadID := ""
	if messageID != "" {
		threadID, err = c.messenger.CreateThread(ctx, platform, channelID, messageID)
		if err != nil {
			threadID = ""
			c.logger.Debug("conversation.initiate.thread_unavailable",
				"platform", platform,
				"channel_id", channelID,
				"error", err,
			)
		}
	}

	initiating := msgstore.Record{
		ID:       recordID,
		Platform: platform,
		Text:     text,
		Author:   msgstore.Author{ID: initiatorID},
		Context: msgstore.Context{
			ChannelID: channelID,
			ThreadID:  threadID,
		},
		CreatedAt: c.clock.Now(),
	}
	if err := c.store.Append(initiating); err != nil {
		return nil, fmt.Errorf("persist initiating record: %w", err)
	}
	c.logger.Info("conversation.initiate",
		"platform", platform,
		"channel_id", channelID,
		"record_id", recordID,
		"thread_id", threadID,
		"initiator_id", initiatorID,
	)
	return c.awaitReply(ctx, initiating)
}

// UpdateUser delivers a one-way message without waiting for a reply.
func (c *Correlator) UpdateUser(ctx context.Context, platform msgstore.Platform, channelID, text string) error {
	if _, err := c.messenger.SendMessage(ctx, platform, channelID, text); err != nil {
		return fmt.Errorf("send user update: %w", err)
	}
	c.logger.Info("conversation.update_user", "platform", platform, "channel_id", channelID)
	return nil
}

func (c *Correlator) awaitReply(ctx context.Context, initiating msgstore.Record) (*Outcome, error) {
	deadline := c.clock.Now().Add(c.deadline)

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	hints, err := c.store.Watch(watchCtx)
	if err != nil {
		// Poll-only fallback.
		c.logger.Debug("conversation.await.watch_unavailable", "error", err)
		hints = nil
	}

	for {
		reply, err := c.findReply(initiating)
		if err != nil {
			return nil, err
		}
		if reply != nil {
			c.logger.Info("conversation.reply",
				"record_id", initiating.ID,
				"reply_id", reply.ID,
				"author_id", reply.Author.ID,
			)
			return &Outcome{Reply: reply, InitiatingID: initiating.ID}, nil
		}
		if !c.clock.Now().Before(deadline) {
			c.logger.Info("conversation.timeout", "record_id", initiating.ID, "deadline", c.deadline)
			return &Outcome{TimedOut: true, InitiatingID: initiating.ID}, nil
		}
		select {
		case <-ctx.Done():
			return &Outcome{TimedOut: true, InitiatingID: initiating.ID}, ctx.Err()
		case <-c.clock.After(c.pollInterval):
		case <-hints:
		}
	}
}

// findReply scans the unacknowledged records for the first qualifying
// reply. Store iteration order decides ties, not chronology.
func (c *Correlator) findReply(initiating msgstore.Record) (*msgstore.Record, error) {
	records, err := c.store.List(initiating.Platform)
	if err != nil {
		return nil, fmt.Errorf("scan message store: %w", err)
	}
	for i := range records {
		candidate := &records[i]
		if qualifies(candidate, initiating) {
			return candidate, nil
		}
	}
	return nil, nil
}

// qualifies applies the reply predicate: same thread (or, lacking a thread,
// same channel with any reply reference pointing back at the initiating
// record), a different author, and a strictly later timestamp.
func qualifies(candidate *msgstore.Record, initiating msgstore.Record) bool {
	if candidate.ID == initiating.ID {
		return false
	}
	if candidate.Author.ID == initiating.Author.ID {
		return false
	}
	if !candidate.CreatedAt.After(initiating.CreatedAt) {
		return false
	}
	if initiating.Context.ThreadID != "" {
		return candidate.Context.ThreadID == initiating.Context.ThreadID
	}
	if candidate.Context.ChannelID != initiating.Context.ChannelID {
		return false
	}
	if candidate.Context.ReplyToID != "" && candidate.Context.ReplyToID != initiating.ID {
		return false
	}
	return true
}
