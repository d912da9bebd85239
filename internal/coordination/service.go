// Package coordination implements the directory claim/release state machine
// on top of the lockstore marker records.
//
// State is recomputed from the filesystem on every call; there is no cached
// authoritative copy. Two concurrent claims on the same unclaimed directory
// therefore race at the filesystem level, and "exactly one winner" is a
// best-effort property, not a guarantee.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"pkt.systems/pslog"

	"github.com/thesammykins/beep-boop-mcp/internal/clock"
	"github.com/thesammykins/beep-boop-mcp/internal/lockstore"
	"github.com/thesammykins/beep-boop-mcp/internal/loggingutil"
)

// DefaultStaleAfter is the hold age beyond which a claim is reported stale.
const DefaultStaleAfter = 24 * time.Hour

// State enumerates the observable coordination states of a directory.
type State int

const (
	// StateUnclaimed means neither marker is present.
	StateUnclaimed State = iota
	// StateReleased means only the release marker is present.
	StateReleased
	// StateHeld means only the hold marker is present.
	StateHeld
	// StateConflict means both markers are present. The service never
	// auto-resolves this; it is terminal until manual repair.
	StateConflict
)

// String names the state for logs and CLI output.
func (s State) String() string {
	switch s {
	case StateUnclaimed:
		return "unclaimed"
	case StateReleased:
		return "released"
	case StateHeld:
		return "held"
	case StateConflict:
		return "conflict"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// StatusResult reports the derived state of a directory. Staleness is
// advisory metadata, never an automatic transition.
type StatusResult struct {
	State   State
	Hold    *lockstore.HoldRecord
	Release *lockstore.ReleaseRecord
	// Age is the hold record's age. Zero unless State is Held or Conflict.
	Age time.Duration
	// Stale reports whether the hold's age exceeds the configured threshold.
	Stale bool
}

// AgeHours returns the hold age in fractional hours.
func (r StatusResult) AgeHours() float64 {
	return r.Age.Hours()
}

// ReclaimResult reports what a ReclaimStale call actually did.
type ReclaimResult struct {
	// Cleared reports whether a hold record was deleted.
	Cleared bool
	// Claimed reports whether a fresh claim followed the cleanup.
	Claimed bool
	// PriorHolder is the agent id from the deleted hold record, if any.
	PriorHolder string
}

// Event captures one coordination transition for the audit trail.
type Event struct {
	At        time.Time
	Kind      string
	Directory string
	AgentID   string
	Detail    string
}

// Recorder receives audit events. Implementations must not block; failures
// are the recorder's own concern and never abort a coordination call.
type Recorder interface {
	Record(ctx context.Context, ev Event)
}

// Config assembles a Service.
type Config struct {
	Store *lockstore.Store
	// Clock defaults to the real clock.
	Clock clock.Clock
	// Logger defaults to a disabled logger.
	Logger pslog.Logger
	// AgentIDs validates claimant identifiers.
	AgentIDs AgentIDPolicy
	// StaleAfter is the advisory hold-age threshold. Zero or negative
	// selects DefaultStaleAfter.
	StaleAfter time.Duration
	// Audit optionally records transitions.
	Audit Recorder
}

// Service computes directory state and performs claim/release transitions.
type Service struct {
	store      *lockstore.Store
	clock      clock.Clock
	logger     pslog.Logger
	policy     AgentIDPolicy
	staleAfter time.Duration
	audit      Recorder
}

// New constructs a Service from cfg.
func New(cfg Config) *Service {
	c := cfg.Clock
	if c == nil {
		c = clock.Real{}
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Service{
		store:      cfg.Store,
		clock:      c,
		logger:     loggingutil.EnsureLogger(cfg.Logger).With("sys", "coordination"),
		policy:     cfg.AgentIDs,
		staleAfter: staleAfter,
		audit:      cfg.Audit,
	}
}

// Status derives the current state of dir from its markers. Conflict is a
// reportable state here, not an error; mutating operations reject it.
func (s *Service) Status(ctx context.Context, dir string) (*StatusResult, error) {
	res, err := s.resolve(dir)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Claim marks dir as held by agentID. Allowed from Unclaimed, Released, or
// Held by the same agent (idempotent re-claim updates the record in place).
func (s *Service) Claim(ctx context.Context, dir, agentID, description string) error {
	agentID, err := s.policy.Validate(agentID)
	if err != nil {
		return err
	}
	res, err := s.resolve(dir)
	if err != nil {
		return err
	}
	switch res.State {
	case StateConflict:
		return s.conflictFailure(dir)
	case StateHeld:
		if res.Hold.AgentID != agentID {
			return Failure{
				Code:       CodeConflictInUse,
				Detail:     fmt.Sprintf("%s is held by %q since %s", dir, res.Hold.AgentID, res.Hold.StartedAt.Format(time.RFC3339)),
				HTTPStatus: http.StatusConflict,
			}
		}
		// Re-claim by the holder: refresh the single hold record.
	case StateReleased:
		// Delete the release marker before writing the hold so both are
		// never present at once.
		if err := s.store.Delete(dir, lockstore.MarkerRelease); err != nil {
			return storeFailure(err)
		}
	}
	rec := lockstore.HoldRecord{
		StartedAt:       s.clock.Now(),
		AgentID:         agentID,
		WorkDescription: description,
	}
	if err := s.store.WriteHold(dir, rec); err != nil {
		return storeFailure(err)
	}
	s.logger.Info("lock.claim", "directory", dir, "agent_id", agentID)
	s.record(ctx, Event{At: rec.StartedAt, Kind: "claim", Directory: dir, AgentID: agentID, Detail: description})
	return nil
}

// Release ends agentID's hold on dir and writes the release marker. The hold
// is deleted before the release is written; if the release write then fails,
// the service tries to restore the hold so the directory is not left silently
// unclaimed. The restoration is best effort and its failure is only logged.
func (s *Service) Release(ctx context.Context, dir, agentID, message string) error {
	agentID, err := s.policy.Validate(agentID)
	if err != nil {
		return err
	}
	res, err := s.resolve(dir)
	if err != nil {
		return err
	}
	switch res.State {
	case StateConflict:
		return s.conflictFailure(dir)
	case StateUnclaimed, StateReleased:
		return Failure{
			Code:       CodeNotHeld,
			Detail:     fmt.Sprintf("%s is not held by any agent", dir),
			HTTPStatus: http.StatusConflict,
		}
	}
	if res.Hold.AgentID != agentID {
		return Failure{
			Code:       CodeAgentMismatch,
			Detail:     fmt.Sprintf("%s is held by %q, not %q", dir, res.Hold.AgentID, agentID),
			HTTPStatus: http.StatusConflict,
		}
	}
	if err := s.store.Delete(dir, lockstore.MarkerHold); err != nil {
		return storeFailure(err)
	}
	now := s.clock.Now()
	rel := lockstore.ReleaseRecord{CompletedAt: now, Message: message, CompletedBy: agentID}
	if err := s.store.WriteRelease(dir, rel); err != nil {
		restored := lockstore.HoldRecord{
			StartedAt:       res.Hold.StartedAt,
			AgentID:         res.Hold.AgentID,
			WorkDescription: restorationDescription(res.Hold.WorkDescription),
		}
		if restoreErr := s.store.WriteHold(dir, restored); restoreErr != nil {
			s.logger.Error("lock.release.restore_failed",
				"directory", dir,
				"agent_id", agentID,
				"error", restoreErr,
			)
		} else {
			s.logger.Warn("lock.release.restored_hold", "directory", dir, "agent_id", agentID)
		}
		return storeFailure(err)
	}
	s.logger.Info("lock.release", "directory", dir, "agent_id", agentID)
	s.record(ctx, Event{At: now, Kind: "release", Directory: dir, AgentID: agentID, Detail: message})
	return nil
}

// MarkComplete writes a release marker without a prior hold. Allowed from
// Unclaimed; re-marking a Released directory updates the record in place.
// A Held directory must go through Release instead.
func (s *Service) MarkComplete(ctx context.Context, dir, message string) error {
	res, err := s.resolve(dir)
	if err != nil {
		return err
	}
	switch res.State {
	case StateConflict:
		return s.conflictFailure(dir)
	case StateHeld:
		return Failure{
			Code:       CodeConflictInUse,
			Detail:     fmt.Sprintf("%s is held by %q; the holder must release it", dir, res.Hold.AgentID),
			HTTPStatus: http.StatusConflict,
		}
	}
	now := s.clock.Now()
	if err := s.store.WriteRelease(dir, lockstore.ReleaseRecord{CompletedAt: now, Message: message}); err != nil {
		return storeFailure(err)
	}
	s.logger.Info("lock.mark_complete", "directory", dir)
	s.record(ctx, Event{At: now, Kind: "mark_complete", Directory: dir, Detail: message})
	return nil
}

// ReclaimStale deletes dir's hold record and, when newAgentID is non-empty,
// immediately claims dir for the new agent. The delete is unconditional: the
// expected holder is logged for traceability but not re-checked, so a fresh
// claim that slipped in between the caller's staleness check and this call
// is destroyed silently.
func (s *Service) ReclaimStale(ctx context.Context, dir, expectedHolder, newAgentID, newDescription string) (*ReclaimResult, error) {
	res, err := s.resolve(dir)
	if err != nil {
		return nil, err
	}
	if res.State == StateConflict {
		return nil, s.conflictFailure(dir)
	}
	result := &ReclaimResult{}
	if res.Hold != nil {
		result.PriorHolder = res.Hold.AgentID
		if expectedHolder != "" && res.Hold.AgentID != expectedHolder {
			s.logger.Warn("lock.reclaim.holder_mismatch",
				"directory", dir,
				"expected", expectedHolder,
				"actual", res.Hold.AgentID,
			)
		}
		if err := s.store.Delete(dir, lockstore.MarkerHold); err != nil {
			return nil, storeFailure(err)
		}
		result.Cleared = true
		s.logger.Info("lock.reclaim.cleared", "directory", dir, "prior_holder", res.Hold.AgentID)
		s.record(ctx, Event{At: s.clock.Now(), Kind: "reclaim", Directory: dir, AgentID: res.Hold.AgentID, Detail: "stale hold cleared"})
	}
	if newAgentID == "" {
		return result, nil
	}
	if err := s.Claim(ctx, dir, newAgentID, newDescription); err != nil {
		return result, err
	}
	result.Claimed = true
	return result, nil
}

func (s *Service) resolve(dir string) (*StatusResult, error) {
	hold, err := s.store.ReadHold(dir)
	if err != nil && !errors.Is(err, lockstore.ErrNotFound) {
		return nil, storeFailure(err)
	}
	release, err := s.store.ReadRelease(dir)
	if err != nil && !errors.Is(err, lockstore.ErrNotFound) {
		return nil, storeFailure(err)
	}
	res := &StatusResult{Hold: hold, Release: release}
	switch {
	case hold != nil && release != nil:
		res.State = StateConflict
	case hold != nil:
		res.State = StateHeld
	case release != nil:
		res.State = StateReleased
	default:
		res.State = StateUnclaimed
	}
	if hold != nil {
		age := s.clock.Now().Sub(hold.StartedAt)
		res.Age = age
		// A negative age means the wall clock moved backward; treat as
		// not stale.
		res.Stale = age > s.staleAfter
	}
	return res, nil
}

func (s *Service) conflictFailure(dir string) error {
	return Failure{
		Code:       CodeInvalidState,
		Detail:     fmt.Sprintf("%s has both %s and %s markers; inspect the directory and remove the incorrect one manually", dir, lockstore.HoldFile, lockstore.ReleaseFile),
		HTTPStatus: http.StatusConflict,
	}
}

func (s *Service) record(ctx context.Context, ev Event) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, ev)
}

func restorationDescription(original string) string {
	if original == "" {
		return "restored after failed release"
	}
	return "restored after failed release: " + original
}

func storeFailure(err error) error {
	switch {
	case errors.Is(err, lockstore.ErrDirectoryNotFound):
		return Failure{Code: CodeDirectoryNotFound, Detail: err.Error(), HTTPStatus: http.StatusBadRequest}
	case errors.Is(err, lockstore.ErrPermissionDenied):
		return Failure{Code: CodePermissionDenied, Detail: err.Error(), HTTPStatus: http.StatusForbidden}
	default:
		return Failure{Code: CodeIOFailure, Detail: err.Error(), HTTPStatus: http.StatusInternalServerError}
	}
}
