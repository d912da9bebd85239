// Package httpapi adapts the coordination and conversation services onto
// HTTP. It owns request decoding, authentication, error envelopes, and
// request-scoped logging; the services stay transport neutral.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pkt.systems/pslog"

	"github.com/thesammykins/beep-boop-mcp/api"
	"github.com/thesammykins/beep-boop-mcp/internal/conversation"
	"github.com/thesammykins/beep-boop-mcp/internal/coordination"
	"github.com/thesammykins/beep-boop-mcp/internal/loggingutil"
	"github.com/thesammykins/beep-boop-mcp/internal/msgstore"
	"github.com/thesammykins/beep-boop-mcp/internal/requestid"
)

// DefaultJSONMaxBytes caps request bodies.
const DefaultJSONMaxBytes int64 = 1 << 20

// Config assembles a Handler.
type Config struct {
	Coordinator *coordination.Service
	Correlator  *conversation.Correlator
	// AuthToken, when set, requires "Authorization: Bearer <token>" on the
	// /mcp routes. Health stays open.
	AuthToken string
	// JSONMaxBytes defaults to DefaultJSONMaxBytes.
	JSONMaxBytes int64
	Logger       pslog.Logger
}

// Handler serves the /mcp tool routes and health.
type Handler struct {
	coord        *coordination.Service
	correlator   *conversation.Correlator
	authToken    string
	jsonMaxBytes int64
	logger       pslog.Logger
}

// New constructs a Handler from cfg.
func New(cfg Config) *Handler {
	max := cfg.JSONMaxBytes
	if max <= 0 {
		max = DefaultJSONMaxBytes
	}
	return &Handler{
		coord:        cfg.Coordinator,
		correlator:   cfg.Correlator,
		authToken:    cfg.AuthToken,
		jsonMaxBytes: max,
		logger:       loggingutil.EnsureLogger(cfg.Logger).With("sys", "httpapi"),
	}
}

// Register installs the routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/mcp/check_status", h.wrap("check_status", h.handleCheckStatus))
	mux.Handle("/mcp/update_user", h.wrap("update_user", h.handleUpdateUser))
	mux.Handle("/mcp/initiate_conversation", h.wrap("initiate_conversation", h.handleInitiateConversation))
	mux.Handle("/healthz", h.wrap("healthz", h.handleHealth))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()

		if supplied, ok := requestid.Normalize(r.Header.Get(requestid.Header)); ok {
			ctx = requestid.Set(ctx, supplied)
		}
		ctx, reqID := requestid.Ensure(ctx)
		w.Header().Set(requestid.Header, reqID)

		logger := h.logger.With(
			"op", operation,
			"req_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = pslog.ContextWithLogger(ctx, logger)
		r = r.WithContext(ctx)

		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)

		if operation != "healthz" {
			if r.Method != http.MethodPost {
				w.Header().Set("Allow", http.MethodPost)
				h.handleError(ctx, w, httpError{
					Status: http.StatusMethodNotAllowed,
					Code:   "method_not_allowed",
					Detail: "supported method: POST",
				})
				observe(operation, "error", time.Since(start))
				return
			}
			if err := h.authorize(r); err != nil {
				h.handleError(ctx, w, err)
				observe(operation, "denied", time.Since(start))
				return
			}
		}

		if err := fn(w, r); err != nil {
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.handleError(r.Context(), w, err)
			observe(operation, "error", time.Since(start))
			return
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
		observe(operation, "ok", time.Since(start))
	})
}

func (h *Handler) authorize(r *http.Request) error {
	if h.authToken == "" {
		return nil
	}
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(h.authToken)) != 1 {
		return httpError{
			Status: http.StatusUnauthorized,
			Code:   "unauthorized",
			Detail: "missing or invalid bearer token",
		}
	}
	return nil
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, h.jsonMaxBytes)
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return httpError{
				Status: http.StatusRequestEntityTooLarge,
				Code:   "payload_too_large",
				Detail: fmt.Sprintf("request body exceeds %d bytes", h.jsonMaxBytes),
			}
		}
		return httpError{
			Status: http.StatusBadRequest,
			Code:   "invalid_json",
			Detail: err.Error(),
		}
	}
	if dec.More() {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_json", Detail: "trailing data after JSON object"}
	}
	_, _ = io.Copy(io.Discard, body)
	return nil
}

func (h *Handler) handleCheckStatus(w http.ResponseWriter, r *http.Request) error {
	var req api.CheckStatusRequest
	if err := h.decode(w, r, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.Directory) == "" {
		return httpError{Status: http.StatusBadRequest, Code: "missing_directory", Detail: "directory required"}
	}
	ctx := withSuppliedRequestID(r.Context(), req.RequestID)

	res, err := h.coord.Status(ctx, req.Directory)
	if err != nil {
		return convertFailure(err)
	}

	meta := map[string]any{
		"state": res.State.String(),
	}
	text := ""
	switch res.State {
	case coordination.StateHeld:
		meta["agentId"] = res.Hold.AgentID
		meta["startedAt"] = res.Hold.StartedAt
		meta["ageHours"] = res.AgeHours()
		meta["stale"] = res.Stale
		owner := "another agent"
		if req.AgentID != "" && req.AgentID == res.Hold.AgentID {
			owner = "you"
		}
		text = fmt.Sprintf("%s is held by %s (%s) since %s", req.Directory, owner, res.Hold.AgentID, res.Hold.StartedAt.Format(time.RFC3339))
		if res.Stale {
			text += "; the hold looks stale and can be reclaimed"
		}
	case coordination.StateReleased:
		meta["completedAt"] = res.Release.CompletedAt
		meta["completedBy"] = res.Release.CompletedBy
		text = fmt.Sprintf("%s was released by %s at %s", req.Directory, res.Release.CompletedBy, res.Release.CompletedAt.Format(time.RFC3339))
	case coordination.StateConflict:
		text = fmt.Sprintf("%s has both markers present; manual repair required", req.Directory)
	default:
		text = fmt.Sprintf("%s is unclaimed", req.Directory)
	}

	h.writeJSON(w, http.StatusOK, api.ToolResponse{Text: text, Meta: meta})
	return nil
}

func (h *Handler) handleUpdateUser(w http.ResponseWriter, r *http.Request) error {
	var req api.UpdateUserRequest
	if err := h.decode(w, r, &req); err != nil {
		return err
	}
	platform, channel, message, err := validateMessageFields(req.Platform, req.Channel, req.Message)
	if err != nil {
		return err
	}
	ctx := withSuppliedRequestID(r.Context(), req.RequestID)

	if err := h.correlator.UpdateUser(ctx, platform, channel, message); err != nil {
		return httpError{Status: http.StatusBadGateway, Code: "delivery_failed", Detail: err.Error()}
	}
	h.writeJSON(w, http.StatusOK, api.ToolResponse{
		Text: fmt.Sprintf("update delivered to %s channel %s", platform, channel),
		Meta: map[string]any{"platform": string(platform), "channel": channel},
	})
	return nil
}

func (h *Handler) handleInitiateConversation(w http.ResponseWriter, r *http.Request) error {
	var req api.InitiateConversationRequest
	if err := h.decode(w, r, &req); err != nil {
		return err
	}
	platform, channel, message, err := validateMessageFields(req.Platform, req.Channel, req.Message)
	if err != nil {
		return err
	}
	if strings.TrimSpace(req.AgentID) == "" {
		return httpError{Status: http.StatusBadRequest, Code: "missing_agent_id", Detail: "agentId required"}
	}
	ctx := withSuppliedRequestID(r.Context(), req.RequestID)

	outcome, err := h.correlator.Initiate(ctx, platform, channel, message, req.AgentID)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return httpError{Status: http.StatusBadGateway, Code: "delivery_failed", Detail: err.Error()}
	}
	if outcome.TimedOut {
		// A timeout is a normal tool result, not a transport failure.
		h.writeJSON(w, http.StatusOK, api.ToolResponse{
			Text: fmt.Sprintf("no reply received before the deadline; conversation %s remains open", outcome.InitiatingID),
			Meta: map[string]any{
				"timedOut":     true,
				"initiatingId": outcome.InitiatingID,
			},
		})
		return nil
	}
	h.writeJSON(w, http.StatusOK, api.ToolResponse{
		Text: outcome.Reply.Text,
		Meta: map[string]any{
			"initiatingId": outcome.InitiatingID,
			"replyId":      outcome.Reply.ID,
			"authorId":     outcome.Reply.Author.ID,
			"createdAt":    outcome.Reply.CreatedAt,
		},
	})
	return nil
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	return nil
}

func validateMessageFields(platform, channel, message string) (msgstore.Platform, string, string, error) {
	p, err := msgstore.ParsePlatform(platform)
	if err != nil {
		return "", "", "", httpError{Status: http.StatusBadRequest, Code: "invalid_platform", Detail: err.Error()}
	}
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return "", "", "", httpError{Status: http.StatusBadRequest, Code: "missing_channel", Detail: "channel required"}
	}
	if strings.TrimSpace(message) == "" {
		return "", "", "", httpError{Status: http.StatusBadRequest, Code: "missing_message", Detail: "message required"}
	}
	return p, channel, message, nil
}

// withSuppliedRequestID prefers the id embedded in the JSON body over the
// one minted in wrap; delegating clients put the same id in both places.
func withSuppliedRequestID(ctx context.Context, supplied string) context.Context {
	if normalized, ok := requestid.Normalize(supplied); ok {
		return requestid.Set(ctx, normalized)
	}
	return ctx
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	_ = enc.Encode(payload)
}

type httpError struct {
	Status int
	Code   string
	Detail string
}

func (e httpError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return e.Code
}

// convertFailure maps transport-neutral coordination failures onto
// HTTP-aware errors.
func convertFailure(err error) error {
	var failure coordination.Failure
	if errors.As(err, &failure) {
		return httpError{Status: failure.HTTPStatus, Code: failure.Code, Detail: failure.Detail}
	}
	return err
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		logger.Trace("http.request.canceled", "error", err)
		h.writeJSON(w, http.StatusServiceUnavailable, api.ErrorResponse{Error: "request_canceled"})
		return
	}
	var httpErr httpError
	if errors.As(err, &httpErr) {
		logger.Debug("http.request.failure",
			"status", httpErr.Status,
			"code", httpErr.Code,
			"detail", httpErr.Detail,
		)
		h.writeJSON(w, httpErr.Status, api.ErrorResponse{Error: httpErr.Error()})
		return
	}
	logger.Error("http.request.internal", "error", err)
	h.writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: "internal_error"})
}
