// Package api defines the JSON wire types shared by the beep-boop HTTP
// listener and its clients.
package api

// CheckStatusRequest models the JSON payload for POST /mcp/check_status.
type CheckStatusRequest struct {
	// Directory is the absolute or relative path of the coordinated directory.
	Directory string `json:"directory"`
	// AgentID optionally names the caller so the response can say whether
	// the hold belongs to them.
	AgentID string `json:"agentId,omitempty"`
	// RequestID correlates the request across logs and downstream calls.
	RequestID string `json:"requestId,omitempty"`
}

// UpdateUserRequest models the JSON payload for POST /mcp/update_user.
type UpdateUserRequest struct {
	// Platform selects the chat platform ("slack" or "discord").
	Platform string `json:"platform"`
	// Channel is the platform channel identifier to post into.
	Channel string `json:"channel"`
	// Message is the text to deliver.
	Message string `json:"message"`
	// RequestID correlates the request across logs and downstream calls.
	RequestID string `json:"requestId,omitempty"`
}

// InitiateConversationRequest models the JSON payload for
// POST /mcp/initiate_conversation.
type InitiateConversationRequest struct {
	// Platform selects the chat platform ("slack" or "discord").
	Platform string `json:"platform"`
	// Channel is the platform channel identifier to post into.
	Channel string `json:"channel"`
	// Message is the conversation-opening text.
	Message string `json:"message"`
	// AgentID identifies the initiating agent; replies it authors itself
	// never qualify as answers.
	AgentID string `json:"agentId"`
	// RequestID correlates the request across logs and downstream calls.
	RequestID string `json:"requestId,omitempty"`
}

// ToolResponse is the success envelope returned by every /mcp route.
type ToolResponse struct {
	// Text is the human-readable result.
	Text string `json:"text"`
	// Meta carries structured result fields alongside the text.
	Meta map[string]any `json:"meta,omitempty"`
}

// ErrorResponse is the failure envelope returned with non-2xx statuses.
type ErrorResponse struct {
	// Error is the machine-readable failure code, optionally followed by
	// ": detail".
	Error string `json:"error"`
}
