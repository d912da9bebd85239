package coordination

import (
	"fmt"
	"net/http"
	"strings"
)

// DefaultMaxAgentIDLength bounds agent identifiers unless configured otherwise.
const DefaultMaxAgentIDLength = 64

// AgentIDPolicy validates the identifiers agents present when claiming
// directories.
type AgentIDPolicy struct {
	// MaxLength caps the identifier length. Zero selects
	// DefaultMaxAgentIDLength.
	MaxLength int
	// RequiredPrefixes, when non-empty, is an allow-list: an agent id must
	// start with one of these prefixes.
	RequiredPrefixes []string
}

// Validate normalizes and checks id against the policy. It returns the
// trimmed identifier or a Failure with code invalid_agent_id.
func (p AgentIDPolicy) Validate(id string) (string, error) {
	max := p.MaxLength
	if max <= 0 {
		max = DefaultMaxAgentIDLength
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return "", Failure{Code: CodeInvalidAgentID, Detail: "agent id is required", HTTPStatus: http.StatusBadRequest}
	}
	if len(id) > max {
		return "", Failure{
			Code:       CodeInvalidAgentID,
			Detail:     fmt.Sprintf("agent id %q exceeds %d characters", id, max),
			HTTPStatus: http.StatusBadRequest,
		}
	}
	for _, r := range id {
		if !validAgentIDRune(r) {
			return "", Failure{
				Code:       CodeInvalidAgentID,
				Detail:     fmt.Sprintf("agent id %q contains invalid character %q (allowed: letters, digits, '.', '_', '-')", id, r),
				HTTPStatus: http.StatusBadRequest,
			}
		}
	}
	if len(p.RequiredPrefixes) > 0 && !hasAllowedPrefix(id, p.RequiredPrefixes) {
		return "", Failure{
			Code:       CodeInvalidAgentID,
			Detail:     fmt.Sprintf("agent id %q must start with one of: %s", id, strings.Join(p.RequiredPrefixes, ", ")),
			HTTPStatus: http.StatusBadRequest,
		}
	}
	return id, nil
}

func validAgentIDRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
		return true
	case r >= 'A' && r <= 'Z':
		return true
	case r >= '0' && r <= '9':
		return true
	case r == '.' || r == '_' || r == '-':
		return true
	}
	return false
}

func hasAllowedPrefix(id string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if prefix != "" && strings.HasPrefix(id, prefix) {
			return true
		}
	}
	return false
}
