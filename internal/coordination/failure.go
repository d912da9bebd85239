package coordination

import "fmt"

// Failure carries transport-neutral error details the HTTP adapter and CLI
// map onto their own surfaces.
type Failure struct {
	Code       string
	Detail     string
	HTTPStatus int
}

func (f Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return f.Code
}

// Stable failure codes returned by the coordination service.
const (
	CodeDirectoryNotFound = "directory_not_found"
	CodePermissionDenied  = "permission_denied"
	CodeIOFailure         = "io_failure"
	CodeInvalidAgentID    = "invalid_agent_id"
	CodeNotHeld           = "not_held"
	CodeAgentMismatch     = "agent_mismatch"
	CodeConflictInUse     = "conflict_in_use"
	CodeInvalidState      = "invalid_state"
)
