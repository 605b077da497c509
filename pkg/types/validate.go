package types

import (
	"regexp"
	"strings"
)

var agentNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Field length constraints
const (
	MaxNameLength   = 128
	MaxOwnerLength  = 128
	MaxReasonLength = 500
)

// ValidationError reports a single invalid request field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// ValidationErrors aggregates per-field validation failures.
type ValidationErrors []*ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, v := range e {
		msgs[i] = v.Error()
	}
	return strings.Join(msgs, "; ")
}

// OrNil returns nil when no errors were collected, so callers can write
// `return errs.OrNil()`.
func (e ValidationErrors) OrNil() error {
	if len(e) == 0 {
		return nil
	}
	return e
}

// ValidateAgentName checks the name pattern and length constraints.
func ValidateAgentName(name string) *ValidationError {
	if name == "" {
		return &ValidationError{Field: "name", Message: "name is required"}
	}
	if len(name) > MaxNameLength {
		return &ValidationError{Field: "name", Message: "name exceeds maximum length"}
	}
	if !agentNamePattern.MatchString(name) {
		return &ValidationError{Field: "name", Message: "name must match ^[A-Za-z0-9_-]+$"}
	}
	return nil
}

// ValidateOwner checks the owner length constraints.
func ValidateOwner(owner string) *ValidationError {
	if owner == "" {
		return &ValidationError{Field: "owner", Message: "owner is required"}
	}
	if len(owner) > MaxOwnerLength {
		return &ValidationError{Field: "owner", Message: "owner exceeds maximum length"}
	}
	return nil
}

// ValidateAgentType checks membership in the agent type enum.
func ValidateAgentType(t string) *ValidationError {
	if !IsValidAgentType(t) {
		return &ValidationError{Field: "agent_type", Message: "agent_type must be one of llm, tool, orchestrator, custom"}
	}
	return nil
}

// ValidateCapabilityName checks capability name constraints. Names are
// free-form up to the length cap; "resource:verb" is convention, not enforced.
func ValidateCapabilityName(name string) *ValidationError {
	if name == "" {
		return &ValidationError{Field: "name", Message: "name is required"}
	}
	if len(name) > MaxNameLength {
		return &ValidationError{Field: "name", Message: "name exceeds maximum length"}
	}
	return nil
}
