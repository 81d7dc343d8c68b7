// Package corerr defines the core's error kinds (§7 of the design doc):
// AgentUnavailable, OracleUnavailable, PermissionDenied, InvalidConfig,
// and MissingBinding, each as a typed error supporting errors.Is/As.
package corerr

import (
	"errors"
	"fmt"
)

// Sentinel errors for errors.Is matching against the typed kinds below.
var (
	ErrAgentUnavailable = &AgentUnavailableError{}
	ErrOracleUnavailable = &OracleUnavailableError{}
	ErrPermissionDenied  = &PermissionDeniedError{}
	ErrInvalidConfig     = &InvalidConfigError{}
	ErrMissingBinding    = &MissingBindingError{}
)

// AgentUnavailableError means the Gateway rejected or timed out a call to
// a specific agent.
type AgentUnavailableError struct {
	AgentID string
	Cause   error
}

func (e *AgentUnavailableError) Error() string {
	if e.AgentID == "" {
		return "corerr: agent unavailable"
	}
	if e.Cause != nil {
		return fmt.Sprintf("corerr: agent %s unavailable: %v", e.AgentID, e.Cause)
	}
	return fmt.Sprintf("corerr: agent %s unavailable", e.AgentID)
}

func (e *AgentUnavailableError) Unwrap() error { return e.Cause }
func (e *AgentUnavailableError) Is(target error) bool {
	_, ok := target.(*AgentUnavailableError)
	return ok
}

// AgentUnavailable constructs an AgentUnavailableError.
func AgentUnavailable(agentID string, cause error) error {
	return &AgentUnavailableError{AgentID: agentID, Cause: cause}
}

// OracleUnavailableError means the oracle transport failed and no cached
// verdict within TTL could stand in for it.
type OracleUnavailableError struct {
	ChildID string
	Cause   error
}

func (e *OracleUnavailableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("corerr: oracle unavailable for child %s: %v", e.ChildID, e.Cause)
	}
	return fmt.Sprintf("corerr: oracle unavailable for child %s", e.ChildID)
}

func (e *OracleUnavailableError) Unwrap() error { return e.Cause }
func (e *OracleUnavailableError) Is(target error) bool {
	_, ok := target.(*OracleUnavailableError)
	return ok
}

// OracleUnavailable constructs an OracleUnavailableError.
func OracleUnavailable(childID string, cause error) error {
	return &OracleUnavailableError{ChildID: childID, Cause: cause}
}

// PermissionDeniedError means an agent action was rejected by the host.
type PermissionDeniedError struct {
	AgentID string
	Action  string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("corerr: permission denied for action %s on agent %s", e.Action, e.AgentID)
}

func (e *PermissionDeniedError) Is(target error) bool {
	_, ok := target.(*PermissionDeniedError)
	return ok
}

// PermissionDenied constructs a PermissionDeniedError.
func PermissionDenied(agentID, action string) error {
	return &PermissionDeniedError{AgentID: agentID, Action: action}
}

// InvalidConfigError rejects a Control API command without mutating state.
type InvalidConfigError struct {
	Field   string
	Message string
}

func (e *InvalidConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("corerr: invalid config: %s", e.Message)
	}
	return fmt.Sprintf("corerr: invalid config field %s: %s", e.Field, e.Message)
}

func (e *InvalidConfigError) Is(target error) bool {
	_, ok := target.(*InvalidConfigError)
	return ok
}

// InvalidConfig constructs an InvalidConfigError.
func InvalidConfig(field, message string) error {
	return &InvalidConfigError{Field: field, Message: message}
}

// MissingBindingError marks telemetry for an agent with no bound child:
// counted toward online/hostname tracking only, never toward enforcement.
type MissingBindingError struct {
	AgentID string
}

func (e *MissingBindingError) Error() string {
	return fmt.Sprintf("corerr: agent %s has no bound child", e.AgentID)
}

func (e *MissingBindingError) Is(target error) bool {
	_, ok := target.(*MissingBindingError)
	return ok
}

// MissingBinding constructs a MissingBindingError.
func MissingBinding(agentID string) error {
	return &MissingBindingError{AgentID: agentID}
}

// IsMissingBinding is a convenience wrapper around errors.Is.
func IsMissingBinding(err error) bool {
	return errors.Is(err, ErrMissingBinding)
}
