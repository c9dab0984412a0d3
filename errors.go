package hostagent

import "fmt"

type ErrorCode string

const (
	CodeValidation             ErrorCode = "ValidationError"
	CodeResourceUnavailable    ErrorCode = "ResourceUnavailable"
	CodeProvisioningFailure    ErrorCode = "ProvisioningFailure"
	CodeTerminationFailure     ErrorCode = "TerminationFailure"
	CodeTransientCommunication ErrorCode = "TransientCommunicationError"
	CodePersistence            ErrorCode = "PersistenceError"
	CodeUnsupportedCommand     ErrorCode = "UnsupportedCommand"
	CodeInvalidTransition      ErrorCode = "InvalidStateTransition"
	CodeNotFound               ErrorCode = "NotFound"
)

// Error is the structured failure every operation reports. Code drives
// caller behavior; Message is the human-readable contract.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func CodeOf(err error) ErrorCode {
	if agentErr, ok := err.(*Error); ok {
		return agentErr.Code
	}
	return ""
}

var (
	ErrRentalNotFound      = &Error{Code: CodeNotFound, Message: "rental not found"}
	ErrGPUNotFound         = &Error{Code: CodeNotFound, Message: "gpu not found"}
	ErrGPUAlreadyAllocated = &Error{Code: CodeResourceUnavailable, Message: "gpu is already allocated"}
	ErrNoMatchingGPU       = &Error{Code: CodeResourceUnavailable, Message: "no free gpu matches the requested type"}
	ErrInvalidTransition   = &Error{Code: CodeInvalidTransition, Message: "invalid rental state transition"}
)
