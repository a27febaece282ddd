package models

// ErrorKind classifies execution failures for callers and observers.
// Kinds, not Go types: the same kind may originate from several components.
type ErrorKind string

const (
	ErrKindConfig          ErrorKind = "config_error"
	ErrKindValidation      ErrorKind = "validation_error"
	ErrKindTimeout         ErrorKind = "timeout"
	ErrKindTool            ErrorKind = "tool_error"
	ErrKindModel           ErrorKind = "model_error"
	ErrKindApprovalTimeout ErrorKind = "approval_timeout"
	ErrKindDelegationDepth ErrorKind = "delegation_depth_exceeded"
	ErrKindBudgetExceeded  ErrorKind = "budget_exceeded"
	ErrKindCancelled       ErrorKind = "cancelled"
	ErrKindProvider        ErrorKind = "provider_unavailable"
)

// ExecutionError is the structured failure carried in a terminal result.
// Partial indicates that some assistant content was produced before the
// failure and is available to the caller.
type ExecutionError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Partial bool      `json:"partial"`
}

func (e *ExecutionError) Error() string {
	return string(e.Kind) + ": " + e.Message
}
