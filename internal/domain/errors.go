package domain

import (
	"errors"
	"fmt"
)

// Category sentinels shared by every subsystem.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrRateLimit    = fmt.Errorf("rate limit exceeded")
)

// Session error taxonomy. These are surfaced verbatim to the orchestrator as
// the message of a terminal event.
var (
	ErrConfiguration       = fmt.Errorf("configuration error")
	ErrRemoteProfile       = fmt.Errorf("remote profile error")
	ErrTransport           = fmt.Errorf("debugger transport error")
	ErrInjection           = fmt.Errorf("credential injection error")
	ErrVerificationTimeout = fmt.Errorf("verification timed out")
	ErrAbortedByUser       = fmt.Errorf("aborted by user")
)

// Profile service errors.
var (
	ErrStrategiesExhausted = fmt.Errorf("all strategies failed")
	ErrServiceRejected     = fmt.Errorf("profile service rejected request")
	ErrServiceUnavailable  = fmt.Errorf("profile service unavailable")
)

// Pipeline / stream errors.
var (
	ErrStreamIncomplete = fmt.Errorf("stream ended without a result")
	ErrPipelineStatus   = fmt.Errorf("pipeline returned non-success status")
	ErrURLBlocked       = fmt.Errorf("url not allowed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Machine.Run")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "morelogin", "verify")
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrServiceUnavailable) || errors.Is(err, ErrTimeout)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown             ErrorCode = "UNKNOWN"
	CodeNotFound            ErrorCode = "NOT_FOUND"
	CodeTimeout             ErrorCode = "TIMEOUT"
	CodeInvalidInput        ErrorCode = "INVALID_INPUT"
	CodeRateLimit           ErrorCode = "RATE_LIMIT"
	CodeConfiguration       ErrorCode = "CONFIGURATION"
	CodeRemoteProfile       ErrorCode = "REMOTE_PROFILE"
	CodeTransport           ErrorCode = "TRANSPORT"
	CodeInjection           ErrorCode = "INJECTION"
	CodeVerificationTimeout ErrorCode = "VERIFICATION_TIMEOUT"
	CodeAborted             ErrorCode = "ABORTED"
	CodeStrategiesExhausted ErrorCode = "STRATEGIES_EXHAUSTED"
	CodeServiceRejected     ErrorCode = "SERVICE_REJECTED"
	CodeServiceUnavailable  ErrorCode = "SERVICE_UNAVAILABLE"
	CodeStreamIncomplete    ErrorCode = "STREAM_INCOMPLETE"
	CodePipelineStatus      ErrorCode = "PIPELINE_STATUS"
	CodeURLBlocked          ErrorCode = "URL_BLOCKED"

	// Subsystem-specific codes resolved through subSystemCodeMap.
	CodeProfileNotFound ErrorCode = "PROFILE_NOT_FOUND"
	CodeBrowserTimeout  ErrorCode = "BROWSER_TIMEOUT"
)

// errorCodes is ordered so that the most specific taxonomy entries win when
// an error chain wraps several sentinels.
var errorCodes = []struct {
	err  error
	code ErrorCode
}{
	{ErrAbortedByUser, CodeAborted},
	{ErrConfiguration, CodeConfiguration},
	{ErrRemoteProfile, CodeRemoteProfile},
	{ErrTransport, CodeTransport},
	{ErrInjection, CodeInjection},
	{ErrVerificationTimeout, CodeVerificationTimeout},
	{ErrStrategiesExhausted, CodeStrategiesExhausted},
	{ErrServiceRejected, CodeServiceRejected},
	{ErrServiceUnavailable, CodeServiceUnavailable},
	{ErrStreamIncomplete, CodeStreamIncomplete},
	{ErrPipelineStatus, CodePipelineStatus},
	{ErrURLBlocked, CodeURLBlocked},
	{ErrNotFound, CodeNotFound},
	{ErrTimeout, CodeTimeout},
	{ErrInvalidInput, CodeInvalidInput},
	{ErrRateLimit, CodeRateLimit},
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"morelogin": CodeProfileNotFound,
	},
	ErrTimeout: {
		"browser": CodeBrowserTimeout,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// DomainErrors carrying a SubSystem are checked against subSystemCodeMap first.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	var de *DomainError
	if errors.As(err, &de) && de.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[de.Err]; ok {
			if code, ok := subsysMap[de.SubSystem]; ok {
				return code
			}
		}
	}

	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e)
}
