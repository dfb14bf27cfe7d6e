package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/selfheal/selfheal/pkg/stores"
)

// ErrorClass tells callers whether an operation is worth repeating.
type ErrorClass string

const (
	// ErrorClassTransient covers collaborator failures such as a reasoning
	// timeout or a store I/O error. The same call may succeed later.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled means the engine has no capacity right now, for
	// example because the execution pool is shutting down.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict means another writer won a race: a workflow
	// version moved on or a signal was already claimed.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent covers everything retrying cannot fix: a missing
	// record, a workflow in the wrong state, a forbidden action.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error codes carried by EngineError.Code.
const (
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeConflict        = "CONFLICT"
	ErrCodePrecondition    = "PRECONDITION_FAILED"
	ErrCodePolicyViolation = "POLICY_VIOLATION"
	ErrCodeShuttingDown    = "SHUTTING_DOWN"
	ErrCodeInternal        = "INTERNAL_ERROR"
)

// EngineError is the error type returned by every engine operation.
// nolint:revive // the package name repeats on purpose, see api.handleError
type EngineError struct {
	Class     ErrorClass             `json:"class"`
	Message   string                 `json:"message"`
	Code      string                 `json:"code,omitempty"`
	Resource  string                 `json:"resource,omitempty"` // workflow, issue or signal ID
	Operation string                 `json:"operation,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Err       error                  `json:"-"`
}

func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)

	var ctx []string
	if e.Resource != "" {
		ctx = append(ctx, "resource="+e.Resource)
	}
	if e.Operation != "" {
		ctx = append(ctx, "operation="+e.Operation)
	}
	if len(ctx) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(ctx, ", "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *EngineError) Unwrap() error { return e.Err }

// Is matches another EngineError with the same class and code, so callers
// can compare against a template such as &EngineError{Class: ..., Code: ...}.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	return ok && e.Class == t.Class && e.Code == t.Code
}

func newError(class ErrorClass, code, message string, err error) *EngineError {
	return &EngineError{Class: class, Code: code, Message: message, Err: err}
}

// NewTransientError wraps a failure that may go away on its own.
func NewTransientError(message string, err error) *EngineError {
	return newError(ErrorClassTransient, "", message, err)
}

// NewThrottledError reports missing capacity.
func NewThrottledError(message string, err error) *EngineError {
	return newError(ErrorClassThrottled, "", message, err)
}

// NewConflictError reports a lost race on shared state.
func NewConflictError(message string, err error) *EngineError {
	return newError(ErrorClassConflict, ErrCodeConflict, message, err)
}

// NewPermanentError reports a failure that retrying cannot fix.
func NewPermanentError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, "", message, err)
}

// NewPreconditionError reports an operation invoked in the wrong state,
// such as executing a workflow that is not approved.
func NewPreconditionError(message string) *EngineError {
	return newError(ErrorClassPermanent, ErrCodePrecondition, message, nil)
}

// NewPolicyViolationError reports an attempt to auto-execute a forbidden action.
func NewPolicyViolationError(message string) *EngineError {
	return newError(ErrorClassPermanent, ErrCodePolicyViolation, message, nil)
}

func (e *EngineError) WithResource(id string) *EngineError {
	e.Resource = id
	return e
}

func (e *EngineError) WithOperation(op string) *EngineError {
	e.Operation = op
	return e
}

func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail attaches a value that the API returns alongside the message.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{}, 1)
	}
	e.Details[key] = value
	return e
}

// classifyStoreError maps store sentinels onto engine classes: not found
// is permanent, a version conflict is a conflict and anything else is
// transient. Already classified errors pass through.
func classifyStoreError(err error, operation, resource string) error {
	if err == nil {
		return nil
	}
	var ee *EngineError
	if errors.As(err, &ee) {
		return err
	}

	var out *EngineError
	switch {
	case errors.Is(err, stores.ErrNotFound):
		out = newError(ErrorClassPermanent, ErrCodeNotFound, "record not found", err)
	case errors.Is(err, stores.ErrConflict):
		out = NewConflictError("concurrent modification", err)
	default:
		out = newError(ErrorClassTransient, ErrCodeInternal, "store operation failed", err)
	}
	return out.WithOperation(operation).WithResource(resource)
}

func classOf(err error) ErrorClass {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Class
	}
	return ""
}

// IsTransient reports whether err is a transient EngineError.
func IsTransient(err error) bool { return classOf(err) == ErrorClassTransient }

// IsThrottled reports whether err is a throttled EngineError.
func IsThrottled(err error) bool { return classOf(err) == ErrorClassThrottled }

// IsConflict reports whether err is a conflict EngineError.
func IsConflict(err error) bool { return classOf(err) == ErrorClassConflict }

// IsPermanent reports whether err is a permanent EngineError.
func IsPermanent(err error) bool { return classOf(err) == ErrorClassPermanent }

// ErrorCode returns the code of an EngineError anywhere in err's chain,
// or "" when there is none.
func ErrorCode(err error) string {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}
