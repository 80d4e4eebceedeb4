package humanfn

import (
	stderrors "errors"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeValidation         = "HUMANFN_VALIDATION_FAILED"
	ErrCodeNotFound           = "HUMANFN_EXECUTION_NOT_FOUND"
	ErrCodeFunctionNotFound   = "HUMANFN_FUNCTION_NOT_FOUND"
	ErrCodeNoEscalationTarget = "HUMANFN_NO_ESCALATION_TARGET"
	ErrCodeInvalidTransition  = "HUMANFN_INVALID_TRANSITION"
	ErrCodeVersionConflict    = "HUMANFN_VERSION_CONFLICT"
	ErrCodePersistence        = "HUMANFN_PERSISTENCE_FAILED"
	ErrCodeHookFailed         = "HUMANFN_HOOK_FAILED"
	ErrCodeInvalidDefinition  = "HUMANFN_INVALID_DEFINITION"
	ErrCodeSchedulingFailed   = "HUMANFN_SCHEDULING_FAILED"
	ErrCodeDuplicateExecution = "HUMANFN_DUPLICATE_EXECUTION"
	ErrCodeSubscriberRejected = "HUMANFN_SUBSCRIBER_REJECTED"
)

var (
	ErrValidation = apperrors.New("validation failed", apperrors.CategoryValidation).
			WithTextCode(ErrCodeValidation)
	ErrNotFound = apperrors.New("execution not found", apperrors.CategoryBadInput).
			WithTextCode(ErrCodeNotFound)
	ErrFunctionNotFound = apperrors.New("function not found", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeFunctionNotFound)
	ErrNoEscalationTarget = apperrors.New("no escalation target", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeNoEscalationTarget)
	ErrInvalidTransition = apperrors.New("invalid transition", apperrors.CategoryConflict).
				WithTextCode(ErrCodeInvalidTransition)
	ErrVersionConflict = apperrors.New("version conflict", apperrors.CategoryConflict).
				WithTextCode(ErrCodeVersionConflict)
	ErrPersistence = apperrors.New("persistence failed", apperrors.CategoryExternal).
			WithTextCode(ErrCodePersistence)
	ErrHookFailed = apperrors.New("lifecycle hook failed", apperrors.CategoryHandler).
			WithTextCode(ErrCodeHookFailed)
	ErrInvalidDefinition = apperrors.New("invalid function definition", apperrors.CategoryValidation).
				WithTextCode(ErrCodeInvalidDefinition)
	ErrSchedulingFailed = apperrors.New("wake-up scheduling failed", apperrors.CategoryExternal).
				WithTextCode(ErrCodeSchedulingFailed)
	ErrDuplicateExecution = apperrors.New("execution already exists", apperrors.CategoryConflict).
				WithTextCode(ErrCodeDuplicateExecution)
	ErrSubscriberRejected = apperrors.New("subscriber rejected", apperrors.CategoryExternal).
				WithTextCode(ErrCodeSubscriberRejected)
)

// NewError clones a sentinel with a message, a source error and metadata.
func NewError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	if base == nil {
		base = ErrValidation
	}
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// ErrorCode returns the text code carried by err, or "".
func ErrorCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// IsValidation reports input or output schema failures.
func IsValidation(err error) bool {
	switch ErrorCode(err) {
	case ErrCodeValidation, ErrCodeInvalidDefinition:
		return true
	default:
		return false
	}
}

// IsNotFound reports unknown executions or functions.
func IsNotFound(err error) bool {
	switch ErrorCode(err) {
	case ErrCodeNotFound, ErrCodeFunctionNotFound:
		return true
	default:
		return false
	}
}

// IsPolicyRejection reports operations refused by retry/escalation policy
// or by the state machine.
func IsPolicyRejection(err error) bool {
	switch ErrorCode(err) {
	case ErrCodeNoEscalationTarget, ErrCodeInvalidTransition, ErrCodeDuplicateExecution:
		return true
	default:
		return false
	}
}

// IsConflict reports optimistic-lock failures.
func IsConflict(err error) bool {
	return ErrorCode(err) == ErrCodeVersionConflict
}
