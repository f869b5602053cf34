package devicesync

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a call-level failure. Handlers render it with Status and Code;
// Reason is the stable machine-readable cause.
type Error struct {
	Status  int
	Code    string
	Reason  string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s): %s", e.Reason, e.Code, e.Message)
}

func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func errBadRequest(reason string, format string, args ...any) *Error {
	return &Error{Status: http.StatusBadRequest, Code: "INVALID_ARGUMENT", Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func errUnauthenticated(reason string, message string) *Error {
	return &Error{Status: http.StatusUnauthorized, Code: "UNAUTHENTICATED", Reason: reason, Message: message}
}

func errForbidden(reason string, message string) *Error {
	return &Error{Status: http.StatusForbidden, Code: "FORBIDDEN", Reason: reason, Message: message}
}

func errNotFound(reason string, message string) *Error {
	return &Error{Status: http.StatusNotFound, Code: "NOT_FOUND", Reason: reason, Message: message}
}

func errConflict(reason string, message string) *Error {
	return &Error{Status: http.StatusConflict, Code: "CONFLICT", Reason: reason, Message: message}
}

// Call-level reasons.
const (
	ReasonMissingHeader      = "missing_header"
	ReasonInvalidHeader      = "invalid_header"
	ReasonDeviceNotFound     = "device_not_found"
	ReasonDeviceDisabled     = "device_disabled"
	ReasonNoActiveKey        = "no_active_key"
	ReasonStaleTimestamp     = "stale_timestamp"
	ReasonBadSignature       = "bad_signature"
	ReasonInvalidBody        = "invalid_body"
	ReasonBatchTooLarge      = "batch_too_large"
	ReasonBranchNotFound     = "branch_not_found"
	ReasonBranchInactive     = "branch_inactive"
	ReasonForbidden          = "forbidden"
	ReasonInvalidRequest     = "invalid_request"
	ReasonTerminalTaken      = "terminal_code_taken"
	ReasonDeviceOtherBranch  = "device_registered_elsewhere"
	ReasonRegisterInProgress = "registration_in_progress"
	ReasonConflictNotFound   = "conflict_not_found"
	ReasonConflictClosed     = "conflict_closed"
	ReasonInvalidAction      = "invalid_action"
	ReasonInvalidResolution  = "invalid_resolution"
	ReasonProductNotFound    = "product_not_found"
)
