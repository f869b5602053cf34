package orders

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidTransition = errors.New("invalid order status transition")
	ErrOrderNotFound     = errors.New("order not found")
)

const (
	CodeEmptyOrder        = "empty_order"
	CodeMissingClientID   = "missing_client_order_id"
	CodeInvalidQuantity   = "invalid_quantity"
	CodeInvalidPrice      = "invalid_price"
	CodeProductNotFound   = "product_not_found"
	CodeProductInactive   = "product_inactive"
	CodeInsufficientStock = "insufficient_stock"
	CodeDuplicateOrder    = "duplicate_order"
	CodeOrderNotFound     = "order_not_found"
	CodeInvalidStatus     = "invalid_status"
	CodeInvalidTransition = "invalid_transition"
)

// ValidationError is returned for input the order service refuses. Err, when
// set, is one of the package sentinels.
type ValidationError struct {
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(code string, message string, details map[string]any) *ValidationError {
	return &ValidationError{Code: code, Message: message, Details: details}
}

// AsValidation unwraps err into a *ValidationError.
func AsValidation(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
