// Package fault defines the stable rejection codes shared by the
// validator, the store adapters, and the gateway. Dashboards render
// messages off the code alone, so codes never change once shipped.
package fault

import (
	"errors"
	"fmt"
)

// Code categorizes why a mutation was rejected or failed.
type Code string

const (
	// CodeInvalidTransition indicates the requested status change is not
	// legal from the entity's current status.
	CodeInvalidTransition Code = "INVALID_TRANSITION"

	// CodeSpaceBusy indicates a maintenance request on a space with an
	// active booking and no force override.
	CodeSpaceBusy Code = "SPACE_BUSY"

	// CodeOverlapConflict indicates a booking intersects an existing
	// upcoming or active booking on the same space.
	CodeOverlapConflict Code = "OVERLAP_CONFLICT"

	// CodeNotFound indicates the entity id is unknown to the store.
	CodeNotFound Code = "NOT_FOUND"

	// CodeStaleWrite indicates the caller's expected prior status or
	// version no longer matches the committed state.
	CodeStaleWrite Code = "STALE_WRITE"

	// CodeStoreUnavailable indicates the entity store failed after the
	// gateway exhausted its retries.
	CodeStoreUnavailable Code = "STORE_UNAVAILABLE"

	// CodeDeliveryLag indicates a subscriber asked to resume below the
	// retained event window and must perform a full resync.
	CodeDeliveryLag Code = "DELIVERY_LAG"
)

// Error is a rejection with a stable code and context fields.
type Error struct {
	Code       Code
	Message    string
	EntityType string
	EntityID   string
}

func (e *Error) Error() string {
	if e.EntityID != "" {
		return fmt.Sprintf("%s: %s (%s/%s)", e.Code, e.Message, e.EntityType, e.EntityID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New creates a fault with the given code.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// At attaches the entity the fault refers to.
func (e *Error) At(entityType, entityID string) *Error {
	e.EntityType = entityType
	e.EntityID = entityID
	return e
}

// CodeOf returns the fault code of err, or "" when err carries none.
// Uses errors.As to handle wrapped errors.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
