package bluetooth

import (
	"errors"
	"fmt"
)

// FailureKind represents the specific kind of transport failure.
type FailureKind string

const (
	// CannotRetrievePeripheral: the device identity does not resolve to a
	// connected (or retrievable) peripheral.
	CannotRetrievePeripheral FailureKind = "cannot_retrieve_peripheral"
	// CannotRetrieveService: the service is absent from the discovered set.
	CannotRetrieveService FailureKind = "cannot_retrieve_service"
	// CannotRetrieveCharacteristic: the characteristic is absent from the
	// discovered set of its service.
	CannotRetrieveCharacteristic FailureKind = "cannot_retrieve_characteristic"
	// OperationInProgress: a request/response operation is already
	// outstanding for this device. Callers must serialize, not queue.
	OperationInProgress FailureKind = "operation_in_progress"
	// UnexpectedDisconnection: the peripheral dropped the link while
	// operations or streams were still active.
	UnexpectedDisconnection FailureKind = "unexpected_disconnection"
	// PlatformFailure wraps an opaque error reported by the underlying
	// BLE stack.
	PlatformFailure FailureKind = "platform_error"
)

// TransportError is the small typed error set callers branch on. All local
// failures (unresolvable peripheral/service/characteristic, busy device) are
// detected without a radio round-trip; platform-reported failures are wrapped
// uniformly with their description.
type TransportError struct {
	Kind      FailureKind
	Attribute string // offending device/service/characteristic, if any
	Msg       string
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e == nil {
		return "<nil>"
	}
	s := string(e.Kind)
	if e.Attribute != "" {
		s = fmt.Sprintf("%s: %q", s, e.Attribute)
	}
	if e.Msg != "" {
		s = fmt.Sprintf("%s: %s", s, e.Msg)
	}
	return s
}

// Is allows errors.Is to compare TransportError values by Kind.
func (e *TransportError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*TransportError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors for errors.Is comparisons.
var (
	ErrCannotRetrievePeripheral     = &TransportError{Kind: CannotRetrievePeripheral}
	ErrCannotRetrieveService        = &TransportError{Kind: CannotRetrieveService}
	ErrCannotRetrieveCharacteristic = &TransportError{Kind: CannotRetrieveCharacteristic}
	ErrOperationInProgress          = &TransportError{Kind: OperationInProgress}
	ErrUnexpectedDisconnection      = &TransportError{Kind: UnexpectedDisconnection}
	ErrPlatform                     = &TransportError{Kind: PlatformFailure}
)

// NotFound builds a typed not-found error for the given attribute.
func NotFound(kind FailureKind, attribute string) error {
	return &TransportError{Kind: kind, Attribute: attribute}
}

// WrapPlatform wraps an underlying BLE stack error so callers only branch on
// the typed error set. Returns nil for nil input.
func WrapPlatform(err error) error {
	if err == nil {
		return nil
	}
	var terr *TransportError
	if errors.As(err, &terr) {
		return err // already typed, don't double-wrap
	}
	return &TransportError{Kind: PlatformFailure, Msg: err.Error()}
}
