package main

import (
	"errors"

	"github.com/srg/mdslink/internal/bluetooth"
	"github.com/srg/mdslink/pkg/memfault"
)

// FormatUserError translates typed core errors into operator-friendly
// messages; anything unrecognized passes through unchanged.
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, memfault.ErrMdsNotFound):
		return "this device does not expose the Memfault Diagnostic Service"
	case errors.Is(err, memfault.ErrUnableToReadDeviceURI):
		return "could not read the device's upload endpoint"
	case errors.Is(err, memfault.ErrUnableToReadAuthData):
		return "could not read the device's upload credential"
	case errors.Is(err, bluetooth.ErrCannotRetrievePeripheral):
		return "device is not connected"
	case errors.Is(err, bluetooth.ErrOperationInProgress):
		return "another operation is already in progress for this device"
	default:
		return err.Error()
	}
}
