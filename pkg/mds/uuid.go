package mds

import "strings"

// Memfault Diagnostic Service characteristic layout. Four fixed
// characteristics under one vendor 128-bit service UUID bootstrap the
// chunk-upload flow: two read-once credential characteristics, one
// identifier, and one notify/write data-export characteristic.
const (
	// ServiceUUID is the Memfault Diagnostic Service (MDS) UUID.
	ServiceUUID = "54220000-f6a5-4007-a371-722f4ebd8436"

	// SupportedFeaturesUUID lists optional MDS features (read-once bitmask).
	SupportedFeaturesUUID = "54220001-f6a5-4007-a371-722f4ebd8436"

	// DeviceIdentifierUUID is a read-once UTF-8 device identifier.
	DeviceIdentifierUUID = "54220002-f6a5-4007-a371-722f4ebd8436"

	// DataURIUUID holds the chunk upload endpoint as a UTF-8 absolute URL.
	DataURIUUID = "54220003-f6a5-4007-a371-722f4ebd8436"

	// AuthUUID holds the upload credential as a UTF-8 "<header>:<value>" pair.
	AuthUUID = "54220004-f6a5-4007-a371-722f4ebd8436"

	// DataExportUUID delivers chunk payloads via notifications and accepts a
	// single-byte write: 1 to enable streaming, 0 to disable.
	DataExportUUID = "54220005-f6a5-4007-a371-722f4ebd8436"
)

// Streaming control bytes written to the data-export characteristic.
const (
	StreamEnable  byte = 0x01
	StreamDisable byte = 0x00
)

// NormalizeUUID converts a UUID string to a canonical comparison form
// (lowercase, no dashes). Handles both dashed and already-normalized input.
func NormalizeUUID(uuid string) string {
	return strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
}

// EqualUUID reports whether two UUID strings refer to the same attribute,
// ignoring case and dash formatting.
func EqualUUID(a, b string) bool {
	return NormalizeUUID(a) == NormalizeUUID(b)
}
