package bluetooth

import "context"

// Advertisement is one discovery record produced while scanning. The radio
// does not dedupe; the same device yields repeated records and consumers
// merge them by ID.
type Advertisement struct {
	ID          string
	Name        string
	RSSI        int
	Connectable bool
	Services    []string
}

// StreamValue is one delivery on a characteristic data stream. Exactly one of
// Data or Err is meaningful; a stream that fails delivers a final value with
// Err set and is then closed.
type StreamValue struct {
	Data []byte
	Err  error
}

// WriteMode selects between write-with-response and fire-and-forget writes.
type WriteMode int

const (
	WriteWithResponse WriteMode = iota
	WriteWithoutResponse
)

// Transport owns the radio and exposes the per-device request/response
// operations plus long-lived characteristic data streams. All operations are
// keyed by the opaque device identity string; the platform's native
// connection handle never leaves this layer.
//
// At most one request/response operation may be outstanding per device at any
// time; a second concurrent call fails immediately with ErrOperationInProgress
// rather than queuing. Data streams are exempt from that guard and may run
// concurrently with request/response operations.
type Transport interface {
	// Connect establishes a connection to the peripheral with the given
	// identity.
	Connect(ctx context.Context, deviceID string) error

	// DiscoverServices discovers services, optionally filtered by UUID.
	// Returns the discovered service UUIDs.
	DiscoverServices(ctx context.Context, deviceID string, serviceUUIDs []string) ([]string, error)

	// DiscoverCharacteristics discovers characteristics of an
	// already-discovered service, optionally filtered by UUID. Returns the
	// discovered characteristic UUIDs.
	DiscoverCharacteristics(ctx context.Context, deviceID, serviceUUID string, characteristicUUIDs []string) ([]string, error)

	// ReadCharacteristic reads the current value of a characteristic.
	ReadCharacteristic(ctx context.Context, deviceID, serviceUUID, characteristicUUID string) ([]byte, error)

	// WriteCharacteristic writes data to a characteristic. In
	// WriteWithResponse mode any synchronously-correlated response bytes are
	// returned; fire-and-forget mode returns nothing.
	WriteCharacteristic(ctx context.Context, deviceID, serviceUUID, characteristicUUID string, data []byte, mode WriteMode) ([]byte, error)

	// SetNotify toggles the notification subscription on a characteristic
	// and returns the actual resulting subscription state.
	SetNotify(ctx context.Context, deviceID, serviceUUID, characteristicUUID string, enabled bool) (bool, error)

	// DataStream returns a long-lived stream of characteristic updates. The
	// channel is closed when the device disconnects; if the link drops
	// unexpectedly a final StreamValue with Err set is delivered first. The
	// stream never restarts itself.
	DataStream(deviceID, serviceUUID, characteristicUUID string) (<-chan StreamValue, error)

	// Disconnect tears down the connection. All open data streams for the
	// device are completed (closed without error) and the device leaves the
	// connected set.
	Disconnect(ctx context.Context, deviceID string) error
}

// ScanTransport is the discovery half of the radio: it delivers raw
// advertisement records while ctx is live.
type ScanTransport interface {
	Scan(ctx context.Context, allowDuplicates bool, handler func(Advertisement)) error
}
