package memfault

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/srg/mdslink/internal/bluetooth"
	"github.com/srg/mdslink/internal/groutine"
	"github.com/srg/mdslink/internal/session"
	"github.com/srg/mdslink/pkg/mds"
)

// Uploader posts one chunk payload to the device's cloud endpoint.
type Uploader interface {
	Upload(ctx context.Context, auth *mds.DeviceAuth, payload []byte) error
}

// Manager drives the MDS protocol for any number of devices concurrently:
// connect, discover, authenticate, enable streaming, receive chunks, upload
// each one, and tear the connection down on any failure. Each device's state
// machine runs independently and never blocks another device's.
//
// All error visibility goes through the per-device event stream returned by
// Connect; there is no separate synchronous error return from Connect or
// Disconnect.
type Manager struct {
	transport bluetooth.Transport
	uploader  Uploader
	registry  *session.Registry
	logger    *logrus.Logger
}

// New creates a Manager on top of a Transport and an Uploader. The transport
// owns the radio; the manager only ever refers to devices by identity.
func New(transport bluetooth.Transport, uploader Uploader, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		transport: transport,
		uploader:  uploader,
		registry:  session.NewRegistry(),
		logger:    logger,
	}
}

// Connect opens the device's event stream and starts the connect-and-
// authenticate sequence in the background. The returned channel yields every
// session event until it is closed after the final disconnected event.
// Opening a stream replaces any previous subscriber for the same device.
func (m *Manager) Connect(ctx context.Context, deviceID string) <-chan mds.DeviceEvent {
	m.registry.Ensure(deviceID)
	stream := m.registry.OpenEventStream(deviceID)

	groutine.Go(ctx, "mds-connect-"+deviceID, func(ctx context.Context) {
		m.connectAndAuthenticate(ctx, deviceID)
	})

	return stream
}

// Disconnect runs the orderly teardown sequence: disable streaming, disable
// notifications, then drop the transport connection. Calling it for a device
// that is already idle is a safe no-op with no duplicate events.
func (m *Manager) Disconnect(ctx context.Context, deviceID string) {
	m.teardown(ctx, deviceID)
}

// UploadManually retries one ErrorUploading chunk. It is allowed only while
// the session still holds credentials (i.e. is still connected); otherwise
// it fails with CannotRetrievePeripheral. Unlike the automatic reception
// path, a manual retry failure surfaces only as a chunk status change and
// never tears the connection down.
func (m *Manager) UploadManually(ctx context.Context, deviceID string, chunk mds.Chunk) error {
	snap, ok := m.registry.Snapshot(deviceID)
	if !ok || snap.Auth == nil {
		return bluetooth.NotFound(bluetooth.CannotRetrievePeripheral, deviceID)
	}

	stored, ok := m.registry.Chunk(deviceID, chunk.Key())
	if !ok {
		return bluetooth.NotFound(bluetooth.CannotRetrievePeripheral, deviceID)
	}

	return m.uploadChunk(ctx, deviceID, stored.Key(), snap.Auth, stored.Payload, false)
}

// Device returns the current session snapshot for a device.
func (m *Manager) Device(deviceID string) (session.Snapshot, bool) {
	return m.registry.Snapshot(deviceID)
}
