package memfault

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/srg/mdslink/internal/bluetooth"
	"github.com/srg/mdslink/internal/groutine"
	"github.com/srg/mdslink/internal/session"
	"github.com/srg/mdslink/pkg/mds"
)

// connectAndAuthenticate drives the per-device sequence: connect, discover
// the MDS service and its characteristics, read the upload credentials,
// enable notifications, then enable streaming. Any failure emits an error
// event and unwinds through teardown.
func (m *Manager) connectAndAuthenticate(ctx context.Context, deviceID string) {
	m.registry.Mutate(deviceID, func(s *session.Session) {
		s.State = session.StateConnecting
	})

	if err := m.transport.Connect(ctx, deviceID); err != nil {
		m.fail(ctx, deviceID, err)
		return
	}

	m.registry.Mutate(deviceID, func(s *session.Session) {
		s.State = session.StateConnected
	})
	m.registry.Emit(deviceID, mds.ConnectedEvent(deviceID))

	// Open the data stream and start the chunk listener before discovery
	// completes, so no chunk notification is lost once the data-export
	// characteristic starts talking.
	stream, err := m.transport.DataStream(deviceID, mds.ServiceUUID, mds.DataExportUUID)
	if err != nil {
		m.fail(ctx, deviceID, err)
		return
	}
	groutine.Go(ctx, "chunk-listener-"+deviceID, func(ctx context.Context) {
		m.listenForNewChunks(ctx, deviceID, stream)
	})

	services, err := m.transport.DiscoverServices(ctx, deviceID, nil)
	if err != nil {
		m.fail(ctx, deviceID, err)
		return
	}
	if !containsUUID(services, mds.ServiceUUID) {
		m.fail(ctx, deviceID, ErrMdsNotFound)
		return
	}

	if _, err := m.transport.DiscoverCharacteristics(ctx, deviceID, mds.ServiceUUID, nil); err != nil {
		m.fail(ctx, deviceID, err)
		return
	}

	uriData, err := m.transport.ReadCharacteristic(ctx, deviceID, mds.ServiceUUID, mds.DataURIUUID)
	if err != nil {
		m.fail(ctx, deviceID, fmt.Errorf("%w: %v", ErrUnableToReadDeviceURI, err))
		return
	}
	uploadURL, err := mds.ParseDataURI(uriData)
	if err != nil {
		m.fail(ctx, deviceID, fmt.Errorf("%w: %v", ErrUnableToReadDeviceURI, err))
		return
	}

	authData, err := m.transport.ReadCharacteristic(ctx, deviceID, mds.ServiceUUID, mds.AuthUUID)
	if err != nil {
		m.fail(ctx, deviceID, fmt.Errorf("%w: %v", ErrUnableToReadAuthData, err))
		return
	}
	authKey, authValue, err := mds.ParseAuth(authData)
	if err != nil {
		m.fail(ctx, deviceID, fmt.Errorf("%w: %v", ErrUnableToReadAuthData, err))
		return
	}

	auth := &mds.DeviceAuth{URL: uploadURL, Key: authKey, Value: authValue}
	m.registry.Mutate(deviceID, func(s *session.Session) {
		s.Auth = auth
	})
	m.registry.Emit(deviceID, mds.AuthenticatedEvent(deviceID, auth))

	// Best-effort device identifier read; absence is tolerated.
	if serial, err := m.transport.ReadCharacteristic(ctx, deviceID, mds.ServiceUUID, mds.DeviceIdentifierUUID); err == nil && len(serial) > 0 {
		m.registry.Mutate(deviceID, func(s *session.Session) {
			s.DeviceSerial = string(serial)
		})
		m.logger.WithFields(logrus.Fields{
			"device": deviceID,
			"serial": string(serial),
		}).Debug("Read device identifier")
	}

	notifying, err := m.transport.SetNotify(ctx, deviceID, mds.ServiceUUID, mds.DataExportUUID, true)
	if err != nil {
		m.fail(ctx, deviceID, err)
		return
	}
	// The actual subscription state is stored and emitted regardless of
	// value; a platform reporting false is not a hard failure.
	m.registry.Mutate(deviceID, func(s *session.Session) {
		s.Notifying = notifying
	})
	m.registry.Emit(deviceID, mds.NotificationsEvent(deviceID, notifying))

	leftover, err := m.transport.WriteCharacteristic(ctx, deviceID, mds.ServiceUUID, mds.DataExportUUID,
		[]byte{mds.StreamEnable}, bluetooth.WriteWithResponse)
	if err != nil {
		m.fail(ctx, deviceID, err)
		return
	}
	m.registry.Mutate(deviceID, func(s *session.Session) {
		s.Streaming = true
	})
	m.registry.Emit(deviceID, mds.StreamingEvent(deviceID, true))

	// A device may answer the enable-write with its first queued chunk;
	// those leftover bytes take the same receive-and-upload path as live
	// notifications.
	if len(leftover) > 0 {
		_ = m.receiveAndUpload(ctx, deviceID, leftover)
	}
}

// listenForNewChunks is the per-connection reception loop. Uploads run
// inline: the next notification is not consumed until the current chunk's
// upload attempt finishes, so a failing uplink stalls intake instead of
// buffering unboundedly.
func (m *Manager) listenForNewChunks(ctx context.Context, deviceID string, stream <-chan bluetooth.StreamValue) {
	for value := range stream {
		if value.Err != nil {
			if errors.Is(value.Err, bluetooth.ErrUnexpectedDisconnection) {
				// The link is already gone; reflect the dead subscription
				// and stream flags before surfacing the error.
				m.registry.Mutate(deviceID, func(s *session.Session) {
					s.Notifying = false
					s.Streaming = false
				})
				m.registry.Emit(deviceID, mds.NotificationsEvent(deviceID, false))
				m.registry.Emit(deviceID, mds.StreamingEvent(deviceID, false))
			}
			m.registry.Emit(deviceID, mds.ErrorEvent(deviceID, value.Err))
			m.teardown(ctx, deviceID)
			return
		}

		if err := m.receiveAndUpload(ctx, deviceID, value.Data); err != nil {
			// The failure already emitted its events and tore the
			// connection down; stop consuming.
			return
		}
	}
}

// receiveAndUpload decodes one notification payload, records the chunk, and
// uploads it with the session's current credentials.
func (m *Manager) receiveAndUpload(ctx context.Context, deviceID string, data []byte) error {
	chunk, inserted := m.registry.AddChunk(deviceID, mds.DecodeChunk(data))
	if inserted {
		m.registry.Emit(deviceID, mds.ChunkUpdatedEvent(deviceID, chunk))
	}

	// A re-delivered chunk that already uploaded needs no second POST.
	if chunk.Status == mds.StatusSuccess {
		return nil
	}

	snap, _ := m.registry.Snapshot(deviceID)
	if snap.Auth == nil {
		// A chunk without credentials is a protocol violation; chunks
		// cannot be safely queued without them.
		m.registry.Emit(deviceID, mds.ErrorEvent(deviceID, ErrAuthDataNotFound))
		m.teardown(ctx, deviceID)
		return ErrAuthDataNotFound
	}

	return m.uploadChunk(ctx, deviceID, chunk.Key(), snap.Auth, chunk.Payload, true)
}

// uploadChunk moves one chunk through Uploading to a terminal status. In the
// automatic reception path (auto=true) an upload failure tears the
// connection down: dropping the link is deliberately preferred over
// accumulating an unsent backlog against a broken uplink.
func (m *Manager) uploadChunk(ctx context.Context, deviceID, chunkKey string, auth *mds.DeviceAuth, payload []byte, auto bool) error {
	updated, err := m.registry.SetChunkStatus(deviceID, chunkKey, mds.StatusUploading)
	if err != nil {
		return err
	}
	m.registry.Emit(deviceID, mds.ChunkUpdatedEvent(deviceID, updated))

	uploadErr := m.uploader.Upload(ctx, auth, payload)
	if uploadErr == nil {
		if updated, err = m.registry.SetChunkStatus(deviceID, chunkKey, mds.StatusSuccess); err == nil {
			m.registry.Emit(deviceID, mds.ChunkUpdatedEvent(deviceID, updated))
		}
		return nil
	}

	if updated, err = m.registry.SetChunkStatus(deviceID, chunkKey, mds.StatusErrorUploading); err == nil {
		m.registry.Emit(deviceID, mds.ChunkUpdatedEvent(deviceID, updated))
	}
	if auto {
		m.teardown(ctx, deviceID)
	}
	return uploadErr
}

// fail emits the session error, then unwinds.
func (m *Manager) fail(ctx context.Context, deviceID string, err error) {
	m.logger.WithFields(logrus.Fields{
		"device": deviceID,
		"error":  err,
	}).Error("MDS protocol step failed")
	m.registry.Emit(deviceID, mds.ErrorEvent(deviceID, err))
	m.teardown(ctx, deviceID)
}

// teardown runs the cleanup sequence exactly once per connection: the
// disable-streaming write always precedes the unsubscribe, which always
// precedes the transport disconnect, so the peripheral cannot emit a final
// notification after unsubscription. Session flags are reset regardless of
// whether each cleanup step succeeded; cleanup failures are logged, never
// retried.
func (m *Manager) teardown(ctx context.Context, deviceID string) {
	var wasStreaming, wasNotifying bool
	claimed := false
	m.registry.Mutate(deviceID, func(s *session.Session) {
		if s.State == session.StateDisconnecting || s.State == session.StateDisconnected {
			return // already idle or another teardown owns the cleanup
		}
		claimed = true
		wasStreaming = s.Streaming
		wasNotifying = s.Notifying
		s.State = session.StateDisconnecting
		// Credentials are valid only while connected; no snapshot taken
		// during cleanup may still observe them.
		s.Auth = nil
	})
	if !claimed {
		return
	}

	if wasStreaming {
		if _, err := m.transport.WriteCharacteristic(ctx, deviceID, mds.ServiceUUID, mds.DataExportUUID,
			[]byte{mds.StreamDisable}, bluetooth.WriteWithResponse); err != nil {
			m.logger.WithFields(logrus.Fields{"device": deviceID, "error": err}).Warn("Failed to disable streaming during teardown")
		}
		m.registry.Mutate(deviceID, func(s *session.Session) { s.Streaming = false })
		m.registry.Emit(deviceID, mds.StreamingEvent(deviceID, false))
	}

	if wasNotifying {
		if _, err := m.transport.SetNotify(ctx, deviceID, mds.ServiceUUID, mds.DataExportUUID, false); err != nil {
			m.logger.WithFields(logrus.Fields{"device": deviceID, "error": err}).Warn("Failed to unsubscribe during teardown")
		}
		m.registry.Mutate(deviceID, func(s *session.Session) { s.Notifying = false })
		m.registry.Emit(deviceID, mds.NotificationsEvent(deviceID, false))
	}

	if err := m.transport.Disconnect(ctx, deviceID); err != nil {
		m.logger.WithFields(logrus.Fields{"device": deviceID, "error": err}).Warn("Transport disconnect failed during teardown")
	}

	m.registry.Mutate(deviceID, func(s *session.Session) {
		s.State = session.StateDisconnected
	})
	m.registry.Emit(deviceID, mds.DisconnectedEvent(deviceID))
	m.registry.CloseEventStream(deviceID)
}

func containsUUID(uuids []string, target string) bool {
	for _, u := range uuids {
		if mds.EqualUUID(u, target) {
			return true
		}
	}
	return false
}
