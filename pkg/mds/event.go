package mds

import "fmt"

// EventKind discriminates device session events.
type EventKind string

const (
	EventConnected     EventKind = "connected"
	EventDisconnected  EventKind = "disconnected"
	EventNotifications EventKind = "notifications"
	EventStreaming     EventKind = "streaming"
	EventAuthenticated EventKind = "authenticated"
	EventChunkUpdated  EventKind = "chunk_updated"
	EventError         EventKind = "error"
)

// DeviceEvent is one entry on a device's session event stream. The stream is
// the single channel for all lifecycle, chunk-status, and error visibility;
// callers never get a separate synchronous error return from connect or
// disconnect.
type DeviceEvent struct {
	Device string
	Kind   EventKind

	// Enabled is set for notifications/streaming events.
	Enabled bool
	// Auth is set for authenticated events.
	Auth *DeviceAuth
	// Chunk is a snapshot of the chunk (including its status) for
	// chunk-updated events.
	Chunk *Chunk
	// Err is set for error events.
	Err error
}

func ConnectedEvent(device string) DeviceEvent {
	return DeviceEvent{Device: device, Kind: EventConnected}
}

func DisconnectedEvent(device string) DeviceEvent {
	return DeviceEvent{Device: device, Kind: EventDisconnected}
}

func NotificationsEvent(device string, enabled bool) DeviceEvent {
	return DeviceEvent{Device: device, Kind: EventNotifications, Enabled: enabled}
}

func StreamingEvent(device string, enabled bool) DeviceEvent {
	return DeviceEvent{Device: device, Kind: EventStreaming, Enabled: enabled}
}

func AuthenticatedEvent(device string, auth *DeviceAuth) DeviceEvent {
	return DeviceEvent{Device: device, Kind: EventAuthenticated, Auth: auth}
}

func ChunkUpdatedEvent(device string, chunk Chunk) DeviceEvent {
	return DeviceEvent{Device: device, Kind: EventChunkUpdated, Chunk: &chunk}
}

func ErrorEvent(device string, err error) DeviceEvent {
	return DeviceEvent{Device: device, Kind: EventError, Err: err}
}

// String renders the event for logs and CLI output.
func (e DeviceEvent) String() string {
	switch e.Kind {
	case EventNotifications, EventStreaming:
		state := "disabled"
		if e.Enabled {
			state = "enabled"
		}
		return fmt.Sprintf("%s(%s)", e.Kind, state)
	case EventAuthenticated:
		if e.Auth != nil {
			return fmt.Sprintf("authenticated(%s)", e.Auth.URL)
		}
		return "authenticated"
	case EventChunkUpdated:
		if e.Chunk != nil {
			return fmt.Sprintf("chunk_updated(seq=%d, %s)", e.Chunk.SequenceNumber, e.Chunk.Status)
		}
		return "chunk_updated"
	case EventError:
		return fmt.Sprintf("error(%v)", e.Err)
	default:
		return string(e.Kind)
	}
}
