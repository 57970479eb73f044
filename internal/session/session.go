package session

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/mdslink/pkg/mds"
)

// ConnectionState mirrors the transport-level connection lifecycle of one
// device.
type ConnectionState string

const (
	StateNotConnectable ConnectionState = "not_connectable"
	StateDisconnected   ConnectionState = "disconnected"
	StateConnecting     ConnectionState = "connecting"
	StateConnected      ConnectionState = "connected"
	StateDisconnecting  ConnectionState = "disconnecting"
)

// Session is the per-device mutable protocol state. Auth is valid only while
// the device is connected and is cleared on disconnect; chunk history
// persists across reconnects for the same device identity.
//
// Chunks are insertion-ordered and keyed by (sequence number, payload) so a
// wrapped sequence byte never collides with an older chunk carrying
// different bytes.
type Session struct {
	ID           string
	State        ConnectionState
	Notifying    bool
	Streaming    bool
	Auth         *mds.DeviceAuth
	DeviceSerial string // value of the device-identifier characteristic, if read

	Chunks *orderedmap.OrderedMap[string, *mds.Chunk]
}

func newSession(id string) *Session {
	return &Session{
		ID:     id,
		State:  StateDisconnected,
		Chunks: orderedmap.New[string, *mds.Chunk](),
	}
}

// Snapshot is an immutable copy of a Session handed to callers.
type Snapshot struct {
	ID           string
	State        ConnectionState
	Notifying    bool
	Streaming    bool
	Auth         *mds.DeviceAuth
	DeviceSerial string
	Chunks       []mds.Chunk // arrival order
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		ID:           s.ID,
		State:        s.State,
		Notifying:    s.Notifying,
		Streaming:    s.Streaming,
		Auth:         s.Auth,
		DeviceSerial: s.DeviceSerial,
		Chunks:       make([]mds.Chunk, 0, s.Chunks.Len()),
	}
	for pair := s.Chunks.Oldest(); pair != nil; pair = pair.Next() {
		snap.Chunks = append(snap.Chunks, *pair.Value)
	}
	return snap
}
