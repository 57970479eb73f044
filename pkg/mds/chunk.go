package mds

import (
	"encoding/hex"
	"fmt"
	"time"
)

// ChunkStatus tracks a chunk through its upload lifecycle.
type ChunkStatus string

const (
	StatusReady          ChunkStatus = "ready"
	StatusUploading      ChunkStatus = "uploading"
	StatusSuccess        ChunkStatus = "success"
	StatusErrorUploading ChunkStatus = "error_uploading"
)

// EmptySequenceNumber is the sentinel sequence number assigned to a chunk
// decoded from an empty notification payload.
const EmptySequenceNumber byte = 0xFF

// Chunk is one unit of diagnostic payload delivered by the device. On the
// wire a chunk is a 1-byte sequence number followed by opaque payload bytes;
// the sequence number is never shipped as part of the upload body.
type Chunk struct {
	SequenceNumber byte
	Payload        []byte
	ReceivedAt     time.Time
	Status         ChunkStatus
}

// DecodeChunk decodes a raw notification payload into a Chunk. The first
// byte is the sequence number, the rest is payload. An empty payload yields
// EmptySequenceNumber and no payload bytes.
func DecodeChunk(data []byte) Chunk {
	c := Chunk{
		SequenceNumber: EmptySequenceNumber,
		ReceivedAt:     time.Now(),
		Status:         StatusReady,
	}
	if len(data) > 0 {
		c.SequenceNumber = data[0]
		c.Payload = append([]byte(nil), data[1:]...)
	}
	return c
}

// Key identifies a chunk for dedup purposes. A single sequence byte repeats
// across a long session, so identity is the (sequence number, payload bytes)
// pair rather than the sequence number alone.
func (c Chunk) Key() string {
	return fmt.Sprintf("%02x:%s", c.SequenceNumber, hex.EncodeToString(c.Payload))
}

// SameChunk reports whether two chunks carry the same sequence number and
// payload bytes.
func (c Chunk) SameChunk(other Chunk) bool {
	return c.Key() == other.Key()
}

// ValidTransition reports whether a chunk status may move from one state to
// another. The machine is linear with a single back-edge: Ready → Uploading →
// {Success, ErrorUploading}, and ErrorUploading → Uploading on manual retry.
func ValidTransition(from, to ChunkStatus) bool {
	switch from {
	case StatusReady:
		return to == StatusUploading
	case StatusUploading:
		return to == StatusSuccess || to == StatusErrorUploading
	case StatusErrorUploading:
		return to == StatusUploading
	default:
		return false
	}
}

// Transition moves the chunk's status, rejecting any edge the status machine
// does not allow.
func (c *Chunk) Transition(to ChunkStatus) error {
	if !ValidTransition(c.Status, to) {
		return fmt.Errorf("invalid chunk status transition: %s -> %s", c.Status, to)
	}
	c.Status = to
	return nil
}
