package session

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/srg/mdslink/pkg/mds"
)

type RegistryTestSuite struct {
	suite.Suite
	registry *Registry
}

func TestRegistryTestSuite(t *testing.T) {
	suite.Run(t, new(RegistryTestSuite))
}

func (s *RegistryTestSuite) SetupTest() {
	s.registry = NewRegistry()
}

func (s *RegistryTestSuite) TestEnsureCreatesDisconnectedSession() {
	snap := s.registry.Ensure("dev-a")

	s.Equal("dev-a", snap.ID)
	s.Equal(StateDisconnected, snap.State)
	s.False(snap.Notifying)
	s.False(snap.Streaming)
	s.Nil(snap.Auth)
	s.Empty(snap.Chunks)
}

func (s *RegistryTestSuite) TestSnapshotMissingDevice() {
	_, ok := s.registry.Snapshot("never-seen")
	s.False(ok, "Snapshot MUST NOT create sessions as a side effect")
}

func (s *RegistryTestSuite) TestMutateIsVisibleInSnapshots() {
	u, _ := url.Parse("https://chunks.memfault.com/api/v0/chunks/DEMO")
	s.registry.Mutate("dev-a", func(sess *Session) {
		sess.State = StateConnected
		sess.Notifying = true
		sess.Auth = &mds.DeviceAuth{URL: u, Key: "Memfault-Project-Key", Value: "secret"}
	})

	snap, ok := s.registry.Snapshot("dev-a")
	s.Require().True(ok)
	s.Equal(StateConnected, snap.State)
	s.True(snap.Notifying)
	s.Require().NotNil(snap.Auth)
	s.Equal("Memfault-Project-Key", snap.Auth.Key)
}

func (s *RegistryTestSuite) TestEventStreamLastSubscriberWins() {
	// TEST SCENARIO: A second OpenEventStream call replaces the first sink.
	// The first stream is closed, and later events reach only the second.

	first := s.registry.OpenEventStream("dev-a")
	second := s.registry.OpenEventStream("dev-a")

	_, open := <-first
	s.False(open, "the replaced stream MUST be closed")

	s.registry.Emit("dev-a", mds.ConnectedEvent("dev-a"))

	ev, open := <-second
	s.Require().True(open)
	s.Equal(mds.EventConnected, ev.Kind)
}

func (s *RegistryTestSuite) TestEmitWithoutSinkIsDropped() {
	s.registry.Ensure("dev-a")
	s.NotPanics(func() {
		s.registry.Emit("dev-a", mds.ConnectedEvent("dev-a"))
		s.registry.Emit("unknown", mds.ConnectedEvent("unknown"))
	})
}

func (s *RegistryTestSuite) TestEmitDropsOldestWhenConsumerStalls() {
	stream := s.registry.OpenEventStream("dev-a")

	for i := 0; i < DefaultEventBuffer+5; i++ {
		s.registry.Emit("dev-a", mds.ConnectedEvent("dev-a"))
	}
	s.registry.CloseEventStream("dev-a")

	received := 0
	for range stream {
		received++
	}
	s.Equal(DefaultEventBuffer, received, "a stalled consumer MUST lose oldest events, not block the emitter")
}

func (s *RegistryTestSuite) TestCloseEventStreamIsIdempotent() {
	stream := s.registry.OpenEventStream("dev-a")
	s.registry.CloseEventStream("dev-a")
	s.registry.CloseEventStream("dev-a")
	s.registry.CloseEventStream("never-seen")

	_, open := <-stream
	s.False(open)
}

func (s *RegistryTestSuite) TestAddChunkDedup() {
	chunk := mds.DecodeChunk([]byte{0x05, 0xDE, 0xAD})

	stored, inserted := s.registry.AddChunk("dev-a", chunk)
	s.True(inserted, "the first delivery MUST be stored")
	s.Equal(mds.StatusReady, stored.Status)

	// Re-delivery of the same (sequence, payload) pair after upload.
	_, err := s.registry.SetChunkStatus("dev-a", chunk.Key(), mds.StatusUploading)
	s.Require().NoError(err)
	_, err = s.registry.SetChunkStatus("dev-a", chunk.Key(), mds.StatusSuccess)
	s.Require().NoError(err)

	again, inserted := s.registry.AddChunk("dev-a", mds.DecodeChunk([]byte{0x05, 0xDE, 0xAD}))
	s.False(inserted, "a duplicate delivery MUST NOT create a second record")
	s.Equal(mds.StatusSuccess, again.Status, "the stored chunk MUST keep its upload status")

	snap, _ := s.registry.Snapshot("dev-a")
	s.Len(snap.Chunks, 1)
}

func (s *RegistryTestSuite) TestChunksKeptInArrivalOrder() {
	payloads := [][]byte{{0x01, 0xAA}, {0x02, 0xBB}, {0x00, 0xCC}}
	for _, p := range payloads {
		s.registry.AddChunk("dev-a", mds.DecodeChunk(p))
	}

	snap, _ := s.registry.Snapshot("dev-a")
	s.Require().Len(snap.Chunks, 3)
	s.Equal(byte(0x01), snap.Chunks[0].SequenceNumber)
	s.Equal(byte(0x02), snap.Chunks[1].SequenceNumber)
	s.Equal(byte(0x00), snap.Chunks[2].SequenceNumber, "arrival order MUST win over sequence order")
}

func (s *RegistryTestSuite) TestSetChunkStatusRejectsIllegalTransitions() {
	chunk := mds.DecodeChunk([]byte{0x01, 0xAA})
	s.registry.AddChunk("dev-a", chunk)

	_, err := s.registry.SetChunkStatus("dev-a", chunk.Key(), mds.StatusSuccess)
	s.Error(err, "Ready -> Success MUST be rejected")

	got, ok := s.registry.Chunk("dev-a", chunk.Key())
	s.Require().True(ok)
	s.Equal(mds.StatusReady, got.Status, "a rejected transition MUST NOT change the stored chunk")

	_, err = s.registry.SetChunkStatus("dev-a", "no-such-key", mds.StatusUploading)
	s.Error(err)
	_, err = s.registry.SetChunkStatus("never-seen", chunk.Key(), mds.StatusUploading)
	s.Error(err)
}

func TestSnapshotChunksAreCopies(t *testing.T) {
	r := NewRegistry()
	chunk := mds.DecodeChunk([]byte{0x01, 0xAA})
	r.AddChunk("dev-a", chunk)

	snap, ok := r.Snapshot("dev-a")
	require.True(t, ok)
	snap.Chunks[0].Status = mds.StatusSuccess

	got, _ := r.Chunk("dev-a", chunk.Key())
	assert.Equal(t, mds.StatusReady, got.Status, "mutating a snapshot MUST NOT leak into the registry")
}
