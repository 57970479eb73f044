package session

import (
	"fmt"
	"sync"

	"github.com/cornelk/hashmap"

	"github.com/srg/mdslink/internal/ringchan"
	"github.com/srg/mdslink/pkg/mds"
)

// DefaultEventBuffer is the capacity of a device's event sink. A slow event
// consumer loses oldest events rather than stalling the protocol machinery.
const DefaultEventBuffer = 64

// Registry holds one Session per device identity plus the outbound event
// sink through which the orchestrator reports lifecycle and chunk events.
//
// The device table itself is a lock-free concurrent map; each entry carries
// its own mutex, so mutations of one device's session are atomic with
// respect to other operations on that same device but never block another
// device's state machine.
type Registry struct {
	entries *hashmap.Map[string, *entry]
}

type entry struct {
	mu      sync.Mutex
	session *Session
	sink    *ringchan.RingChannel[mds.DeviceEvent]
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{entries: hashmap.New[string, *entry]()}
}

func (r *Registry) ensure(id string) *entry {
	if e, ok := r.entries.Get(id); ok {
		return e
	}
	e, _ := r.entries.GetOrInsert(id, &entry{session: newSession(id)})
	return e
}

// Ensure returns the existing session snapshot for a device, inserting a
// fresh all-false session if absent.
func (r *Registry) Ensure(id string) Snapshot {
	e := r.ensure(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.snapshot()
}

// Snapshot returns a copy of the device's session, if one exists.
func (r *Registry) Snapshot(id string) (Snapshot, bool) {
	e, ok := r.entries.Get(id)
	if !ok {
		return Snapshot{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.snapshot(), true
}

// Mutate runs fn under the device's lock as one atomic read-modify-write.
// The session is created if absent.
func (r *Registry) Mutate(id string, fn func(*Session)) {
	e := r.ensure(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.session)
}

// OpenEventStream opens the device's event stream, replacing (and closing)
// any previous sink. Last subscriber wins; the stream is single-subscriber.
func (r *Registry) OpenEventStream(id string) <-chan mds.DeviceEvent {
	e := r.ensure(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sink != nil {
		e.sink.Close()
	}
	e.sink = ringchan.New[mds.DeviceEvent](DefaultEventBuffer)
	return e.sink.C()
}

// Emit pushes one event onto the device's sink if present, silently dropping
// it otherwise. Emission never blocks: a full sink discards its oldest event.
func (r *Registry) Emit(id string, event mds.DeviceEvent) {
	e, ok := r.entries.Get(id)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sink == nil {
		return
	}
	e.sink.ForceSend(event)
}

// CloseEventStream completes the device's event stream, if open.
func (r *Registry) CloseEventStream(id string) {
	e, ok := r.entries.Get(id)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sink != nil {
		e.sink.Close()
		e.sink = nil
	}
}

// AddChunk records a received chunk in arrival order. If the same chunk
// (sequence number + payload) is already present it is NOT duplicated; the
// stored chunk is returned either way, with inserted reporting whether this
// delivery was new.
func (r *Registry) AddChunk(id string, chunk mds.Chunk) (stored mds.Chunk, inserted bool) {
	e := r.ensure(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	key := chunk.Key()
	if existing, ok := e.session.Chunks.Get(key); ok {
		return *existing, false
	}
	kept := chunk
	e.session.Chunks.Set(key, &kept)
	return kept, true
}

// SetChunkStatus moves a chunk through its status machine, rejecting edges
// the machine does not allow. Returns a snapshot of the updated chunk.
func (r *Registry) SetChunkStatus(id, chunkKey string, status mds.ChunkStatus) (mds.Chunk, error) {
	e, ok := r.entries.Get(id)
	if !ok {
		return mds.Chunk{}, fmt.Errorf("no session for device %q", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	chunk, ok := e.session.Chunks.Get(chunkKey)
	if !ok {
		return mds.Chunk{}, fmt.Errorf("no chunk %q for device %q", chunkKey, id)
	}
	if err := chunk.Transition(status); err != nil {
		return mds.Chunk{}, err
	}
	return *chunk, nil
}

// Chunk returns a snapshot of one stored chunk.
func (r *Registry) Chunk(id, chunkKey string) (mds.Chunk, bool) {
	e, ok := r.entries.Get(id)
	if !ok {
		return mds.Chunk{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	chunk, ok := e.session.Chunks.Get(chunkKey)
	if !ok {
		return mds.Chunk{}, false
	}
	return *chunk, true
}
