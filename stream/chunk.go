/*
Package stream implements the chunk manager: the central scheduler tracking
every in-flight and resident chunk across active sources, dispatching fetches
in priority order under bounded concurrency, decoding in a worker pool, and
evicting least-useful chunks when resident bytes exceed the memory budget.
All manager state is owned by a single dispatcher goroutine; workers and
callers communicate with it over channels only.
*/
package stream

import (
	"context"

	"github.com/janelia-flyem/ngstream/decode"
	"github.com/janelia-flyem/ngstream/ngstream"
)

// ChunkState is the lifecycle state of a chunk entry.  Transitions happen
// only inside the dispatcher goroutine.
type ChunkState uint8

const (
	StateQueued ChunkState = iota
	StateFetching
	StateDecoding
	StateResident
	StateEvicted
	StateFailed
	StateCancelled
)

func (s ChunkState) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateFetching:
		return "fetching"
	case StateDecoding:
		return "decoding"
	case StateResident:
		return "resident"
	case StateEvicted:
		return "evicted"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown state"
	}
}

// ChunkRequest names one wanted chunk with its current priority.
type ChunkRequest struct {
	Key      ngstream.ChunkKey
	Priority float64
}

// Event is one observable lifecycle transition, published to registered
// listeners and the activity sink.
type Event struct {
	Key      ngstream.ChunkKey
	State    ChunkState
	Priority float64
	Epoch    uint64
	Bytes    int64
	Err      error
}

// chunkEntry is the dispatcher's bookkeeping for one chunk key.  There is at
// most one entry per key across the queued/in-flight/resident sets.
type chunkEntry struct {
	key      ngstream.ChunkKey
	state    ChunkState
	priority float64
	epoch    uint64
	seq      uint64 // request sequence, larger = more recent
	attempts int

	payload *decode.Payload
	bytes   int64

	cancel          context.CancelFunc // set while a fetch is in flight
	cancelRequested bool               // settle as cancelled when the work completes

	heapIndex int // position in the pending queue, -1 when not queued
}
