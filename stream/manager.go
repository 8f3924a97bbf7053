package stream

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/semaphore"

	"github.com/janelia-flyem/ngstream/decode"
	"github.com/janelia-flyem/ngstream/fetch"
	"github.com/janelia-flyem/ngstream/ngstream"
	"github.com/janelia-flyem/ngstream/source"
)

const (
	// DefaultGlobalFetchSlots caps concurrent fetches across all sources.
	DefaultGlobalFetchSlots = 32

	// DefaultSourceFetchSlots caps concurrent fetches per chunk source.
	DefaultSourceFetchSlots = 8

	// DefaultMemoryBudget bounds resident decoded bytes.
	DefaultMemoryBudget = 1 << 30

	// DefaultMaxAttempts bounds retries of transient failures per chunk.
	DefaultMaxAttempts = 3

	// DefaultRetryDelay is the base backoff before a retryable failure is
	// re-enqueued; it grows linearly with the attempt count.
	DefaultRetryDelay = 500 * time.Millisecond
)

// Config tunes one chunk manager.
type Config struct {
	GlobalFetchSlots int64
	SourceFetchSlots int64
	MemoryBudget     int64
	DecodeWorkers    int
	MaxAttempts      int
	RetryDelay       time.Duration

	// DiskCache, when set, spills evicted payloads to a second-level cache
	// and restores them on re-request without a network fetch.
	DiskCache *DiskCache

	// Activity, when set, receives every lifecycle transition.
	Activity *ActivitySink
}

func (c *Config) setDefaults() {
	if c.GlobalFetchSlots <= 0 {
		c.GlobalFetchSlots = DefaultGlobalFetchSlots
	}
	if c.SourceFetchSlots <= 0 {
		c.SourceFetchSlots = DefaultSourceFetchSlots
	}
	if c.MemoryBudget <= 0 {
		c.MemoryBudget = DefaultMemoryBudget
	}
	if c.DecodeWorkers <= 0 {
		c.DecodeWorkers = runtime.GOMAXPROCS(0)
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
}

// CacheStats is a consistent snapshot of manager state, taken by the
// dispatcher between operations so callers never observe a partial eviction
// pass.
type CacheStats struct {
	Resident      int
	ResidentBytes int64
	InFlight      int
	Queued        int
	Failed        int
	Evictions     int64
	Restores      int64
	Epoch         uint64
}

type requestBatch struct {
	epoch uint64
	wants []ChunkRequest
}

// completion reports the terminal result of one chunk's fetch+decode.
type completion struct {
	key      ngstream.ChunkKey
	payload  *decode.Payload
	err      error
	restored bool // satisfied from the disk cache, no network fetch
}

// progress reports an intermediate state change from a worker.
type progress struct {
	key   ngstream.ChunkKey
	state ChunkState
}

type decodeJob struct {
	key  ngstream.ChunkKey
	src  source.ChunkSource
	data []byte
}

type listenerOp struct {
	ch  chan Event
	add bool
}

// Manager is the chunk scheduler and cache.  All of its mutable state lives
// in the dispatcher goroutine; exported methods communicate over channels.
type Manager struct {
	config      Config
	globalSlots *semaphore.Weighted

	requests    chan requestBatch
	cancels     chan uint64
	completions chan completion
	progressCh  chan progress
	requeues    chan ngstream.ChunkKey
	decodeJobs  chan decodeJob
	listenerOps chan listenerOp
	statsReqs   chan chan CacheStats
	payloadReqs chan payloadReq
	sourceAdds  chan source.ChunkSource
	quit        chan struct{}
	stopped     chan struct{}

	// Dispatcher-owned state.  Never touched outside the dispatcher.
	sources     map[ngstream.SourceID]source.ChunkSource
	sourceSlots map[ngstream.SourceID]*semaphore.Weighted
	entries     map[ngstream.ChunkKey]*chunkEntry
	pending     pendingQueue
	listeners   map[chan Event]struct{}
	currentEpoch  uint64
	nextSeq       uint64
	residentBytes int64
	inFlight      int
	failed        int
	evictions     int64
	restores      int64
}

// NewManager starts a chunk manager with its dispatcher and decode workers.
func NewManager(config Config) *Manager {
	config.setDefaults()
	m := &Manager{
		config:      config,
		globalSlots: semaphore.NewWeighted(config.GlobalFetchSlots),
		requests:    make(chan requestBatch, 64),
		cancels:     make(chan uint64, 16),
		completions: make(chan completion, 256),
		progressCh:  make(chan progress, 256),
		requeues:    make(chan ngstream.ChunkKey, 256),
		decodeJobs:  make(chan decodeJob, 256),
		listenerOps: make(chan listenerOp, 16),
		statsReqs:   make(chan chan CacheStats, 16),
		payloadReqs: make(chan payloadReq, 16),
		sourceAdds:  make(chan source.ChunkSource, 16),
		quit:        make(chan struct{}),
		stopped:     make(chan struct{}),
		sources:     make(map[ngstream.SourceID]source.ChunkSource),
		sourceSlots: make(map[ngstream.SourceID]*semaphore.Weighted),
		entries:     make(map[ngstream.ChunkKey]*chunkEntry),
		listeners:   make(map[chan Event]struct{}),
	}
	for i := 0; i < config.DecodeWorkers; i++ {
		go m.decodeWorker()
	}
	go m.dispatcher()
	ngstream.Infof("Chunk manager started: %d fetch slots, %d per source, %s budget, %d decode workers\n",
		config.GlobalFetchSlots, config.SourceFetchSlots,
		humanize.Bytes(uint64(config.MemoryBudget)), config.DecodeWorkers)
	return m
}

// AddSource registers a chunk source so its keys can be requested.
func (m *Manager) AddSource(src source.ChunkSource) {
	select {
	case m.sourceAdds <- src:
	case <-m.quit:
	}
}

// RequestChunks asks for the given chunks at the given viewport epoch.
// Idempotent: keys already resident or in flight are re-prioritized, not
// re-fetched; new keys are enqueued.  Priority re-evaluation completes
// before any new dispatches for the epoch.
func (m *Manager) RequestChunks(ctx context.Context, epoch uint64, wants []ChunkRequest) error {
	batch := requestBatch{epoch: epoch, wants: wants}
	select {
	case m.requests <- batch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.quit:
		return fmt.Errorf("chunk manager is shut down")
	}
}

// CancelOutOfView cancels in-flight fetches and drops queued chunks whose
// last prioritization is more than one epoch stale.  The one-epoch grace
// keeps chunks wanted by the immediately preceding viewport from churning.
func (m *Manager) CancelOutOfView(epoch uint64) {
	select {
	case m.cancels <- epoch:
	case <-m.quit:
	}
}

// Listen registers a lifecycle event channel.  Events are delivered
// best-effort: a full listener channel drops events rather than stalling
// the dispatcher.
func (m *Manager) Listen(ch chan Event) {
	select {
	case m.listenerOps <- listenerOp{ch: ch, add: true}:
	case <-m.quit:
	}
}

// Unlisten removes a previously registered listener channel.
func (m *Manager) Unlisten(ch chan Event) {
	select {
	case m.listenerOps <- listenerOp{ch: ch, add: false}:
	case <-m.quit:
	}
}

// Stats returns a consistent snapshot of cache state.
func (m *Manager) Stats() CacheStats {
	resp := make(chan CacheStats, 1)
	select {
	case m.statsReqs <- resp:
		return <-resp
	case <-m.quit:
		return CacheStats{}
	}
}

// Close shuts the manager down, cancelling in-flight fetches.
func (m *Manager) Close() {
	close(m.quit)
	<-m.stopped
}

// Payload returns the resident payload for a key, or nil if the chunk is
// not resident.  The payload pointer stays valid for the caller even if the
// entry is later evicted.
func (m *Manager) Payload(key ngstream.ChunkKey) *decode.Payload {
	resp := make(chan *decode.Payload, 1)
	select {
	case m.payloadReqs <- payloadReq{key: key, resp: resp}:
		return <-resp
	case <-m.quit:
		return nil
	}
}

type payloadReq struct {
	key  ngstream.ChunkKey
	resp chan *decode.Payload
}

// ---- dispatcher ----

func (m *Manager) dispatcher() {
	defer close(m.stopped)
	for {
		select {
		case src := <-m.sourceAdds:
			m.sources[src.ID()] = src
			m.sourceSlots[src.ID()] = semaphore.NewWeighted(m.config.SourceFetchSlots)

		case batch := <-m.requests:
			m.handleRequests(batch)
			m.dispatch()

		case epoch := <-m.cancels:
			m.handleCancel(epoch)
			m.dispatch()

		case c := <-m.completions:
			m.handleCompletion(c)
			m.dispatch()

		case p := <-m.progressCh:
			m.handleProgress(p)

		case key := <-m.requeues:
			m.handleRequeue(key)
			m.dispatch()

		case op := <-m.listenerOps:
			if op.add {
				m.listeners[op.ch] = struct{}{}
			} else {
				delete(m.listeners, op.ch)
			}

		case resp := <-m.statsReqs:
			resp <- m.snapshot()

		case req := <-m.payloadReqs:
			if entry, found := m.entries[req.key]; found && entry.state == StateResident {
				req.resp <- entry.payload
			} else {
				req.resp <- nil
			}

		case <-m.quit:
			for _, entry := range m.entries {
				if entry.cancel != nil {
					entry.cancel()
				}
			}
			return
		}
	}
}

func (m *Manager) handleRequests(batch requestBatch) {
	if batch.epoch > m.currentEpoch {
		m.currentEpoch = batch.epoch
	}
	for _, want := range batch.wants {
		m.nextSeq++
		entry, found := m.entries[want.Key]
		if found {
			switch entry.state {
			case StateQueued:
				entry.priority = want.Priority
				entry.epoch = batch.epoch
				entry.seq = m.nextSeq
				m.pending.fix(entry)
			case StateFetching, StateDecoding, StateResident:
				// Re-prioritize only; never a second fetch per key.  A
				// re-want supersedes any pending cancel so an in-flight
				// payload is kept when it arrives.
				entry.priority = want.Priority
				entry.epoch = batch.epoch
				entry.seq = m.nextSeq
				entry.cancelRequested = false
			case StateFailed:
				// A failed chunk is retried only on a later epoch.
				if batch.epoch > entry.epoch {
					m.failed--
					m.enqueue(want, batch.epoch)
				}
			case StateEvicted, StateCancelled:
				m.enqueue(want, batch.epoch)
			}
			continue
		}
		if _, known := m.sources[want.Key.Source]; !known {
			ngstream.Errorf("Request for chunk %s of unregistered source %d dropped\n",
				want.Key, want.Key.Source)
			continue
		}
		m.enqueue(want, batch.epoch)
	}
}

// enqueue creates or reinitializes the entry for a wanted chunk and queues
// it for dispatch.
func (m *Manager) enqueue(want ChunkRequest, epoch uint64) {
	entry := &chunkEntry{
		key:       want.Key,
		state:     StateQueued,
		priority:  want.Priority,
		epoch:     epoch,
		seq:       m.nextSeq,
		heapIndex: -1,
	}
	m.entries[want.Key] = entry
	m.pending.push(entry)
	m.publish(entry, nil)
}

func (m *Manager) handleCancel(epoch uint64) {
	if epoch > m.currentEpoch {
		m.currentEpoch = epoch
	}
	// One-epoch grace: entries prioritized at epoch-1 survive this pass.
	for _, entry := range m.entries {
		if entry.epoch+1 >= epoch {
			continue
		}
		switch entry.state {
		case StateQueued:
			m.pending.remove(entry)
			entry.state = StateCancelled
			m.publish(entry, nil)
			delete(m.entries, entry.key)
		case StateFetching, StateDecoding:
			entry.cancelRequested = true
			if entry.cancel != nil {
				entry.cancel()
			}
			// Bookkeeping retires when the in-flight work settles.
		}
	}
}

// dispatch launches fetches for queued chunks in descending priority order,
// constrained by the global and per-source fetch slots.  Chunks whose
// source is saturated are skipped without blocking higher-level dispatch.
func (m *Manager) dispatch() {
	var skipped []*chunkEntry
	for {
		entry := m.pending.pop()
		if entry == nil {
			break
		}
		if !m.globalSlots.TryAcquire(1) {
			skipped = append(skipped, entry)
			break
		}
		slots := m.sourceSlots[entry.key.Source]
		if !slots.TryAcquire(1) {
			m.globalSlots.Release(1)
			skipped = append(skipped, entry)
			continue
		}
		m.launch(entry, slots)
	}
	for _, entry := range skipped {
		m.pending.push(entry)
	}
}

func (m *Manager) launch(entry *chunkEntry, slots *semaphore.Weighted) {
	src := m.sources[entry.key.Source]
	ctx, cancel := context.WithCancel(context.Background())
	entry.state = StateFetching
	entry.cancel = cancel
	m.inFlight++
	m.publish(entry, nil)

	key := entry.key
	go func() {
		defer m.globalSlots.Release(1)
		defer slots.Release(1)

		if m.config.DiskCache != nil {
			if payload, err := m.config.DiskCache.Get(key); err == nil && payload != nil {
				m.completions <- completion{key: key, payload: payload, restored: true}
				return
			}
		}

		data, err := src.FetchRaw(ctx, key.Coord)
		if err != nil {
			m.completions <- completion{key: key, err: err}
			return
		}
		select {
		case m.progressCh <- progress{key: key, state: StateDecoding}:
		default:
		}
		m.decodeJobs <- decodeJob{key: key, src: src, data: data}
	}()
}

func (m *Manager) decodeWorker() {
	for {
		select {
		case job := <-m.decodeJobs:
			payload, err := job.src.Decode(job.key.Coord, job.data)
			if err != nil {
				err = fmt.Errorf("decoding chunk %s: %w", job.key, err)
			}
			m.completions <- completion{key: job.key, payload: payload, err: err}
		case <-m.quit:
			return
		}
	}
}

func (m *Manager) handleProgress(p progress) {
	entry, found := m.entries[p.key]
	if !found || entry.state != StateFetching {
		return
	}
	entry.state = p.state
	m.publish(entry, nil)
}

func (m *Manager) handleCompletion(c completion) {
	entry, found := m.entries[c.key]
	if !found {
		return
	}
	wasInFlight := entry.state == StateFetching || entry.state == StateDecoding
	if wasInFlight {
		m.inFlight--
	}
	entry.cancel = nil

	// A cancel that raced the completion settles the chunk as cancelled.
	if entry.cancelRequested {
		entry.state = StateCancelled
		m.publish(entry, nil)
		delete(m.entries, entry.key)
		return
	}
	if errors.Is(c.err, fetch.ErrCancelled) || errors.Is(c.err, context.Canceled) {
		// The fetch died from a cancel the chunk has since outlived: a
		// newer request re-wanted it, so queue a fresh fetch.
		entry.state = StateQueued
		m.pending.push(entry)
		m.publish(entry, nil)
		return
	}

	if c.err != nil {
		m.settleFailure(entry, c.err)
		return
	}

	entry.state = StateResident
	entry.payload = c.payload
	entry.bytes = c.payload.ByteSize()
	entry.attempts = 0
	m.residentBytes += entry.bytes
	if c.restored {
		m.restores++
	}
	m.publish(entry, nil)
	m.evict()
}

// settleFailure classifies an error and either schedules a bounded retry or
// marks the chunk terminally failed.
func (m *Manager) settleFailure(entry *chunkEntry, err error) {
	var transient *fetch.TransientError
	var authErr *fetch.AuthError
	retryable := errors.As(err, &transient) || errors.As(err, &authErr)
	if retryable && entry.attempts+1 < m.config.MaxAttempts {
		entry.attempts++
		entry.state = StateQueued
		delay := time.Duration(entry.attempts) * m.config.RetryDelay
		ngstream.Warningf("Chunk %s attempt %d failed, retrying in %s: %v\n",
			entry.key, entry.attempts, delay, err)
		key := entry.key
		time.AfterFunc(delay, func() {
			select {
			case m.requeues <- key:
			case <-m.quit:
			}
		})
		return
	}

	entry.state = StateFailed
	m.failed++
	ngstream.Errorf("Chunk %s failed: %v\n", entry.key, err)
	m.publish(entry, err)
}

func (m *Manager) handleRequeue(key ngstream.ChunkKey) {
	entry, found := m.entries[key]
	if !found || entry.state != StateQueued || entry.heapIndex >= 0 {
		return
	}
	m.pending.push(entry)
}

// evict reclaims budget after a residency change.  Victims are chunks not
// prioritized in the current epoch, lowest priority first; current-epoch
// chunks are retained even over budget (best effort).  The pass runs
// entirely within the dispatcher so no caller observes partial state.
func (m *Manager) evict() {
	if m.residentBytes <= m.config.MemoryBudget {
		return
	}
	var victims []*chunkEntry
	for _, entry := range m.entries {
		if entry.state == StateResident && entry.epoch < m.currentEpoch {
			victims = append(victims, entry)
		}
	}
	sort.Slice(victims, func(i, j int) bool {
		if victims[i].epoch != victims[j].epoch {
			return victims[i].epoch < victims[j].epoch
		}
		return victims[i].priority < victims[j].priority
	})
	for _, entry := range victims {
		if m.residentBytes <= m.config.MemoryBudget {
			break
		}
		m.residentBytes -= entry.bytes
		m.evictions++
		if m.config.DiskCache != nil {
			m.config.DiskCache.Put(entry.key, entry.payload)
		}
		entry.payload = nil
		entry.state = StateEvicted
		m.publish(entry, nil)
		delete(m.entries, entry.key)
	}
	if m.residentBytes > m.config.MemoryBudget {
		ngstream.Debugf("Resident %s over budget %s with only current-epoch chunks; retaining\n",
			humanize.Bytes(uint64(m.residentBytes)), humanize.Bytes(uint64(m.config.MemoryBudget)))
	}
}

func (m *Manager) snapshot() CacheStats {
	stats := CacheStats{
		ResidentBytes: m.residentBytes,
		InFlight:      m.inFlight,
		Queued:        m.pending.Len(),
		Failed:        m.failed,
		Evictions:     m.evictions,
		Restores:      m.restores,
		Epoch:         m.currentEpoch,
	}
	for _, entry := range m.entries {
		if entry.state == StateResident {
			stats.Resident++
		}
	}
	return stats
}

// publish fans an event out to listeners and the activity sink.  Sends are
// non-blocking so a slow consumer cannot stall dispatching.
func (m *Manager) publish(entry *chunkEntry, err error) {
	event := Event{
		Key:      entry.key,
		State:    entry.state,
		Priority: entry.priority,
		Epoch:    entry.epoch,
		Bytes:    entry.bytes,
		Err:      err,
	}
	for ch := range m.listeners {
		select {
		case ch <- event:
		default:
		}
	}
	if m.config.Activity != nil {
		m.config.Activity.Publish(event)
	}
}
