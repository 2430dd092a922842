package capture

import (
	"fmt"
	"sync"
	"time"
)

// Repository defines the concurrency-safe contract for the state of one
// capture session: the DownloadState value and the media source and source
// buffer registries. Every transition check happens under a single lock.
type Repository interface {
	// RegisterMediaSource records a MediaSource under its object URL.
	// Registering the same URL twice is a no-op and reports false.
	RegisterMediaSource(id MediaSourceID) bool

	// AddSourceBuffer registers a SourceBuffer on a known MediaSource and
	// moves the session to DOWNLOADING.
	AddSourceBuffer(id MediaSourceID, key BufferKey, mimeCodec string) (Transition, error)

	// EndOfStream detaches every buffer of the MediaSource and moves the
	// session from DOWNLOADING to COMPLETED.
	EndOfStream(id MediaSourceID) (Transition, error)

	// RecordAppend validates a segment append of n bytes and accounts for it.
	// It returns the codec registered for the target buffer.
	RecordAppend(id MediaSourceID, key BufferKey, n int) (mimeCodec string, err error)

	// EndIfUnchanged moves COMPLETED to ENDED only if no transition happened
	// since epoch was read.
	EndIfUnchanged(epoch uint64) (Transition, bool)

	// Snapshot returns the current state and its transition epoch.
	Snapshot() (DownloadState, uint64)

	// MediaSourceCount returns the number of registered media sources.
	MediaSourceCount() int

	// Stats returns a copy of the counters, registries and transition history.
	Stats() Stats
}

// InMemoryRepository is a concurrency-safe in-memory implementation of
// Repository. It uses a Store for the registries; by default an InMemoryStore.
type InMemoryRepository struct {
	mu          sync.Mutex
	store       Store
	state       DownloadState
	epoch       uint64
	chunks      int64
	totalBytes  int64
	transitions []Transition
}

// NewInMemoryRepository constructs a new repository with a default in-memory store.
func NewInMemoryRepository() *InMemoryRepository {
	return NewInMemoryRepositoryWithStore(NewInMemoryStore())
}

// NewInMemoryRepositoryWithStore constructs a repository that uses the given Store.
func NewInMemoryRepositoryWithStore(store Store) *InMemoryRepository {
	return &InMemoryRepository{store: store, state: StateUninitialized}
}

// RegisterMediaSource implements Repository.RegisterMediaSource.
func (r *InMemoryRepository) RegisterMediaSource(id MediaSourceID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.store.GetMediaSource(id); exists {
		return false
	}
	r.store.SetMediaSource(&MediaSourceRecord{
		ID:        id,
		Buffers:   make(map[BufferKey]*SourceBufferRecord),
		CreatedAt: time.Now().UTC(),
	})
	return true
}

// AddSourceBuffer implements Repository.AddSourceBuffer.
func (r *InMemoryRepository) AddSourceBuffer(id MediaSourceID, key BufferKey, mimeCodec string) (Transition, error) {
	const op = "addSourceBuffer"

	r.mu.Lock()
	defer r.mu.Unlock()

	if !CanTransition(r.state, StateDownloading) {
		return Transition{}, stateError(op, r.state)
	}

	ms, ok := r.store.GetMediaSource(id)
	if !ok {
		return Transition{}, &Error{Kind: KindBridgeState, Op: op, Err: fmt.Errorf("%w: %s", ErrUnknownMediaSource, id)}
	}
	if r.bufferExistsLocked(key) {
		return Transition{}, &Error{Kind: KindBridgeState, Op: op, Err: fmt.Errorf("%w: %s", ErrDuplicateBufferKey, key)}
	}

	ms.Buffers[key] = &SourceBufferRecord{Key: key, MimeCodec: mimeCodec}

	return r.transitionLocked(StateDownloading, op), nil
}

// EndOfStream implements Repository.EndOfStream.
func (r *InMemoryRepository) EndOfStream(id MediaSourceID) (Transition, error) {
	const op = "endOfStream"

	r.mu.Lock()
	defer r.mu.Unlock()

	if !CanTransition(r.state, StateCompleted) {
		return Transition{}, stateError(op, r.state)
	}

	ms, ok := r.store.GetMediaSource(id)
	if !ok {
		return Transition{}, &Error{Kind: KindBridgeState, Op: op, Err: fmt.Errorf("%w: %s", ErrUnknownMediaSource, id)}
	}

	ms.Ended = true
	for _, buf := range ms.Buffers {
		buf.Detached = true
	}

	return r.transitionLocked(StateCompleted, op), nil
}

// RecordAppend implements Repository.RecordAppend.
func (r *InMemoryRepository) RecordAppend(id MediaSourceID, key BufferKey, n int) (string, error) {
	const op = "appendBuffer"

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateDownloading {
		return "", stateError(op, r.state)
	}

	ms, ok := r.store.GetMediaSource(id)
	if !ok {
		return "", &Error{Kind: KindBridgeState, Op: op, Err: fmt.Errorf("%w: %s", ErrUnknownMediaSource, id)}
	}
	buf, ok := ms.Buffers[key]
	if !ok {
		return "", &Error{Kind: KindBridgeState, Op: op, Err: fmt.Errorf("%w: %s/%s", ErrUnknownSourceBuffer, id, key)}
	}
	if buf.MimeCodec == "" {
		return "", &Error{Kind: KindBridgeState, Op: op, Err: ErrEmptyCodec}
	}

	buf.Appends++
	buf.Bytes += int64(n)
	r.chunks++
	r.totalBytes += int64(n)

	return buf.MimeCodec, nil
}

// EndIfUnchanged implements Repository.EndIfUnchanged.
func (r *InMemoryRepository) EndIfUnchanged(epoch uint64) (Transition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateCompleted || r.epoch != epoch {
		return Transition{}, false
	}
	return r.transitionLocked(StateEnded, "watchdog"), true
}

// Snapshot implements Repository.Snapshot.
func (r *InMemoryRepository) Snapshot() (DownloadState, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, r.epoch
}

// MediaSourceCount implements Repository.MediaSourceCount.
func (r *InMemoryRepository) MediaSourceCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.store.ListMediaSourceIDs())
}

// Stats implements Repository.Stats.
func (r *InMemoryRepository) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := r.store.ListMediaSourceIDs()
	st := Stats{
		State:        r.state.String(),
		MediaSources: len(ids),
		Chunks:       r.chunks,
		TotalBytes:   r.totalBytes,
		Transitions:  append([]Transition(nil), r.transitions...),
	}
	for _, id := range ids {
		ms, _ := r.store.GetMediaSource(id)
		for _, buf := range sortedBuffers(ms) {
			st.Buffers = append(st.Buffers, BufferStats{
				StreamKey: string(id),
				BufferKey: string(buf.Key),
				MimeCodec: buf.MimeCodec,
				Detached:  buf.Detached,
				Appends:   buf.Appends,
				Bytes:     buf.Bytes,
			})
		}
	}
	return st
}

// transitionLocked moves to next and records it. Caller must hold r.mu.
func (r *InMemoryRepository) transitionLocked(next DownloadState, cause string) Transition {
	t := Transition{From: r.state, To: next, Cause: cause, At: time.Now().UTC()}
	r.state = next
	r.epoch++
	r.transitions = append(r.transitions, t)
	return t
}

// bufferExistsLocked reports whether any media source owns key. Caller must
// hold r.mu.
func (r *InMemoryRepository) bufferExistsLocked(key BufferKey) bool {
	for _, id := range r.store.ListMediaSourceIDs() {
		if ms, ok := r.store.GetMediaSource(id); ok {
			if _, exists := ms.Buffers[key]; exists {
				return true
			}
		}
	}
	return false
}
