package capture

// Store is the persistence abstraction for the media source registry of one
// session. The Repository uses Store for all reads and writes and provides
// the locking; implementations need not be safe for concurrent use.
type Store interface {
	GetMediaSource(id MediaSourceID) (*MediaSourceRecord, bool)
	SetMediaSource(ms *MediaSourceRecord)
	ListMediaSourceIDs() []MediaSourceID
}

// InMemoryStore is an in-memory implementation of Store.
type InMemoryStore struct {
	sources map[MediaSourceID]*MediaSourceRecord
	order   []MediaSourceID
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sources: make(map[MediaSourceID]*MediaSourceRecord),
	}
}

// GetMediaSource implements Store.GetMediaSource.
func (s *InMemoryStore) GetMediaSource(id MediaSourceID) (*MediaSourceRecord, bool) {
	ms, ok := s.sources[id]
	return ms, ok
}

// SetMediaSource implements Store.SetMediaSource.
func (s *InMemoryStore) SetMediaSource(ms *MediaSourceRecord) {
	if _, exists := s.sources[ms.ID]; !exists {
		s.order = append(s.order, ms.ID)
	}
	s.sources[ms.ID] = ms
}

// ListMediaSourceIDs implements Store.ListMediaSourceIDs. IDs are returned in
// registration order.
func (s *InMemoryStore) ListMediaSourceIDs() []MediaSourceID {
	ids := make([]MediaSourceID, len(s.order))
	copy(ids, s.order)
	return ids
}
