package capture

import (
	"errors"
	"log/slog"
	"sync"

	"videox/internal/platform/metrics"
)

// Emitter receives every accepted chunk, in page order.
type Emitter func(Chunk) error

// Service applies instrumentation hook notifications to a Repository, emits
// accepted chunks and keeps the first fatal error of the session.
type Service struct {
	id      string
	pageURL string
	repo    Repository
	log     *slog.Logger
	metrics *metrics.Metrics
	emit    Emitter

	mu  sync.Mutex
	err error
}

// NewService returns a Service for one capture session. Metrics may be nil to
// disable metric recording and emit may be nil to drop chunks.
func NewService(id, pageURL string, repo Repository, log *slog.Logger, m *metrics.Metrics, emit Emitter) *Service {
	return &Service{
		id:      id,
		pageURL: pageURL,
		repo:    repo,
		log:     log.With(slog.String("session_id", id)),
		metrics: m,
		emit:    emit,
	}
}

// ID returns the session id.
func (s *Service) ID() string {
	return s.id
}

// RegisterMediaSource handles an object URL created for a MediaSource.
func (s *Service) RegisterMediaSource(id MediaSourceID) {
	if s.repo.RegisterMediaSource(id) {
		s.log.Info("createObjectURL", slog.String("stream_key", string(id)))
		return
	}
	s.log.Debug("createObjectURL repeated", slog.String("stream_key", string(id)))
}

// AddSourceBuffer handles a SourceBuffer added to a registered MediaSource.
func (s *Service) AddSourceBuffer(id MediaSourceID, key BufferKey, mimeCodec string) error {
	s.log.Info("addSourceBuffer",
		slog.String("stream_key", string(id)),
		slog.String("buffer_key", string(key)),
		slog.String("mime_codec", mimeCodec))

	t, err := s.repo.AddSourceBuffer(id, key, mimeCodec)
	if err != nil {
		return err
	}
	s.logTransition(t)
	return nil
}

// EndOfStream handles the end-of-stream signal of a MediaSource.
func (s *Service) EndOfStream(id MediaSourceID) error {
	s.log.Info("endOfStream", slog.String("stream_key", string(id)))

	t, err := s.repo.EndOfStream(id)
	if err != nil {
		return err
	}
	s.logTransition(t)
	return nil
}

// Append validates a decoded segment and hands it to the emitter. The chunk
// is counted before it is emitted, so a failing sink still shows in the total.
func (s *Service) Append(id MediaSourceID, key BufferKey, payload []byte) error {
	mimeCodec, err := s.repo.RecordAppend(id, key, len(payload))
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.AddChunk(len(payload))
	}
	s.log.Debug("chunk",
		slog.String("stream_key", string(id)),
		slog.String("buffer_key", string(key)),
		slog.Int("bytes", len(payload)))

	if s.emit == nil {
		return nil
	}
	if err := s.emit(Chunk{StreamKey: string(id), MimeCodec: mimeCodec, Payload: payload}); err != nil {
		var ce *Error
		if errors.As(err, &ce) {
			return err
		}
		return &Error{Kind: KindSinkWrite, Op: "write chunk", Err: err}
	}
	return nil
}

// Snapshot returns the current DownloadState and its transition epoch.
func (s *Service) Snapshot() (DownloadState, uint64) {
	return s.repo.Snapshot()
}

// EndIfUnchanged moves COMPLETED to ENDED when nothing happened since epoch.
func (s *Service) EndIfUnchanged(epoch uint64) bool {
	t, ok := s.repo.EndIfUnchanged(epoch)
	if ok {
		s.logTransition(t)
	}
	return ok
}

// MediaSourceCount returns the number of media sources the page registered.
func (s *Service) MediaSourceCount() int {
	return s.repo.MediaSourceCount()
}

// Fail records err as the session's fatal error. Only the first call wins; it
// reports whether err was recorded.
func (s *Service) Fail(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil || err == nil {
		return false
	}
	s.err = err
	if s.metrics != nil {
		s.metrics.IncFatal(KindOf(err).String())
	}
	return true
}

// Err returns the recorded fatal error, if any.
func (s *Service) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stats returns a snapshot of the session.
func (s *Service) Stats() Stats {
	st := s.repo.Stats()
	st.SessionID = s.id
	st.PageURL = s.pageURL
	if err := s.Err(); err != nil {
		st.Error = err.Error()
	}
	return st
}

func (s *Service) logTransition(t Transition) {
	s.log.Info("download state changed",
		slog.String("from", t.From.String()),
		slog.String("to", t.To.String()),
		slog.String("cause", t.Cause))
}
