package watchdog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"videox/internal/capture"
	"videox/internal/platform/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{Interval: 2 * time.Millisecond, Grace: 20 * time.Millisecond}
}

func TestWaitNoMediaSource(t *testing.T) {
	repo := capture.NewInMemoryRepository()

	err := Wait(context.Background(), sourceOf(repo), fastConfig(), logger.Discard())

	require.Error(t, err)
	assert.ErrorIs(t, err, capture.ErrNoMediaSource)
	assert.Equal(t, capture.KindBridgeState, capture.KindOf(err))
}

func TestWaitEndsAfterGrace(t *testing.T) {
	repo := capture.NewInMemoryRepository()
	ms := capture.MediaSourceID("blob:a")
	repo.RegisterMediaSource(ms)
	_, err := repo.AddSourceBuffer(ms, "0", "video/mp4")
	require.NoError(t, err)
	_, err = repo.EndOfStream(ms)
	require.NoError(t, err)

	start := time.Now()
	err = Wait(context.Background(), sourceOf(repo), fastConfig(), logger.Discard())

	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	state, _ := repo.Snapshot()
	assert.Equal(t, capture.StateEnded, state)
}

func TestWaitGraceInterruptedByNewBuffer(t *testing.T) {
	repo := capture.NewInMemoryRepository()
	a := capture.MediaSourceID("blob:a")
	b := capture.MediaSourceID("blob:b")
	repo.RegisterMediaSource(a)
	_, err := repo.AddSourceBuffer(a, "0", "video/mp4")
	require.NoError(t, err)
	_, err = repo.EndOfStream(a)
	require.NoError(t, err)

	cfg := Config{Interval: 2 * time.Millisecond, Grace: 60 * time.Millisecond}
	done := make(chan error, 1)
	go func() {
		done <- Wait(context.Background(), sourceOf(repo), cfg, logger.Discard())
	}()

	// A second MediaSource starts during the grace period.
	time.Sleep(10 * time.Millisecond)
	repo.RegisterMediaSource(b)
	_, err = repo.AddSourceBuffer(b, "1", "video/mp4")
	require.NoError(t, err)

	select {
	case err := <-done:
		t.Fatalf("Wait returned while capture was still downloading: %v", err)
	case <-time.After(120 * time.Millisecond):
	}
	state, _ := repo.Snapshot()
	assert.Equal(t, capture.StateDownloading, state)

	_, err = repo.EndOfStream(b)
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after the second stream ended")
	}
	state, _ = repo.Snapshot()
	assert.Equal(t, capture.StateEnded, state)
}

func TestWaitDeadlineDuringGrace(t *testing.T) {
	repo := capture.NewInMemoryRepository()
	ms := capture.MediaSourceID("blob:a")
	repo.RegisterMediaSource(ms)
	_, err := repo.AddSourceBuffer(ms, "0", "video/mp4")
	require.NoError(t, err)
	_, err = repo.EndOfStream(ms)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	cfg := fastConfig()
	cfg.Grace = time.Minute
	err = Wait(ctx, sourceOf(repo), cfg, logger.Discard())

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	state, _ := repo.Snapshot()
	assert.Equal(t, capture.StateCompleted, state)
}

func TestWaitContextCancelled(t *testing.T) {
	repo := capture.NewInMemoryRepository()
	repo.RegisterMediaSource("blob:a")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := Wait(ctx, sourceOf(repo), fastConfig(), logger.Discard())
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestWaitUnknownState(t *testing.T) {
	src := &stubSource{state: capture.DownloadState(42), count: 1}

	err := Wait(context.Background(), src, fastConfig(), logger.Discard())

	assert.ErrorIs(t, err, capture.ErrIllegalTransition)
	assert.Equal(t, capture.KindBridgeState, capture.KindOf(err))
}

type repoSource struct {
	repo *capture.InMemoryRepository
}

func sourceOf(repo *capture.InMemoryRepository) Source {
	return repoSource{repo: repo}
}

func (s repoSource) Snapshot() (capture.DownloadState, uint64) {
	return s.repo.Snapshot()
}

func (s repoSource) MediaSourceCount() int {
	return s.repo.MediaSourceCount()
}

func (s repoSource) EndIfUnchanged(epoch uint64) bool {
	_, ok := s.repo.EndIfUnchanged(epoch)
	return ok
}

type stubSource struct {
	mu    sync.Mutex
	state capture.DownloadState
	count int
}

func (s *stubSource) Snapshot() (capture.DownloadState, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, 0
}

func (s *stubSource) MediaSourceCount() int {
	return s.count
}

func (s *stubSource) EndIfUnchanged(uint64) bool {
	return false
}
