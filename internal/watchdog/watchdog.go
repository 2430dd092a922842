// Package watchdog decides when a capture is finished. The platform has no
// "stream truly finished" event, so the session's DownloadState is polled on
// a fixed interval and COMPLETED only becomes ENDED after a quiet grace
// period in which no new SourceBuffer was added.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"videox/internal/capture"
)

// Source is the session state the watchdog polls.
type Source interface {
	Snapshot() (capture.DownloadState, uint64)
	EndIfUnchanged(epoch uint64) bool
	MediaSourceCount() int
}

// Config holds the polling parameters.
type Config struct {
	// Interval is the poll period.
	Interval time.Duration
	// Grace is the one-shot delay after COMPLETED is first observed.
	Grace time.Duration
}

const (
	DefaultInterval = 100 * time.Millisecond
	DefaultGrace    = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Grace < 0 {
		c.Grace = 0
	}
	return c
}

// Wait polls src until the session reaches ENDED. It returns an error when no
// media source was registered, when an impossible state is observed, or when
// ctx is done. Bound the wait with a ctx deadline.
func Wait(ctx context.Context, src Source, cfg Config, log *slog.Logger) error {
	cfg = cfg.withDefaults()

	if src.MediaSourceCount() == 0 {
		return &capture.Error{Kind: capture.KindBridgeState, Op: "check download state", Err: capture.ErrNoMediaSource}
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		state, epoch := src.Snapshot()
		switch state {
		case capture.StateUninitialized, capture.StateDownloading:
		case capture.StateEnded:
			return nil
		case capture.StateCompleted:
			log.Debug("download completed, waiting for next data", slog.Duration("grace", cfg.Grace))
			if err := sleep(ctx, cfg.Grace); err != nil {
				return err
			}
			if src.EndIfUnchanged(epoch) {
				return nil
			}
			log.Info("new data arrived during grace period, capture continues")
			continue
		default:
			return &capture.Error{
				Kind: capture.KindBridgeState,
				Op:   "check download state",
				Err:  fmt.Errorf("%w: %d", capture.ErrIllegalTransition, int(state)),
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
