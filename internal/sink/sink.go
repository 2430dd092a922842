// Package sink persists chunks relayed from a capture session.
package sink

import (
	"errors"

	"videox/internal/capture"
)

// Sink consumes chunks. A session calls Write from a single goroutine, in the
// order the page appended the segments, so implementations see every stream
// in order without further synchronisation.
type Sink interface {
	Write(chunk capture.Chunk) error
}

// StreamCloser is implemented by sinks that hold resources per stream. A
// session calls CloseStream for each of its streams once it is over.
type StreamCloser interface {
	CloseStream(streamKey string) error
}

// Func adapts a function to Sink.
type Func func(chunk capture.Chunk) error

// Write implements Sink.
func (f Func) Write(chunk capture.Chunk) error {
	return f(chunk)
}

// Multi delivers each chunk to every sink in turn and stops at the first
// error.
type Multi []Sink

// Write implements Sink.
func (m Multi) Write(chunk capture.Chunk) error {
	for _, s := range m {
		if err := s.Write(chunk); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every sink that holds resources and joins their errors.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if c, ok := s.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

// CloseStream releases streamKey on every sink that implements StreamCloser
// and joins their errors.
func (m Multi) CloseStream(streamKey string) error {
	var errs []error
	for _, s := range m {
		if c, ok := s.(StreamCloser); ok {
			errs = append(errs, c.CloseStream(streamKey))
		}
	}
	return errors.Join(errs...)
}
