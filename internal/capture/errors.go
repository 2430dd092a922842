package capture

import (
	"errors"
	"fmt"
)

var (
	// ErrIllegalTransition is returned when a hook observes a DownloadState
	// from which its transition is not allowed.
	ErrIllegalTransition = errors.New("wrong download state")

	// ErrUnknownMediaSource is returned for a stream key that was never
	// registered through an object URL.
	ErrUnknownMediaSource = errors.New("unknown media source")

	// ErrUnknownSourceBuffer is returned for a buffer key the media source
	// does not own.
	ErrUnknownSourceBuffer = errors.New("unknown source buffer")

	// ErrDuplicateBufferKey is returned when the page reuses a buffer key.
	ErrDuplicateBufferKey = errors.New("duplicate source buffer key")

	// ErrEmptyCodec is returned when a segment targets a buffer without codec.
	ErrEmptyCodec = errors.New("empty mimeCodec")

	// ErrNoMediaSource is returned when polling starts and the page never
	// created an object URL for a MediaSource.
	ErrNoMediaSource = errors.New("can't find MediaSource object in this page")

	// ErrNoVideoElement is returned when the page has no <video> element.
	ErrNoVideoElement = errors.New("video element not found")

	// ErrPageFatal wraps a fatal condition reported by the page itself.
	ErrPageFatal = errors.New("page reported fatal condition")

	// ErrCaptureTimeout is returned when the optional capture timeout elapses
	// before the stream ends.
	ErrCaptureTimeout = errors.New("capture timed out")
)

// Kind classifies errors surfaced by a capture session.
type Kind int

const (
	KindUnknown Kind = iota
	KindSetup
	KindNavigation
	KindBridgeState
	KindRelayDecode
	KindSinkWrite
)

func (k Kind) String() string {
	switch k {
	case KindSetup:
		return "SetupError"
	case KindNavigation:
		return "NavigationError"
	case KindBridgeState:
		return "BridgeStateError"
	case KindRelayDecode:
		return "RelayDecodeError"
	case KindSinkWrite:
		return "SinkWriteError"
	default:
		return "UnknownError"
	}
}

// Error is the single descriptive error a failed operation surfaces. Op names
// the failing operation and Err holds the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf reports the Kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

func stateError(op string, from DownloadState) error {
	return &Error{
		Kind: KindBridgeState,
		Op:   op,
		Err:  fmt.Errorf("%w: %s", ErrIllegalTransition, from),
	}
}
