package capture

import (
	"fmt"
	"time"
)

// MediaSourceID is the object URL ("blob:...") the page received when it
// created a URL for a MediaSource instance. It doubles as the stream key.
type MediaSourceID string

// BufferKey identifies a SourceBuffer within a session. Keys are assigned
// page-side from a monotonic counter and rendered as decimal strings.
type BufferKey string

// DownloadState is the session-wide capture state.
type DownloadState int

const (
	StateUninitialized DownloadState = iota
	StateDownloading
	StateCompleted
	StateEnded
)

func (s DownloadState) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateDownloading:
		return "DOWNLOADING"
	case StateCompleted:
		return "COMPLETED"
	case StateEnded:
		return "ENDED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state by name in JSON status output.
func (s DownloadState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name produced by MarshalText.
func (s *DownloadState) UnmarshalText(text []byte) error {
	for st := StateUninitialized; st <= StateEnded; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown download state %q", text)
}

// Transition is one recorded change of DownloadState.
type Transition struct {
	From  DownloadState `json:"from"`
	To    DownloadState `json:"to"`
	Cause string        `json:"cause"`
	At    time.Time     `json:"at"`
}

// SourceBufferRecord tracks one SourceBuffer added to a MediaSource.
type SourceBufferRecord struct {
	Key       BufferKey
	MimeCodec string
	// Detached is set once the owning MediaSource signalled end of stream and
	// the page removed its updateend listener.
	Detached bool
	Appends  int64
	Bytes    int64
}

// MediaSourceRecord holds every SourceBuffer of one MediaSource instance.
type MediaSourceRecord struct {
	ID        MediaSourceID
	Buffers   map[BufferKey]*SourceBufferRecord
	Ended     bool
	CreatedAt time.Time
}

// Chunk is one appended segment relayed from the page. It is forwarded to
// sinks and never retained by the capture core.
type Chunk struct {
	StreamKey string
	MimeCodec string
	Payload   []byte
}

// BufferStats is the read-only view of a SourceBufferRecord.
type BufferStats struct {
	StreamKey string `json:"stream_key"`
	BufferKey string `json:"buffer_key"`
	MimeCodec string `json:"mime_codec"`
	Detached  bool   `json:"detached"`
	Appends   int64  `json:"appends"`
	Bytes     int64  `json:"bytes"`
}

// Stats is a point-in-time snapshot of a capture session.
type Stats struct {
	SessionID    string        `json:"session_id"`
	PageURL      string        `json:"page_url"`
	State        string        `json:"state"`
	MediaSources int           `json:"media_sources"`
	Buffers      []BufferStats `json:"buffers"`
	Chunks       int64         `json:"chunks"`
	TotalBytes   int64         `json:"total_bytes"`
	Transitions  []Transition  `json:"transitions"`
	Error        string        `json:"error,omitempty"`
}
