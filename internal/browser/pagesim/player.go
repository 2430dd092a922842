package pagesim

import (
	_ "embed"
	"encoding/json"
)

//go:embed player.js
var playerScript string

// Stream is one MediaSource the simulated player feeds.
type Stream struct {
	MimeCodec string `json:"mimeCodec"`
	// Segments holds the byte size of every segment, in append order.
	// Segment n (zero-based) is filled with byte n+1.
	Segments []int `json:"segments"`
	// StartNextAfterMs delays the next stream after this one ended.
	StartNextAfterMs int `json:"startNextAfterMs,omitempty"`
}

// Player describes a page that plays its streams through Media Source
// Extensions, one stream after another, in a single <video> element.
type Player struct {
	Streams        []Stream `json:"streams"`
	SegmentSeconds float64  `json:"segmentSeconds"`
	// NoVideo keeps the <video> element out of the document.
	NoVideo bool `json:"noVideo,omitempty"`
	// AppendAfterEnd appends a stray segment right after end of stream.
	AppendAfterEnd bool `json:"appendAfterEnd,omitempty"`
}

// Script renders the page script for p.
func (p Player) Script() string {
	if p.SegmentSeconds <= 0 {
		p.SegmentSeconds = 2
	}
	cfg, _ := json.Marshal(p)
	return "window.__simPlayer = " + string(cfg) + ";\n" + playerScript
}
