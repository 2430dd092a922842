package sink

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"videox/internal/capture"
)

// ErrInvalidType is returned for a mimeCodec that does not name a track type
// and subtype.
var ErrInvalidType = errors.New("invalid type")

var keyReplacer = strings.NewReplacer(
	`"`, "-",
	":", "-",
	"<", "-",
	">", "-",
	"|", "-",
	"*", "-",
	"?", "-",
	"/", "-",
	`\`, "-",
)

// SanitizeKey turns a stream key into a single path element. Path-illegal
// characters become "-"; the result never names the current or parent
// directory.
func SanitizeKey(key string) string {
	s := keyReplacer.Replace(key)
	switch s {
	case "", ".", "..":
		return strings.Repeat("-", max(len(s), 1))
	}
	return s
}

// TrackFile derives the file name for mimeCodec, e.g. "video.mp4" for
// `video/mp4;codecs="avc1.64001f"`.
func TrackFile(mimeCodec string) (string, error) {
	parts := strings.FieldsFunc(mimeCodec, func(r rune) bool { return r == '/' || r == ';' })
	if len(parts) < 2 {
		return "", fmt.Errorf("%w: %s", ErrInvalidType, mimeCodec)
	}
	track := strings.TrimSpace(parts[0])
	ext := strings.TrimSpace(parts[1])
	if track == "" || ext == "" {
		return "", fmt.Errorf("%w: %s", ErrInvalidType, mimeCodec)
	}
	return SanitizeKey(track) + "." + SanitizeKey(ext), nil
}

// File appends chunks to <root>/<sanitized stream key>/<track>.<subtype>.
// A stream's files stay open until CloseStream or Close.
type File struct {
	root string

	mu    sync.Mutex
	files map[string]*os.File
	// streams maps a stream key to the paths opened for it.
	streams map[string][]string
}

// NewFile returns a File sink rooted at root.
func NewFile(root string) (*File, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, &capture.Error{Kind: capture.KindSinkWrite, Op: "resolve download path", Err: err}
	}
	return &File{
		root:    abs,
		files:   make(map[string]*os.File),
		streams: make(map[string][]string),
	}, nil
}

// Root returns the absolute download root.
func (f *File) Root() string {
	return f.root
}

// Path returns the file chunk would be appended to.
func (f *File) Path(chunk capture.Chunk) (string, error) {
	name, err := TrackFile(chunk.MimeCodec)
	if err != nil {
		return "", err
	}
	p := filepath.Join(f.root, SanitizeKey(chunk.StreamKey), name)

	rel, err := filepath.Rel(f.root, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s escapes download root", p)
	}
	return p, nil
}

// Write implements Sink.
func (f *File) Write(chunk capture.Chunk) error {
	const op = "write chunk"

	p, err := f.Path(chunk)
	if err != nil {
		return &capture.Error{Kind: capture.KindSinkWrite, Op: op, Err: err}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	fh, err := f.openLocked(chunk.StreamKey, p)
	if err != nil {
		return &capture.Error{Kind: capture.KindSinkWrite, Op: op, Err: err}
	}
	if _, err := fh.Write(chunk.Payload); err != nil {
		return &capture.Error{Kind: capture.KindSinkWrite, Op: op, Err: err}
	}
	return nil
}

func (f *File) openLocked(streamKey, p string) (*os.File, error) {
	if fh, ok := f.files[p]; ok {
		return fh, nil
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, err
	}
	fh, err := os.OpenFile(p, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	f.files[p] = fh
	f.streams[streamKey] = append(f.streams[streamKey], p)
	return fh, nil
}

// CloseStream implements StreamCloser. A later chunk of the stream reopens
// its file in append mode.
func (f *File) CloseStream(streamKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var errs []error
	for _, p := range f.streams[streamKey] {
		if fh, ok := f.files[p]; ok {
			errs = append(errs, fh.Close())
			delete(f.files, p)
		}
	}
	delete(f.streams, streamKey)
	return errors.Join(errs...)
}

// Close closes every open file. The sink reopens files on the next Write.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var errs []error
	for p, fh := range f.files {
		errs = append(errs, fh.Close())
		delete(f.files, p)
	}
	clear(f.streams)
	return errors.Join(errs...)
}
