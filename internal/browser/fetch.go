package browser

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-rod/rod/lib/launcher"
)

// RodFetcher downloads a pinned Chromium build with go-rod's launcher and
// returns its executable path. Builds already present in Dir are reused.
type RodFetcher struct {
	// Dir overrides the download root. Empty uses the launcher default.
	Dir string
	Log *slog.Logger
}

// Fetch implements Fetcher.
func (f RodFetcher) Fetch(ctx context.Context) (string, error) {
	b := launcher.NewBrowser()
	b.Context = ctx
	if f.Dir != "" {
		b.RootDir = f.Dir
	}
	if f.Log != nil {
		b.Logger = slogWriter{log: f.Log}
	}

	path, err := b.Get()
	if err != nil {
		return "", fmt.Errorf("browser: fetch revision %d: %w", b.Revision, err)
	}
	return path, nil
}

// slogWriter adapts the launcher's progress output to a logger.
type slogWriter struct {
	log *slog.Logger
}

func (w slogWriter) Println(args ...any) {
	w.log.Debug(fmt.Sprint(args...), slog.String("source", "launcher"))
}
