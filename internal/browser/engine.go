// Package browser abstracts the automation engine that drives pages for a
// capture session. The chromedp engine talks to a real Chromium over the
// DevTools protocol; tests use the in-process engine from pagesim.
package browser

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed page or browser.
var ErrClosed = errors.New("browser: closed")

// LaunchOptions configures a browser launch.
type LaunchOptions struct {
	// ExecPath is the browser executable. Empty means look one up.
	ExecPath string
	// Args are extra command line switches, e.g. "--mute-audio".
	Args     []string
	Headless bool
}

// Engine launches browsers.
type Engine interface {
	Launch(ctx context.Context, opts LaunchOptions) (Browser, error)
}

// Browser opens pages. Close releases the browser process.
type Browser interface {
	NewPage(ctx context.Context) (Page, error)
	Close(ctx context.Context) error
}

// BindingFunc receives the string argument the page passed to a binding. It
// is called from engine event goroutines and must not block.
type BindingFunc func(payload string)

// Page is one browser tab.
type Page interface {
	// AddBinding exposes fn to page script as window[name]. Bindings survive
	// navigations.
	AddBinding(ctx context.Context, name string, fn BindingFunc) error
	// AddScriptOnNewDocument registers src to run in every new document
	// before any of the document's own scripts.
	AddScriptOnNewDocument(ctx context.Context, src string) error
	// Navigate loads url and returns once the document it ends up on has
	// settled its network activity.
	Navigate(ctx context.Context, url string) error
	// Evaluate runs expr in the page and decodes its JSON value into out.
	// Promises are awaited. out may be nil.
	Evaluate(ctx context.Context, expr string, out any) error
	// Close closes the tab. Closing twice is a no-op.
	Close(ctx context.Context) error
}

// Fetcher provides a browser executable, downloading it when needed.
type Fetcher interface {
	Fetch(ctx context.Context) (string, error)
}
