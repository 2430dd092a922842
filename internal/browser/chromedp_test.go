package browser

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"videox/internal/platform/logger"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlag(t *testing.T) {
	tests := []struct {
		arg   string
		name  string
		value any
		ok    bool
	}{
		{arg: "--mute-audio", name: "mute-audio", value: true, ok: true},
		{arg: "--lang=en-US", name: "lang", value: "en-US", ok: true},
		{arg: "--headless=false", name: "headless", value: false, ok: true},
		{arg: "no-sandbox", name: "no-sandbox", value: true, ok: true},
		{arg: "  ", ok: false},
		{arg: "--", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			name, value, ok := parseFlag(tt.arg)
			assert.Equal(t, tt.ok, ok)
			if !tt.ok {
				return
			}
			assert.Equal(t, tt.name, name)
			assert.Equal(t, tt.value, value)
		})
	}
}

func TestAllocatorOptionsAppendsArgs(t *testing.T) {
	opts := allocatorOptions("/usr/bin/chromium", LaunchOptions{Args: []string{"--lang=en", "", "--kiosk"}})
	// Defaults, exec path, headless, autoplay, mute, then the two valid args.
	assert.Len(t, opts, len(chromedp.DefaultExecAllocatorOptions)+4+2)
}

// TestChromePageBindingAndScript needs a locally installed Chromium.
func TestChromePageBindingAndScript(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping browser test in short mode")
	}
	execPath, ok := launcher.LookPath()
	if !ok {
		t.Skip("no browser executable found")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><script>window.__hello__(String(window.__early))</script></body></html>`)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	b, err := NewChromeEngine(logger.Discard()).Launch(ctx, LaunchOptions{ExecPath: execPath, Headless: true, Args: []string{"--no-sandbox"}})
	require.NoError(t, err)
	defer b.Close(ctx)

	p, err := b.NewPage(ctx)
	require.NoError(t, err)

	var mu sync.Mutex
	var got []string
	require.NoError(t, p.AddBinding(ctx, "__hello__", func(payload string) {
		mu.Lock()
		got = append(got, payload)
		mu.Unlock()
	}))
	require.NoError(t, p.AddScriptOnNewDocument(ctx, `window.__early = 42`))
	require.NoError(t, p.Navigate(ctx, srv.URL))

	var sum int
	require.NoError(t, p.Evaluate(ctx, `Promise.resolve(window.__early + 1)`, &sum))
	assert.Equal(t, 43, sum)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0] == "42"
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, p.Close(ctx))
	require.NoError(t, p.Close(ctx))
	assert.ErrorIs(t, p.Evaluate(ctx, `1`, nil), ErrClosed)
}

func lifecycle(frame, loader, name string) *page.EventLifecycleEvent {
	return &page.EventLifecycleEvent{FrameID: cdp.FrameID(frame), LoaderID: cdp.LoaderID(loader), Name: name}
}

func startWaitLoad(ctx context.Context, p *chromePage, frame, loader string) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- p.waitLoad(ctx, cdp.FrameID(frame), cdp.LoaderID(loader))
	}()
	return done
}

func requireBlocked(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		t.Fatalf("waitLoad returned early: %v", err)
	case <-time.After(30 * time.Millisecond):
	}
}

func requireReturned(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(time.Second):
		t.Fatal("waitLoad did not return")
		return nil
	}
}

func TestWaitLoad_networkAlmostIdle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := newChromePage(ctx, cancel, logger.Discard())

	done := startWaitLoad(context.Background(), p, "main", "L1")
	p.onEvent(lifecycle("main", "L1", lifecycleInit))
	p.onEvent(lifecycle("main", "L1", "load"))
	requireBlocked(t, done)

	// A long-lived connection keeps the page from strict networkIdle.
	p.onEvent(lifecycle("main", "L1", lifecycleNetworkAlmostIdle))
	assert.NoError(t, requireReturned(t, done))
}

func TestWaitLoad_followsScriptRedirect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := newChromePage(ctx, cancel, logger.Discard())

	done := startWaitLoad(context.Background(), p, "main", "L1")
	p.onEvent(lifecycle("main", "L1", lifecycleInit))
	p.onEvent(lifecycle("main", "L2", lifecycleInit))
	// Late idle of the document that redirected away.
	p.onEvent(lifecycle("main", "L1", lifecycleNetworkAlmostIdle))
	// Idle of another frame.
	p.onEvent(lifecycle("ad", "L9", lifecycleInit))
	p.onEvent(lifecycle("ad", "L9", lifecycleNetworkAlmostIdle))
	requireBlocked(t, done)

	p.onEvent(lifecycle("main", "L2", lifecycleNetworkAlmostIdle))
	assert.NoError(t, requireReturned(t, done))
}

func TestWaitLoad_eventsBeforeWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := newChromePage(ctx, cancel, logger.Discard())

	p.onEvent(lifecycle("main", "L1", lifecycleInit))
	p.onEvent(lifecycle("main", "L1", lifecycleNetworkAlmostIdle))

	assert.NoError(t, p.waitLoad(context.Background(), "main", "L1"))
}

func TestWaitLoad_previousDocumentIsNotEnough(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := newChromePage(ctx, cancel, logger.Discard())

	// about:blank went idle before the navigation committed.
	p.onEvent(lifecycle("main", "L0", lifecycleInit))
	p.onEvent(lifecycle("main", "L0", lifecycleNetworkAlmostIdle))

	done := startWaitLoad(context.Background(), p, "main", "L1")
	requireBlocked(t, done)

	p.onEvent(lifecycle("main", "L1", lifecycleInit))
	p.onEvent(lifecycle("main", "L1", lifecycleNetworkAlmostIdle))
	assert.NoError(t, requireReturned(t, done))
}

func TestWaitLoad_cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := newChromePage(ctx, cancel, logger.Discard())

	waitCtx, stop := context.WithCancel(context.Background())
	done := startWaitLoad(waitCtx, p, "main", "L1")
	stop()
	assert.ErrorIs(t, requireReturned(t, done), context.Canceled)

	done = startWaitLoad(context.Background(), p, "main", "L1")
	cancel()
	assert.ErrorIs(t, requireReturned(t, done), ErrClosed)
}
