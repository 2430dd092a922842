// Package session drives capture sessions: it launches the browser, installs
// the page instrumentation before navigation, relays chunks to sinks and
// waits for the watchdog to declare the capture finished.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"videox/internal/browser"
	"videox/internal/capture"
	"videox/internal/instrument"
	"videox/internal/platform/logger"
	"videox/internal/platform/metrics"
	"videox/internal/relay"
	"videox/internal/sink"
	"videox/internal/watchdog"

	"github.com/google/uuid"
)

// closeTimeout bounds page and browser teardown.
const closeTimeout = 10 * time.Second

// defaultHistory is the number of finished sessions kept for status queries.
const defaultHistory = 100

// ErrNotLaunched is returned by Get before Init or after Destroy.
var ErrNotLaunched = errors.New("browser not launched")

// Result summarises a finished capture.
type Result struct {
	SessionID   string
	PageURL     string
	TotalBytes  int64
	Chunks      int64
	Transitions []capture.Transition
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log *slog.Logger) Option {
	return func(c *Controller) { c.log = log }
}

// WithMetrics records capture metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithHistory keeps the last n finished sessions for Sessions and Session.
// Running sessions are always listed.
func WithHistory(n int) Option {
	return func(c *Controller) { c.history = max(n, 0) }
}

// WithFetcher sets the browser fetcher used when DownloadBrowser is set.
func WithFetcher(f browser.Fetcher) Option {
	return func(c *Controller) { c.fetcher = f }
}

// Controller owns one browser and runs capture sessions on it. Get may be
// called concurrently; every call gets its own page and state.
type Controller struct {
	cfg     Config
	engine  browser.Engine
	fetcher browser.Fetcher
	log     *slog.Logger
	metrics *metrics.Metrics
	history int

	rawMu sync.Mutex

	// lifeMu serialises Init and Destroy.
	lifeMu sync.Mutex

	mu        sync.Mutex
	browser   browser.Browser
	destroyed bool
	sinks     sink.Multi
	sessions  map[string]*capture.Service
	order     []string
	finished  []string
}

// New returns a Controller for cfg on engine. The default file sink is
// attached when cfg.DownloadAsFile is set.
func New(cfg Config, engine browser.Engine, opts ...Option) (*Controller, error) {
	c := &Controller{
		cfg:      cfg,
		engine:   engine,
		log:      logger.Discard(),
		history:  defaultHistory,
		sessions: make(map[string]*capture.Service),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.fetcher == nil {
		c.fetcher = browser.RodFetcher{Log: c.log}
	}

	if cfg.DownloadAsFile {
		fs, err := sink.NewFile(cfg.DownloadPath)
		if err != nil {
			return nil, err
		}
		c.log.Info("saving captures", slog.String("download_path", fs.Root()))
		c.sinks = append(c.sinks, fs)
	}
	return c, nil
}

// AddSink registers an additional sink. Chunks are delivered to sinks in
// registration order.
func (c *Controller) AddSink(s sink.Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sinks = append(c.sinks, s)
}

// Init acquires and launches the browser.
func (c *Controller) Init(ctx context.Context) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	c.mu.Lock()
	destroyed, launched := c.destroyed, c.browser != nil
	c.mu.Unlock()
	if destroyed {
		return &capture.Error{Kind: capture.KindSetup, Op: "launch browser", Err: errors.New("controller destroyed")}
	}
	if launched {
		return &capture.Error{Kind: capture.KindSetup, Op: "launch browser", Err: errors.New("browser already launched")}
	}

	execPath := c.cfg.BrowserExecutablePath
	if c.cfg.DownloadBrowser {
		err := c.step(c.log, "download browser", capture.KindSetup, func() error {
			p, err := c.fetcher.Fetch(ctx)
			if err != nil {
				return err
			}
			execPath = p
			return nil
		})
		if err != nil {
			return err
		}
	}

	return c.step(c.log, "launch browser", capture.KindSetup, func() error {
		b, err := c.engine.Launch(ctx, browser.LaunchOptions{
			ExecPath: execPath,
			Args:     c.cfg.BrowserArgs,
			Headless: c.cfg.Headless,
		})
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.browser = b
		c.mu.Unlock()
		return nil
	})
}

// Destroy closes the browser and the sinks. Calling it again is a no-op.
func (c *Controller) Destroy(ctx context.Context) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		c.log.Debug("destroy called again, nothing to do")
		return nil
	}
	c.destroyed = true
	b := c.browser
	c.browser = nil
	sinks := c.sinks
	c.mu.Unlock()

	var errs []error
	if b != nil {
		errs = append(errs, c.step(c.log, "close browser", capture.KindSetup, func() error {
			return b.Close(ctx)
		}))
	}
	if err := sinks.Close(); err != nil {
		errs = append(errs, &capture.Error{Kind: capture.KindSinkWrite, Op: "close sinks", Err: err})
	}
	return errors.Join(errs...)
}

// Get captures every Media Source Extensions stream pageURL plays. It returns
// once the watchdog declared the capture ended, or with the first fatal error.
// A positive CaptureTimeout bounds the whole call.
func (c *Controller) Get(ctx context.Context, pageURL string) (res *Result, err error) {
	c.mu.Lock()
	b := c.browser
	c.mu.Unlock()
	if b == nil {
		return nil, &capture.Error{Kind: capture.KindSetup, Op: "open a new page", Err: ErrNotLaunched}
	}

	id := uuid.NewString()
	log := c.log.With(slog.String("session_id", id), slog.String("url", pageURL))

	capCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if d := c.cfg.CaptureTimeout; d > 0 {
		var stop context.CancelFunc
		capCtx, stop = context.WithTimeoutCause(capCtx, d, &capture.Error{
			Kind: capture.KindNavigation,
			Op:   "capture " + pageURL,
			Err:  fmt.Errorf("%w after %s", capture.ErrCaptureTimeout, d),
		})
		defer stop()
	}

	svc := capture.NewService(id, pageURL, capture.NewInMemoryRepository(), c.log, c.metrics, c.emit)
	c.track(svc)
	defer c.retire(id)

	if c.metrics != nil {
		c.metrics.SessionStarted()
		defer func() {
			result := "ok"
			if err != nil {
				result = "error"
			}
			c.metrics.SessionFinished(result)
		}()
	}

	var page browser.Page
	err = c.step(log, "open a new page", capture.KindSetup, func() error {
		p, err := b.NewPage(capCtx)
		page = p
		return err
	})
	if err != nil {
		return nil, err
	}
	closePage := func() error {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		return page.Close(closeCtx)
	}
	defer closePage()

	fail := func(err error) {
		if !svc.Fail(err) {
			return
		}
		log.Error("capture failed", slog.String("error", err.Error()))
		if cerr := closePage(); cerr != nil {
			log.Warn("close page after fatal error", slog.String("error", cerr.Error()))
		}
		cancel(err)
	}

	// Page calls still queued once Get is over are drained without effect.
	var over atomic.Bool
	live := func() bool {
		return !over.Load() && svc.Err() == nil
	}

	bridge := relay.NewBridge(log, func(name string, err error) { fail(err) })
	c.register(bridge, svc, log, live)

	defer c.releaseStreams(svc, log)
	bridgeDone := make(chan struct{})
	go func() {
		defer close(bridgeDone)
		bridge.Run(context.WithoutCancel(ctx))
	}()
	defer func() {
		over.Store(true)
		bridge.Close()
		<-bridgeDone
	}()

	// abort prefers the page's own fatal error over the failure it caused,
	// and the capture timeout over the cancellation it caused.
	abort := func(err error) (*Result, error) {
		if ferr := svc.Err(); ferr != nil {
			return nil, ferr
		}
		if cause := context.Cause(capCtx); errors.Is(cause, capture.ErrCaptureTimeout) {
			err = cause
		}
		svc.Fail(err)
		return nil, err
	}

	err = c.step(log, "expose functions", capture.KindSetup, func() error {
		handled := bridge.Names()
		for _, name := range instrument.Bindings() {
			if !slices.Contains(handled, name) {
				return fmt.Errorf("%s: no handler", name)
			}
			if err := page.AddBinding(capCtx, name, bridge.Caller(name)); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return abort(err)
	}

	err = c.step(log, "install instrumentation", capture.KindSetup, func() error {
		return page.AddScriptOnNewDocument(capCtx, instrument.Script())
	})
	if err != nil {
		return abort(err)
	}

	err = c.step(log, "page goto: "+pageURL, capture.KindNavigation, func() error {
		return page.Navigate(capCtx, pageURL)
	})
	if err != nil {
		return abort(err)
	}

	var probe instrument.Probe
	err = c.step(log, "page evaluate", capture.KindNavigation, func() error {
		if err := page.Evaluate(capCtx, instrument.ProbeExpression, &probe); err != nil {
			return err
		}
		if !probe.Instrumented {
			return errors.New("instrumentation not installed")
		}
		return nil
	})
	if err != nil {
		return abort(err)
	}
	log.Debug("page probed",
		slog.Bool("video", probe.Video),
		slog.Int("media_sources", probe.MediaSources))

	err = c.step(log, "wait for capture", capture.KindNavigation, func() error {
		// Notifications the page already sent must be applied before the
		// watchdog looks for a registered MediaSource.
		if err := bridge.Flush(capCtx); err != nil {
			return err
		}
		return watchdog.Wait(capCtx, svc, c.cfg.watchdog(), log)
	})
	if err != nil {
		return abort(err)
	}

	// Chunks relayed before ENDED still reach the sinks.
	if err := bridge.Flush(capCtx); err != nil {
		return abort(err)
	}
	over.Store(true)
	if ferr := svc.Err(); ferr != nil {
		return nil, ferr
	}

	err = c.step(log, "close page: "+pageURL, capture.KindSetup, closePage)
	if err != nil {
		return abort(err)
	}

	st := svc.Stats()
	log.Info(fmt.Sprintf("downloaded total bytes: %d", st.TotalBytes))

	return &Result{
		SessionID:   id,
		PageURL:     pageURL,
		TotalBytes:  st.TotalBytes,
		Chunks:      st.Chunks,
		Transitions: st.Transitions,
	}, nil
}

// register installs the host-reachable operations on bridge. Calls arriving
// once live reports false are dropped.
func (c *Controller) register(bridge *relay.Bridge, svc *capture.Service, log *slog.Logger, live func() bool) {
	bridge.Handle(relay.BindingLog, func(text string) error {
		log.Debug(text, slog.String("source", "page"))
		return nil
	})

	bridge.Handle(relay.BindingLogRaw, func(text string) error {
		c.rawMu.Lock()
		defer c.rawMu.Unlock()
		_, err := io.WriteString(c.cfg.logDestination(), text)
		return err
	})

	bridge.Handle(relay.BindingFatal, func(text string) error {
		if !live() {
			log.Debug("fatal after session end dropped", slog.String("text", text))
			return nil
		}
		cause := fmt.Errorf("%w: %s", capture.ErrPageFatal, text)
		if strings.Contains(text, capture.ErrNoVideoElement.Error()) {
			cause = fmt.Errorf("%w: %w", capture.ErrPageFatal, capture.ErrNoVideoElement)
		}
		return &capture.Error{Kind: capture.KindBridgeState, Op: "page", Err: cause}
	})

	bridge.Handle(relay.BindingEvent, func(raw string) error {
		if !live() {
			return nil
		}
		ev, err := relay.ParseEvent(raw)
		if err != nil {
			return err
		}
		streamKey := capture.MediaSourceID(ev.StreamKey)
		switch ev.Type {
		case relay.EventObjectURL:
			svc.RegisterMediaSource(streamKey)
			return nil
		case relay.EventAddSourceBuffer:
			return svc.AddSourceBuffer(streamKey, capture.BufferKey(ev.BufferKey), ev.MimeCodec)
		default:
			return svc.EndOfStream(streamKey)
		}
	})

	bridge.Handle(relay.BindingWrite, func(raw string) error {
		if !live() {
			return nil
		}
		msg, payload, err := relay.ParseWrite(raw)
		if err != nil {
			return err
		}
		return svc.Append(capture.MediaSourceID(msg.StreamKey), capture.BufferKey(msg.BufferKey), payload)
	})
}

func (c *Controller) emit(chunk capture.Chunk) error {
	c.mu.Lock()
	sinks := c.sinks
	c.mu.Unlock()
	return sinks.Write(chunk)
}

func (c *Controller) track(svc *capture.Service) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[svc.ID()] = svc
	c.order = append(c.order, svc.ID())
}

// retire marks a session finished and forgets the oldest finished sessions
// beyond the history limit.
func (c *Controller) retire(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finished = append(c.finished, id)
	for len(c.finished) > c.history {
		old := c.finished[0]
		c.finished = c.finished[1:]
		delete(c.sessions, old)
		c.order = slices.DeleteFunc(c.order, func(s string) bool { return s == old })
	}
}

// releaseStreams lets sinks free what they hold for the session's streams.
func (c *Controller) releaseStreams(svc *capture.Service, log *slog.Logger) {
	c.mu.Lock()
	sinks := c.sinks
	c.mu.Unlock()

	released := make(map[string]bool)
	for _, b := range svc.Stats().Buffers {
		if released[b.StreamKey] {
			continue
		}
		released[b.StreamKey] = true
		if err := sinks.CloseStream(b.StreamKey); err != nil {
			log.Warn("release stream failed", slog.String("stream_key", b.StreamKey), slog.String("error", err.Error()))
		}
	}
}

// Sessions implements capture.StatsProvider.
func (c *Controller) Sessions() []capture.Stats {
	c.mu.Lock()
	svcs := make([]*capture.Service, 0, len(c.order))
	for _, id := range c.order {
		svcs = append(svcs, c.sessions[id])
	}
	c.mu.Unlock()

	out := make([]capture.Stats, 0, len(svcs))
	for _, svc := range svcs {
		out = append(out, svc.Stats())
	}
	return out
}

// Session implements capture.StatsProvider.
func (c *Controller) Session(id string) (capture.Stats, bool) {
	c.mu.Lock()
	svc, ok := c.sessions[id]
	c.mu.Unlock()
	if !ok {
		return capture.Stats{}, false
	}
	return svc.Stats(), true
}

// step runs one boundary operation, logging "<op> ..." before and
// "<op> OK" after. A failure becomes a single *capture.Error naming op; the
// kind of an already classified cause is kept.
func (c *Controller) step(log *slog.Logger, op string, kind capture.Kind, fn func() error) error {
	log.Info(op + " ...")
	if err := fn(); err != nil {
		var ce *capture.Error
		if errors.As(err, &ce) {
			kind = ce.Kind
		}
		log.Error(op+" failed", slog.String("error", err.Error()))
		return &capture.Error{Kind: kind, Op: op, Err: err}
	}
	log.Info(op + " OK")
	return nil
}
