package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	cpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/go-rod/rod/lib/launcher"
)

// Page lifecycle events. init starts a new document in a frame, so a script
// redirect moves the frame to a new loader. networkAlmostIdle fires once the
// document had no more than two open connections for 500ms.
const (
	lifecycleInit              = "init"
	lifecycleNetworkAlmostIdle = "networkAlmostIdle"
)

// ChromeEngine drives Chromium through chromedp.
type ChromeEngine struct {
	log *slog.Logger
}

// NewChromeEngine returns a ChromeEngine.
func NewChromeEngine(log *slog.Logger) *ChromeEngine {
	return &ChromeEngine{log: log}
}

// Launch starts a browser process. When opts.ExecPath is empty a locally
// installed Chromium or Chrome is looked up.
func (e *ChromeEngine) Launch(ctx context.Context, opts LaunchOptions) (Browser, error) {
	execPath := opts.ExecPath
	if execPath == "" {
		found, ok := launcher.LookPath()
		if !ok {
			return nil, errors.New("browser: no executable found")
		}
		execPath = found
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), allocatorOptions(execPath, opts)...)
	browserCtx, cancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(e.logf(slog.LevelDebug)),
		chromedp.WithErrorf(e.logf(slog.LevelWarn)),
	)

	// Prime the browser process.
	if err := chromedp.Run(browserCtx); err != nil {
		cancel()
		allocCancel()
		return nil, fmt.Errorf("browser: start %s: %w", execPath, err)
	}

	e.log.Debug("browser started", slog.String("exec_path", execPath), slog.Bool("headless", opts.Headless))
	return &chromeBrowser{ctx: browserCtx, cancel: cancel, allocCancel: allocCancel, log: e.log}, nil
}

func (e *ChromeEngine) logf(level slog.Level) func(string, ...any) {
	return func(format string, args ...any) {
		e.log.Log(context.Background(), level, fmt.Sprintf(format, args...), slog.String("source", "chromedp"))
	}
}

// allocatorOptions builds the exec allocator flags. Extra args of the form
// "--name=value" or "--name" override the defaults.
func allocatorOptions(execPath string, opts LaunchOptions) []chromedp.ExecAllocatorOption {
	out := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(execPath),
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("autoplay-policy", "no-user-gesture-required"),
		chromedp.Flag("mute-audio", true),
	)
	for _, arg := range opts.Args {
		name, value, ok := parseFlag(arg)
		if !ok {
			continue
		}
		out = append(out, chromedp.Flag(name, value))
	}
	return out
}

func parseFlag(arg string) (string, any, bool) {
	arg = strings.TrimLeft(strings.TrimSpace(arg), "-")
	if arg == "" {
		return "", nil, false
	}
	name, value, hasValue := strings.Cut(arg, "=")
	if !hasValue {
		return name, true, true
	}
	switch value {
	case "true":
		return name, true, true
	case "false":
		return name, false, true
	}
	return name, value, true
}

type chromeBrowser struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	log         *slog.Logger

	once sync.Once
}

func (b *chromeBrowser) NewPage(ctx context.Context) (Page, error) {
	if b.ctx.Err() != nil {
		return nil, ErrClosed
	}
	tabCtx, cancel := chromedp.NewContext(b.ctx)
	if err := chromedp.Run(tabCtx,
		page.SetLifecycleEventsEnabled(true),
	); err != nil {
		cancel()
		return nil, fmt.Errorf("browser: open page: %w", err)
	}

	p := newChromePage(tabCtx, cancel, b.log)
	chromedp.ListenTarget(tabCtx, p.onEvent)
	return p, nil
}

func (b *chromeBrowser) Close(ctx context.Context) error {
	var err error
	b.once.Do(func() {
		err = chromedp.Cancel(b.ctx)
		b.cancel()
		b.allocCancel()
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type chromePage struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger

	mu       sync.Mutex
	bindings map[string]BindingFunc
	frames   map[cdp.FrameID]*frameLoad
	loadCh   chan struct{}

	once sync.Once
}

// frameLoad is the load progress of one frame.
type frameLoad struct {
	// loader is the frame's current document.
	loader cdp.LoaderID
	idle   bool
	// seen holds every loader the frame committed.
	seen map[cdp.LoaderID]bool
}

func newChromePage(ctx context.Context, cancel context.CancelFunc, log *slog.Logger) *chromePage {
	return &chromePage{
		ctx:      ctx,
		cancel:   cancel,
		log:      log,
		bindings: make(map[string]BindingFunc),
		frames:   make(map[cdp.FrameID]*frameLoad),
		loadCh:   make(chan struct{}, 1),
	}
}

// onEvent runs on chromedp's event goroutine and must not block.
func (p *chromePage) onEvent(ev any) {
	switch e := ev.(type) {
	case *cpruntime.EventBindingCalled:
		p.mu.Lock()
		fn := p.bindings[e.Name]
		p.mu.Unlock()
		if fn != nil {
			fn(e.Payload)
		}
	case *page.EventLifecycleEvent:
		if !p.recordLifecycle(e) {
			return
		}
		select {
		case p.loadCh <- struct{}{}:
		default:
		}
	}
}

// recordLifecycle tracks the current loader of each frame and whether it went
// idle. Idle events of a loader the frame already left are ignored.
func (p *chromePage) recordLifecycle(e *page.EventLifecycleEvent) bool {
	if e.Name != lifecycleInit && e.Name != lifecycleNetworkAlmostIdle {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	fl, ok := p.frames[e.FrameID]
	if !ok {
		fl = &frameLoad{seen: make(map[cdp.LoaderID]bool)}
		p.frames[e.FrameID] = fl
	}
	switch {
	case e.Name == lifecycleInit:
		fl.loader = e.LoaderID
		fl.idle = false
	case fl.loader == "":
		fl.loader = e.LoaderID
		fl.idle = true
	case fl.loader == e.LoaderID:
		fl.idle = true
	default:
		return false
	}
	fl.seen[e.LoaderID] = true
	return true
}

// loaded reports whether frame committed loader, or a document that replaced
// it, and the frame's current document is idle.
func (p *chromePage) loaded(frame cdp.FrameID, loader cdp.LoaderID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	fl, ok := p.frames[frame]
	return ok && fl.seen[loader] && fl.idle
}

func (p *chromePage) AddBinding(ctx context.Context, name string, fn BindingFunc) error {
	p.mu.Lock()
	p.bindings[name] = fn
	p.mu.Unlock()
	return p.run(ctx, cpruntime.AddBinding(name))
}

func (p *chromePage) AddScriptOnNewDocument(ctx context.Context, src string) error {
	return p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := page.AddScriptToEvaluateOnNewDocument(src).Do(ctx)
		return err
	}))
}

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	var (
		frameID  cdp.FrameID
		loaderID cdp.LoaderID
	)
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var res page.NavigateReturns
		if err := cdp.Execute(ctx, page.CommandNavigate, page.Navigate(url), &res); err != nil {
			return err
		}
		if res.ErrorText != "" {
			return fmt.Errorf("page load error %s", res.ErrorText)
		}
		frameID, loaderID = res.FrameID, res.LoaderID
		return nil
	}))
	if err != nil {
		return err
	}
	// Same-document navigations have no loader.
	if loaderID == "" {
		return nil
	}
	return p.waitLoad(ctx, frameID, loaderID)
}

// waitLoad blocks until the navigation that started loader in frame is idle.
func (p *chromePage) waitLoad(ctx context.Context, frame cdp.FrameID, loader cdp.LoaderID) error {
	for {
		if p.loaded(frame, loader) {
			return nil
		}
		select {
		case <-p.loadCh:
		case <-ctx.Done():
			return ctx.Err()
		case <-p.ctx.Done():
			return ErrClosed
		}
	}
}

func (p *chromePage) Evaluate(ctx context.Context, expr string, out any) error {
	return p.run(ctx, chromedp.Evaluate(expr, out, func(ep *cpruntime.EvaluateParams) *cpruntime.EvaluateParams {
		return ep.WithAwaitPromise(true)
	}))
}

func (p *chromePage) Close(ctx context.Context) error {
	var err error
	p.once.Do(func() {
		err = chromedp.Cancel(p.ctx)
		p.cancel()
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// run executes actions on the tab, bounded by both ctx and the tab's life.
// Cancelling the derived context aborts the actions without closing the tab.
func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	if p.ctx.Err() != nil {
		return ErrClosed
	}
	runCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}
