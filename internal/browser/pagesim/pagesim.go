// Package pagesim is an in-process browser engine backed by goja. Pages are
// registered scripts running against a minimal DOM with a Media Source
// Extensions surface, each on its own event loop. It lets capture sessions
// run end to end without a Chromium binary.
package pagesim

import (
	"context"
	_ "embed"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"

	"videox/internal/browser"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/eventloop"
	"github.com/dop251/goja_nodejs/require"
)

//go:embed prelude.js
var prelude string

// Engine implements browser.Engine for registered pages.
type Engine struct {
	log *slog.Logger

	mu    sync.RWMutex
	sites map[string]string

	blobSeq atomic.Int64
}

// New returns an Engine without pages.
func New(log *slog.Logger) *Engine {
	return &Engine{log: log, sites: make(map[string]string)}
}

// Register serves script as the page at rawURL.
func (e *Engine) Register(rawURL, script string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sites[rawURL] = script
}

func (e *Engine) site(rawURL string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.sites[rawURL]
	return s, ok
}

// Launch implements browser.Engine. Launch options are ignored.
func (e *Engine) Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Browser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &simBrowser{engine: e}, nil
}

type simBrowser struct {
	engine *Engine

	mu     sync.Mutex
	closed bool
	pages  []*Page
}

func (b *simBrowser) NewPage(ctx context.Context) (browser.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, browser.ErrClosed
	}
	p := &Page{
		engine:   b.engine,
		log:      b.engine.log,
		bindings: make(map[string]browser.BindingFunc),
		done:     make(chan struct{}),
	}
	b.pages = append(b.pages, p)
	return p, nil
}

func (b *simBrowser) Close(ctx context.Context) error {
	b.mu.Lock()
	pages := b.pages
	b.pages = nil
	b.closed = true
	b.mu.Unlock()

	for _, p := range pages {
		_ = p.Close(ctx)
	}
	return nil
}

// Page is one simulated tab. Every navigation starts a fresh runtime.
type Page struct {
	engine *Engine
	log    *slog.Logger

	mu       sync.Mutex
	bindings map[string]browser.BindingFunc
	scripts  []string
	loop     *eventloop.EventLoop

	once sync.Once
	done chan struct{}
}

func (p *Page) closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// AddBinding implements browser.Page.
func (p *Page) AddBinding(ctx context.Context, name string, fn browser.BindingFunc) error {
	if p.closed() {
		return browser.ErrClosed
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bindings[name] = fn
	return nil
}

// AddScriptOnNewDocument implements browser.Page.
func (p *Page) AddScriptOnNewDocument(ctx context.Context, src string) error {
	if p.closed() {
		return browser.ErrClosed
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scripts = append(p.scripts, src)
	return nil
}

// Navigate implements browser.Page. It returns once the page script ran;
// timers it scheduled keep running on the page's loop.
func (p *Page) Navigate(ctx context.Context, rawURL string) error {
	if p.closed() {
		return browser.ErrClosed
	}
	site, ok := p.engine.site(rawURL)
	if !ok {
		return fmt.Errorf("page load error net::ERR_NAME_NOT_RESOLVED at %s", rawURL)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("page load error: %w", err)
	}

	registry := require.NewRegistry()
	registry.RegisterNativeModule(console.ModuleName, console.RequireWithPrinter(consolePrinter{log: p.log}))
	loop := eventloop.NewEventLoop(eventloop.WithRegistry(registry))

	p.mu.Lock()
	old := p.loop
	p.loop = loop
	bindings := make(map[string]browser.BindingFunc, len(p.bindings))
	for name, fn := range p.bindings {
		bindings[name] = fn
	}
	scripts := append([]string(nil), p.scripts...)
	p.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	loop.Start()

	result := make(chan error, 1)
	loop.RunOnLoop(func(vm *goja.Runtime) {
		result <- p.load(vm, u, bindings, scripts, site)
	})

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return browser.ErrClosed
	}
}

// load builds the document: location, prelude, bindings, init scripts and
// finally the page's own script.
func (p *Page) load(vm *goja.Runtime, u *url.URL, bindings map[string]browser.BindingFunc, scripts []string, site string) error {
	location := vm.NewObject()
	_ = location.Set("href", u.String())
	_ = location.Set("origin", u.Scheme+"://"+u.Host)
	if err := vm.Set("location", location); err != nil {
		return err
	}
	if err := vm.Set("btoa", btoa(vm)); err != nil {
		return err
	}
	if err := vm.Set("__simNextBlobID", func() int64 { return p.engine.blobSeq.Add(1) }); err != nil {
		return err
	}
	if _, err := vm.RunScript("prelude.js", prelude); err != nil {
		return fmt.Errorf("page prelude: %w", err)
	}

	for name, fn := range bindings {
		fn := fn
		if err := vm.Set(name, func(call goja.FunctionCall) goja.Value {
			fn(call.Argument(0).String())
			return goja.Undefined()
		}); err != nil {
			return err
		}
	}

	for i, src := range scripts {
		if _, err := vm.RunScript(fmt.Sprintf("init-%d.js", i), src); err != nil {
			return fmt.Errorf("init script %d: %w", i, err)
		}
	}

	// Errors thrown by the page's own script do not fail the navigation.
	if _, err := vm.RunScript(u.String(), site); err != nil {
		p.log.Warn("page script error", slog.String("url", u.String()), slog.String("error", err.Error()))
	}
	return nil
}

// Evaluate implements browser.Page.
func (p *Page) Evaluate(ctx context.Context, expr string, out any) error {
	if p.closed() {
		return browser.ErrClosed
	}
	p.mu.Lock()
	loop := p.loop
	p.mu.Unlock()
	if loop == nil {
		return errors.New("evaluate: page not loaded")
	}

	result := make(chan error, 1)
	loop.RunOnLoop(func(vm *goja.Runtime) {
		result <- evaluate(vm, expr, out)
	})

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return browser.ErrClosed
	}
}

func evaluate(vm *goja.Runtime, expr string, out any) error {
	v, err := vm.RunString(expr)
	if err != nil {
		var ex *goja.Exception
		if errors.As(err, &ex) {
			return fmt.Errorf("evaluate: %s", ex.Value().String())
		}
		return fmt.Errorf("evaluate: %w", err)
	}

	if promise, ok := v.Export().(*goja.Promise); ok {
		switch promise.State() {
		case goja.PromiseStateFulfilled:
			v = promise.Result()
		case goja.PromiseStateRejected:
			return fmt.Errorf("evaluate: promise rejected: %s", promise.Result().String())
		default:
			return errors.New("evaluate: promise still pending")
		}
	}

	if out == nil || v == nil || goja.IsUndefined(v) {
		return nil
	}
	data, err := json.Marshal(v.Export())
	if err != nil {
		return fmt.Errorf("evaluate: encode result: %w", err)
	}
	return json.Unmarshal(data, out)
}

// Close implements browser.Page. It stops the page's loop; pending timers
// never fire.
func (p *Page) Close(ctx context.Context) error {
	p.once.Do(func() {
		close(p.done)
		p.mu.Lock()
		loop := p.loop
		p.mu.Unlock()
		if loop != nil {
			loop.Stop()
		}
	})
	return nil
}

// btoa encodes a binary string, one byte per UTF-16 code unit, as base64.
func btoa(vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		s := call.Argument(0).String()
		buf := make([]byte, 0, len(s))
		for _, r := range s {
			if r > 0xff {
				panic(vm.NewTypeError("InvalidCharacterError: btoa input contains a character outside Latin1"))
			}
			buf = append(buf, byte(r))
		}
		return vm.ToValue(base64.StdEncoding.EncodeToString(buf))
	}
}

type consolePrinter struct {
	log *slog.Logger
}

func (c consolePrinter) Log(s string) {
	c.log.Debug(s, slog.String("source", "console"))
}

func (c consolePrinter) Warn(s string) {
	c.log.Warn(s, slog.String("source", "console"))
}

func (c consolePrinter) Error(s string) {
	c.log.Error(s, slog.String("source", "console"))
}
