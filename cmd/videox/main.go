package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"videox/internal/browser"
	"videox/internal/browser/pagesim"
	"videox/internal/capture"
	"videox/internal/platform/config"
	"videox/internal/platform/logger"
	"videox/internal/platform/metrics"
	"videox/internal/session"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	_ = config.Load()

	parallel := flag.Int("parallel", config.GetEnvInt("VIDEOX_PARALLEL", 1), "number of pages captured at once")
	engineName := flag.String("engine", config.GetEnv("VIDEOX_ENGINE", "chrome"), "automation engine: chrome or sim")
	statusAddr := flag.String("status-addr", config.GetEnv("VIDEOX_STATUS_ADDR", ""), "serve /metrics and /sessions on this address")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] url...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	urls := flag.Args()
	if len(urls) == 0 {
		flag.Usage()
		return 2
	}

	cfg, logFile, err := session.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "open log file: %v\n", err)
		return 1
	}
	defer logFile.Close()

	log := logger.New(cfg.LogLevel(), cfg.LogFormat, cfg.LogDestination)
	met := metrics.New()

	var engine browser.Engine
	switch *engineName {
	case "chrome":
		engine = browser.NewChromeEngine(log)
	case "sim":
		engine = simEngine(log, urls)
	default:
		log.Error("unknown engine", "engine", *engineName)
		return 2
	}

	ctrl, err := session.New(cfg, engine, session.WithLogger(log), session.WithMetrics(met))
	if err != nil {
		log.Error("create session controller", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var srv *http.Server
	if *statusAddr != "" {
		srv = statusServer(*statusAddr, ctrl, log, met)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("status server error", "error", err)
			}
		}()
		log.Info("status server starting", "addr", *statusAddr)
	}

	code := captureAll(ctx, ctrl, urls, *parallel, log)

	if err := ctrl.Destroy(context.WithoutCancel(ctx)); err != nil {
		log.Error("destroy", "error", err)
		code = 1
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown error", "error", err)
		}
	}
	return code
}

// captureAll launches the browser and fetches every url, at most parallel at a
// time. A failed page does not stop the others.
func captureAll(ctx context.Context, ctrl *session.Controller, urls []string, parallel int, log *slog.Logger) int {
	if err := ctrl.Init(ctx); err != nil {
		log.Error("init", "error", err, "kind", capture.KindOf(err).String())
		return 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(parallel, 1))

	failed := make([]bool, len(urls))
	for i, u := range urls {
		i, u := i, u
		g.Go(func() error {
			res, err := ctrl.Get(gctx, u)
			if err != nil {
				failed[i] = true
				log.Error("capture failed", "url", u, "error", err, "kind", capture.KindOf(err).String())
				if errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			}
			log.Info("capture finished",
				"url", u,
				"session_id", res.SessionID,
				"total_bytes", res.TotalBytes,
				"chunks", res.Chunks,
			)
			return nil
		})
	}
	_ = g.Wait()

	for _, f := range failed {
		if f {
			return 1
		}
	}
	return 0
}

func statusServer(addr string, ctrl *session.Controller, log *slog.Logger, met *metrics.Metrics) *http.Server {
	h := capture.NewHandler(ctrl, log, met)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	h.Routes(r)

	return &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
}

// simEngine serves a demo player for every url, for dry runs without a
// browser.
func simEngine(log *slog.Logger, urls []string) browser.Engine {
	e := pagesim.New(log)
	demo := pagesim.Player{
		Streams: []pagesim.Stream{
			{MimeCodec: `video/mp4;codecs="avc1.64001f"`, Segments: []int{1024, 2048, 512}},
		},
	}.Script()
	for _, u := range urls {
		e.Register(u, demo)
	}
	return e
}
