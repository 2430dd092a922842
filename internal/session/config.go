package session

import (
	"io"
	"os"
	"time"

	"videox/internal/platform/config"
	"videox/internal/watchdog"
)

// Config is fixed when a Controller is created.
type Config struct {
	// Debug enables debug level logging.
	Debug    bool
	Headless bool
	// DownloadBrowser fetches a browser build before launch.
	DownloadBrowser bool
	// LogDestination receives log-raw output. Nil means os.Stdout.
	LogDestination        io.Writer
	BrowserExecutablePath string
	BrowserArgs           []string
	// DownloadAsFile attaches the default file sink under DownloadPath.
	DownloadAsFile bool
	DownloadPath   string
	// CheckCompleteLoopInterval is the watchdog poll period.
	CheckCompleteLoopInterval time.Duration
	// WaitForNextDataTimeout is the watchdog grace period.
	WaitForNextDataTimeout time.Duration
	// CaptureTimeout bounds a single Get, navigation included, when positive.
	CaptureTimeout time.Duration
	// LogFormat is "text" or "json".
	LogFormat string
}

// DefaultConfig returns the defaults used when no environment is set.
func DefaultConfig() Config {
	return Config{
		Headless:                  true,
		BrowserExecutablePath:     "/usr/bin/chromium",
		DownloadAsFile:            true,
		DownloadPath:              "download",
		CheckCompleteLoopInterval: watchdog.DefaultInterval,
		WaitForNextDataTimeout:    watchdog.DefaultGrace,
		LogFormat:                 "text",
	}
}

// LoadConfig reads Config from VIDEOX_* environment variables on top of
// DefaultConfig. The returned closer releases the log file, if one was
// opened.
func LoadConfig() (Config, io.Closer, error) {
	cfg := DefaultConfig()

	cfg.Debug = config.GetEnvBool("VIDEOX_DEBUG", cfg.Debug)
	cfg.Headless = config.GetEnvBool("VIDEOX_HEADLESS", cfg.Headless)
	cfg.DownloadBrowser = config.GetEnvBool("VIDEOX_DOWNLOAD_BROWSER", cfg.DownloadBrowser)
	cfg.BrowserExecutablePath = config.GetEnv("VIDEOX_BROWSER_PATH", cfg.BrowserExecutablePath)
	cfg.BrowserArgs = config.GetEnvList("VIDEOX_BROWSER_ARGS", cfg.BrowserArgs)
	cfg.DownloadAsFile = config.GetEnvBool("VIDEOX_DOWNLOAD_AS_FILE", cfg.DownloadAsFile)
	cfg.DownloadPath = config.GetEnv("VIDEOX_DOWNLOAD_PATH", cfg.DownloadPath)
	cfg.CheckCompleteLoopInterval = config.GetEnvDuration("VIDEOX_CHECK_INTERVAL", cfg.CheckCompleteLoopInterval)
	cfg.WaitForNextDataTimeout = config.GetEnvDuration("VIDEOX_WAIT_NEXT_DATA", cfg.WaitForNextDataTimeout)
	cfg.CaptureTimeout = config.GetEnvDuration("VIDEOX_CAPTURE_TIMEOUT", cfg.CaptureTimeout)
	cfg.LogFormat = config.GetEnv("VIDEOX_LOG_FORMAT", cfg.LogFormat)

	var closer io.Closer = nopCloser{}
	if path := config.GetEnv("VIDEOX_LOG_FILE", ""); path != "" {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return cfg, closer, err
		}
		cfg.LogDestination = f
		closer = f
	}
	return cfg, closer, nil
}

// LogLevel maps Debug to a logger level name.
func (c Config) LogLevel() string {
	if c.Debug {
		return "debug"
	}
	return "info"
}

func (c Config) watchdog() watchdog.Config {
	return watchdog.Config{
		Interval: c.CheckCompleteLoopInterval,
		Grace:    c.WaitForNextDataTimeout,
	}
}

func (c Config) logDestination() io.Writer {
	if c.LogDestination == nil {
		return os.Stdout
	}
	return c.LogDestination
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
