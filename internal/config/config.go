package config

import (
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"

	"github.com/vango-dev/remote/internal/errors"
)

const (
	// EnvPrefix prefixes every environment variable, e.g. REMOTEUI_HOST_ADDR.
	EnvPrefix = "REMOTEUI"

	// DefaultAddr is the default host listen address.
	DefaultAddr = ":7420"

	// DefaultURL is the default websocket URL a worker dials.
	DefaultURL = "ws://localhost:7420/ws"

	// DefaultUI is the default UI description file.
	DefaultUI = "ui.yaml"
)

// Config is the remoteui configuration. Values come from defaults, then
// an optional YAML file, then the environment; command-line flags are
// applied last by the caller.
type Config struct {
	Host   HostConfig   `yaml:"host" envconfig:"HOST"`
	Worker WorkerConfig `yaml:"worker" envconfig:"WORKER"`
	RPC    RPCConfig    `yaml:"rpc" envconfig:"RPC"`
	Log    LogConfig    `yaml:"log" envconfig:"LOG"`

	path string
}

// HostConfig configures `remoteui host`.
type HostConfig struct {
	// Addr is the HTTP listen address.
	Addr string `yaml:"addr" envconfig:"ADDR"`

	// CompressThreshold is the frame payload size above which websocket
	// frames are compressed. Zero disables compression.
	CompressThreshold int `yaml:"compressThreshold" envconfig:"COMPRESS_THRESHOLD"`

	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout" envconfig:"READ_HEADER_TIMEOUT"`
	ShutdownTimeout   time.Duration `yaml:"shutdownTimeout" envconfig:"SHUTDOWN_TIMEOUT"`

	// Tags maps component types to HTML tags for /tree?format=html.
	Tags map[string]string `yaml:"tags" envconfig:"TAGS"`

	// AllowedOrigins lists browser origins, such as
	// "https://app.example.com", that may open /ws besides the host's own.
	// "*" allows any origin. Requests without an Origin header are always
	// accepted.
	AllowedOrigins []string `yaml:"allowedOrigins" envconfig:"ALLOWED_ORIGINS"`
}

// WorkerConfig configures `remoteui worker`.
type WorkerConfig struct {
	URL   string `yaml:"url" envconfig:"URL"`
	UI    string `yaml:"ui" envconfig:"UI"`
	Watch bool   `yaml:"watch" envconfig:"WATCH"`

	// Debounce coalesces bursts of file events into one rebuild.
	Debounce time.Duration `yaml:"debounce" envconfig:"DEBOUNCE"`
}

// RPCConfig configures every endpoint.
type RPCConfig struct {
	// CallRate limits inbound calls per second. Zero means unlimited.
	CallRate  float64 `yaml:"callRate" envconfig:"CALL_RATE"`
	CallBurst int     `yaml:"callBurst" envconfig:"CALL_BURST"`

	// ReleaseDelay coalesces outgoing release messages.
	ReleaseDelay time.Duration `yaml:"releaseDelay" envconfig:"RELEASE_DELAY"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL"`
	Format string `yaml:"format" envconfig:"FORMAT"`
}

// New returns a Config holding the defaults.
func New() *Config {
	return &Config{
		Host: HostConfig{
			Addr:              DefaultAddr,
			CompressThreshold: 1024,
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   5 * time.Second,
		},
		Worker: WorkerConfig{
			URL:      DefaultURL,
			UI:       DefaultUI,
			Debounce: 100 * time.Millisecond,
		},
		RPC: RPCConfig{
			ReleaseDelay: 10 * time.Millisecond,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the environment, and validates it.
func Load(path string) (*Config, error) {
	cfg := New()
	if path != "" {
		if err := cfg.merge(path); err != nil {
			return nil, err
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, errors.New("R002").Wrap(err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) merge(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.New("R001").Wrap(err).WithSuggestion("Check the --config path.")
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.New("R001").
			Wrap(err).
			WithLocation(path, errorLine(err)).
			WithDetail(yaml.FormatError(err, false, true))
	}
	c.path = path
	return nil
}

// errorLine extracts the line number from a YAML syntax error.
func errorLine(err error) int {
	var line int
	for _, field := range strings.Split(err.Error(), "\n") {
		if n, _ := fmt.Sscanf(strings.TrimSpace(field), "[%d:", &line); n == 1 {
			return line
		}
	}
	return 0
}

// Path returns the file the config was loaded from, if any.
func (c *Config) Path() string {
	return c.path
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) *errors.Error {
		return errors.New("R002").WithDetail(fmt.Sprintf(format, args...))
	}
	if c.Host.Addr == "" {
		return invalid("host.addr is empty")
	}
	if c.Host.CompressThreshold < 0 {
		return invalid("host.compressThreshold is negative")
	}
	for _, origin := range c.Host.AllowedOrigins {
		if origin == "*" {
			continue
		}
		if o, err := url.Parse(origin); err != nil || o.Scheme == "" || o.Host == "" {
			return invalid("host.allowedOrigins entry %q is not an origin", origin).
				WithSuggestion(`Use scheme://host[:port], or "*" to allow any origin`)
		}
	}
	u, err := url.Parse(c.Worker.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return invalid("worker.url %q is not a ws:// or wss:// URL", c.Worker.URL).
			WithSuggestion("Use the host's websocket endpoint, e.g. " + DefaultURL)
	}
	if c.RPC.CallRate < 0 || c.RPC.CallBurst < 0 {
		return invalid("rpc.callRate and rpc.callBurst must not be negative")
	}
	if c.RPC.CallRate > 0 && c.RPC.CallBurst == 0 {
		return invalid("rpc.callBurst must be at least 1 when rpc.callRate is set")
	}
	if _, err := c.Log.level(); err != nil {
		return invalid("%v", err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return invalid("log.format %q is not text or json", c.Log.Format)
	}
	return nil
}

func (l LogConfig) level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", l.Level, err)
	}
	return level, nil
}

// Logger returns a logger writing to w.
func (l LogConfig) Logger(w io.Writer) *slog.Logger {
	level, err := l.level()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
