package config

import (
	"bytes"
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/vango-dev/remote/internal/errors"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "remoteui.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestNew(t *testing.T) {
	cfg := New()
	if cfg.Host.Addr != DefaultAddr {
		t.Errorf("Host.Addr = %q, want %q", cfg.Host.Addr, DefaultAddr)
	}
	if cfg.Worker.URL != DefaultURL {
		t.Errorf("Worker.URL = %q, want %q", cfg.Worker.URL, DefaultURL)
	}
	if cfg.Worker.UI != DefaultUI {
		t.Errorf("Worker.UI = %q, want %q", cfg.Worker.UI, DefaultUI)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if diff := cmp.Diff(New(), cfg, cmpopts.IgnoreUnexported(Config{})); diff != "" {
		t.Errorf("Load(\"\") (-want +got):\n%s", diff)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
host:
  addr: 127.0.0.1:9000
  shutdownTimeout: 2s
  tags:
    Button: button
    Stack: div
  allowedOrigins:
    - https://app.example.com
    - "*"
worker:
  watch: true
rpc:
  callRate: 50
  callBurst: 10
log:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	want := New()
	want.Host.Addr = "127.0.0.1:9000"
	want.Host.ShutdownTimeout = 2 * time.Second
	want.Host.Tags = map[string]string{"Button": "button", "Stack": "div"}
	want.Host.AllowedOrigins = []string{"https://app.example.com", "*"}
	want.Worker.Watch = true
	want.RPC.CallRate = 50
	want.RPC.CallBurst = 10
	want.Log = LogConfig{Level: "debug", Format: "json"}
	if diff := cmp.Diff(want, cfg, cmpopts.IgnoreUnexported(Config{})); diff != "" {
		t.Errorf("Load() (-want +got):\n%s", diff)
	}
	if cfg.Path() != path {
		t.Errorf("Path() = %q, want %q", cfg.Path(), path)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeFile(t, "host:\n  addr: :1111\nworker:\n  ui: file.yaml\n")
	t.Setenv("REMOTEUI_HOST_ADDR", ":2222")
	t.Setenv("REMOTEUI_WORKER_DEBOUNCE", "1s")
	t.Setenv("REMOTEUI_RPC_RELEASE_DELAY", "0s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Host.Addr != ":2222" {
		t.Errorf("Host.Addr = %q, want :2222 from the environment", cfg.Host.Addr)
	}
	if cfg.Worker.UI != "file.yaml" {
		t.Errorf("Worker.UI = %q, want file.yaml from the file", cfg.Worker.UI)
	}
	if cfg.Worker.Debounce != time.Second {
		t.Errorf("Worker.Debounce = %v, want 1s", cfg.Worker.Debounce)
	}
	if cfg.RPC.ReleaseDelay != 0 {
		t.Errorf("RPC.ReleaseDelay = %v, want 0", cfg.RPC.ReleaseDelay)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name     string
		path     func(t *testing.T) string
		env      map[string]string
		wantCode string
		contains string
	}{
		{
			name:     "missing file",
			path:     func(t *testing.T) string { return filepath.Join(t.TempDir(), "nope.yaml") },
			wantCode: "R001",
		},
		{
			name:     "invalid yaml",
			path:     func(t *testing.T) string { return writeFile(t, "host:\n  addr: [unclosed\n") },
			wantCode: "R001",
		},
		{
			name:     "bad env value",
			path:     func(t *testing.T) string { return "" },
			env:      map[string]string{"REMOTEUI_RPC_CALL_BURST": "many"},
			wantCode: "R002",
		},
		{
			name:     "http url",
			path:     func(t *testing.T) string { return writeFile(t, "worker:\n  url: http://localhost/ws\n") },
			wantCode: "R002",
			contains: "worker.url",
		},
		{
			name:     "rate without burst",
			path:     func(t *testing.T) string { return writeFile(t, "rpc:\n  callRate: 5\n") },
			wantCode: "R002",
			contains: "callBurst",
		},
		{
			name:     "bad level",
			path:     func(t *testing.T) string { return writeFile(t, "log:\n  level: loud\n") },
			wantCode: "R002",
			contains: "log.level",
		},
		{
			name:     "bad format",
			path:     func(t *testing.T) string { return writeFile(t, "log:\n  format: xml\n") },
			wantCode: "R002",
			contains: "log.format",
		},
		{
			name:     "bad origin",
			path:     func(t *testing.T) string { return writeFile(t, "host:\n  allowedOrigins: [example.com]\n") },
			wantCode: "R002",
			contains: "host.allowedOrigins",
		},
		{
			name:     "empty addr",
			path:     func(t *testing.T) string { return writeFile(t, "host:\n  addr: \"\"\n") },
			wantCode: "R002",
			contains: "host.addr",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(tt.path(t))
			var e *errors.Error
			if !stderrors.As(err, &e) {
				t.Fatalf("Load() error = %v, want *errors.Error", err)
			}
			if e.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", e.Code, tt.wantCode)
			}
			if tt.contains != "" && !strings.Contains(e.Detail, tt.contains) {
				t.Errorf("Detail = %q, want it to mention %q", e.Detail, tt.contains)
			}
		})
	}
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := LogConfig{Level: "warn", Format: "json"}.Logger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info record written at warn level: %s", out)
	}
	if !strings.Contains(out, `"msg":"shown"`) || !strings.Contains(out, `"k":"v"`) {
		t.Errorf("output = %s, want JSON warn record", out)
	}

	buf.Reset()
	LogConfig{Level: "debug", Format: "text"}.Logger(&buf).Debug("plain")
	if !strings.Contains(buf.String(), "msg=plain") {
		t.Errorf("output = %s, want text record", buf.String())
	}
}
