package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vango-dev/remote/internal/config"
	"github.com/vango-dev/remote/internal/errors"
	"github.com/vango-dev/remote/pkg/channel"
	"github.com/vango-dev/remote/pkg/metrics"
)

func hostCmd() *cobra.Command {
	var (
		addr    string
		command string
	)

	cmd := &cobra.Command{
		Use:   "host",
		Short: "Accept workers and mirror their trees",
		Long: `Serves workers over websocket. Each connection gets its own endpoint
and receiver; the host calls the worker's render with the receiver and
keeps the mirrored tree.

Routes:
  /ws                                      worker connections
  /tree                                    mirrors as JSON (?format=html)
  /sessions                                connected workers
  /sessions/{session}/nodes/{node}/{prop}  POST to call a function prop
  /metrics                                 Prometheus metrics
  /healthz                                 liveness

With --exec the host also starts a worker process and talks to it over
its stdin and stdout.

Examples:
  remoteui host
  remoteui host --addr 127.0.0.1:9000
  remoteui host --exec "remoteui worker --stdio --ui ui.yaml"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Host.Addr = addr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runHost(ctx, cfg, logger, command)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", config.DefaultAddr, "listen address")
	cmd.Flags().StringVar(&command, "exec", "", "worker command to run over stdio")

	return cmd
}

func runHost(ctx context.Context, cfg *config.Config, logger *slog.Logger, command string) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(metrics.WithRegistry(reg))

	ln, err := net.Listen("tcp", cfg.Host.Addr)
	if err != nil {
		return errors.New("R022").WithDetail(cfg.Host.Addr).Wrap(err)
	}

	g, gctx := errgroup.WithContext(ctx)
	h := newHub(gctx, cfg, logger, m)
	srv := &http.Server{
		Handler:           h.routes(reg),
		ReadHeaderTimeout: cfg.Host.ReadHeaderTimeout,
	}

	g.Go(func() error {
		logger.Info("host listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); !stderrors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		h.closeAll()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Host.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if command != "" {
		g.Go(func() error {
			return h.runExec(gctx, command)
		})
	}
	return g.Wait()
}

// runExec starts command and serves it as a session over its stdio.
func (h *hub) runExec(ctx context.Context, command string) error {
	args := strings.Fields(command)
	if len(args) == 0 {
		return errors.Newf(errors.CategoryCLI, "--exec: empty command")
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("--exec: %w", err)
	}

	st := channel.NewStream(&pipe{Reader: stdout, Writer: stdin, closers: []io.Closer{stdin, stdout}}, h.logger)
	serveErr := h.serve(st, st.Done(), "exec:"+args[0])
	st.Close()
	waitErr := cmd.Wait()
	if serveErr != nil {
		return serveErr
	}
	if waitErr != nil && ctx.Err() == nil {
		h.logger.Warn("worker process exited", "command", args[0], "error", waitErr)
	}
	return nil
}
