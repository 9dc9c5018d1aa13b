package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/vango-dev/remote/internal/config"
	"github.com/vango-dev/remote/internal/errors"
	"github.com/vango-dev/remote/pkg/channel"
	"github.com/vango-dev/remote/pkg/rpc"
	"github.com/vango-dev/remote/pkg/tree"
)

func workerCmd() *cobra.Command {
	var (
		url   string
		ui    string
		watch bool
		stdio bool
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Render a UI description into a host",
		Long: `Connects to a host, exposes render, and mirrors the tree described
by the UI file into the host's receiver.

With --watch the file is reloaded on change and the difference is sent
as one batch. With --stdio the worker speaks on stdin and stdout instead
of dialing, for use with 'remoteui host --exec'.

Examples:
  remoteui worker --ui ui.yaml
  remoteui worker --url ws://10.0.0.2:7420/ws --ui ui.yaml --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("url") {
				cfg.Worker.URL = url
			}
			if cmd.Flags().Changed("ui") {
				cfg.Worker.UI = ui
			}
			if cmd.Flags().Changed("watch") {
				cfg.Worker.Watch = watch
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			w, err := newWorker(cfg, logger)
			if err != nil {
				return err
			}
			if stdio {
				return w.runStdio(ctx)
			}
			return w.dial(ctx)
		},
	}

	cmd.Flags().StringVar(&url, "url", config.DefaultURL, "host websocket URL")
	cmd.Flags().StringVar(&ui, "ui", config.DefaultUI, "UI description file")
	cmd.Flags().BoolVar(&watch, "watch", false, "reload the UI file on change")
	cmd.Flags().BoolVar(&stdio, "stdio", false, "talk to the host over stdin and stdout")

	return cmd
}

// worker renders one UI description into every receiver handed to it.
type worker struct {
	cfg    *config.Config
	logger *slog.Logger

	mu    sync.Mutex
	desc  *description
	roots []*tree.Root
}

func newWorker(cfg *config.Config, logger *slog.Logger) (*worker, error) {
	desc, err := loadDescription(cfg.Worker.UI)
	if err != nil {
		return nil, err
	}
	return &worker{cfg: cfg, logger: logger, desc: desc}, nil
}

// api is what the worker exposes to its host.
func (w *worker) api() rpc.Callable {
	return rpc.Callable{"render": rpc.HandlerFunc(w.render)}
}

// render mounts the current description into the receiver passed as the
// only argument. The receiver stays referenced until the worker exits.
func (w *worker) render(ctx context.Context, args ...any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("render: want 1 argument, got %d", len(args))
	}
	recv, ok := args[0].(rpc.Caller)
	if !ok {
		return nil, fmt.Errorf("render: argument is %T, not a function", args[0])
	}

	root := tree.NewRoot(recv, tree.WithLogger(w.logger))
	w.mu.Lock()
	nodes, err := w.desc.build(root, w.logger)
	w.mu.Unlock()
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		if err := root.AppendChild(root, n); err != nil {
			return nil, err
		}
	}
	if err := root.Mount(ctx); err != nil {
		return nil, errors.New("R030").Wrap(err)
	}

	w.mu.Lock()
	w.roots = append(w.roots, root)
	w.mu.Unlock()
	w.logger.Info("mounted", "tree", root.Instance(), "nodes", len(nodes))
	return nil, nil
}

// reload replaces the children of every mounted root with a fresh build
// of the UI file. A description that fails to load leaves the trees as
// they are.
func (w *worker) reload(ctx context.Context) error {
	desc, err := loadDescription(w.cfg.Worker.UI)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.desc = desc
	roots := append([]*tree.Root(nil), w.roots...)
	w.mu.Unlock()

	var errs []error
	for _, root := range roots {
		nodes, err := desc.build(root, w.logger)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		err = root.Update(ctx, func() error {
			for _, c := range root.Children() {
				if err := root.RemoveChild(root, c); err != nil {
					return err
				}
			}
			for _, n := range nodes {
				if err := root.AppendChild(root, n); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			errs = append(errs, errors.New("R030").Wrap(err))
			continue
		}
		w.logger.Info("reloaded", "tree", root.Instance(), "nodes", len(nodes))
	}
	return stderrors.Join(errs...)
}

func (w *worker) endpointOptions() []rpc.Option {
	opts := []rpc.Option{
		rpc.WithLogger(w.logger),
		rpc.WithTracer(otel.Tracer(tracerName)),
		rpc.WithReleaseDelay(w.cfg.RPC.ReleaseDelay),
	}
	if w.cfg.RPC.CallRate > 0 {
		opts = append(opts, rpc.WithCallRateLimit(rate.Limit(w.cfg.RPC.CallRate), w.cfg.RPC.CallBurst))
	}
	return opts
}

// dial connects to the host's websocket and serves until the connection
// or ctx ends.
func (w *worker) dial(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.cfg.Worker.URL, nil)
	if err != nil {
		return errors.New("R020").WithDetail(w.cfg.Worker.URL).Wrap(err)
	}
	wsConfig := channel.DefaultWebSocketConfig()
	wsConfig.CompressThreshold = w.cfg.Host.CompressThreshold
	wsConfig.Logger = w.logger
	ws := channel.NewWebSocket(conn, wsConfig)
	w.logger.Info("connected", "url", w.cfg.Worker.URL)
	return w.serve(ctx, ws, ws.Done())
}

// runStdio serves the host on the other end of stdin and stdout.
func (w *worker) runStdio(ctx context.Context) error {
	st := channel.NewStream(&pipe{Reader: os.Stdin, Writer: os.Stdout, closers: []io.Closer{os.Stdin, os.Stdout}}, w.logger)
	return w.serve(ctx, st, st.Done())
}

func (w *worker) serve(ctx context.Context, ch channel.Channel, done <-chan struct{}) error {
	ep := rpc.NewEndpoint(ch, w.endpointOptions()...)
	ep.Callable(w.api())
	defer ep.Terminate()

	g, ctx := errgroup.WithContext(ctx)
	if w.cfg.Worker.Watch {
		g.Go(func() error {
			return watch(ctx, w.cfg.Worker.UI, w.cfg.Worker.Debounce, w.logger, w.reload)
		})
	}
	g.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case <-ep.Done():
			w.logger.Info("host terminated the session")
			return errSessionOver
		case <-done:
			return errors.New("R021").WithDetail("the host closed the connection")
		}
	})

	if err := g.Wait(); err != nil && err != errSessionOver {
		return err
	}
	return nil
}

// errSessionOver stops the errgroup when the peer ends the session
// cleanly.
var errSessionOver = stderrors.New("session over")

// pipe joins a reader and a writer into an io.ReadWriteCloser.
type pipe struct {
	io.Reader
	io.Writer
	closers []io.Closer
}

func (p *pipe) Close() error {
	var errs []error
	for _, c := range p.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}
