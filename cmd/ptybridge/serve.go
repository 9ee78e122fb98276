package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"ptybridge/internal/agent"
	"ptybridge/internal/api"
	"ptybridge/internal/config"
	"ptybridge/internal/logging"
	"ptybridge/internal/mcp"
	"ptybridge/internal/metrics"
	"ptybridge/internal/orchestrator"
	"ptybridge/internal/version"
	"ptybridge/internal/watcher"
)

const (
	shutdownTimeout   = 15 * time.Second
	readHeaderTimeout = 5 * time.Second
)

type serveOptions struct {
	Config   config.Config
	Registry *agent.Registry
	Logger   *logging.Logger
	Stdin    io.Reader
	Stdout   io.Writer
	Signals  <-chan os.Signal
	Metrics  *metrics.Registry
}

// serve runs the MCP server until stdin closes or a signal arrives, then
// stops the HTTP server, every agent and the file watcher in that order.
func serve(ctx context.Context, opts serveOptions) error {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	registry := opts.Metrics
	if registry == nil {
		registry = metrics.Default
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopSignals := watchShutdownSignals(logger, cancel, opts.Signals)
	defer stopSignals()

	var listener net.Listener
	if cfg.Server.Web {
		var err error
		listener, err = net.Listen("tcp", cfg.Server.Addr())
		if err != nil {
			return fmt.Errorf("listen on %s: %w", cfg.Server.Addr(), err)
		}
	}

	var watch watcher.Watch
	fileWatcher, err := watcher.NewWithOptions(watcher.Options{
		Logger:   logger,
		Debounce: cfg.Timeouts.Debounce(),
		ErrorHandler: func(err error) {
			logger.Warn("file watcher error", map[string]string{logging.FieldError: err.Error()})
		},
		Recursive: true,
	})
	if err != nil {
		logger.Warn("file watcher unavailable; transcripts will be polled", map[string]string{
			logging.FieldError: err.Error(),
		})
	} else {
		watch = fileWatcher
	}

	manager := orchestrator.NewManager(orchestrator.Options{
		Registry:        opts.Registry,
		Timeouts:        cfg.AgentTimeouts(),
		MaxStuck:        cfg.Timeouts.MaxStuck(),
		StartRetries:    cfg.Timeouts.StartRetries,
		StartRetryDelay: cfg.Timeouts.StartRetryDelay(),
		BufferBytes:     cfg.Web.OutputBufferSize,
		TerminateGrace:  cfg.Timeouts.TerminateGrace(),
		PollInterval:    cfg.Timeouts.Poll(),
		Watcher:         watch,
		Metrics:         registry,
		Logger:          logger,
	})

	coordinator := newShutdownCoordinator(logger)
	var httpServer *http.Server
	if listener != nil {
		httpServer = &http.Server{
			Handler: api.NewHandler(api.Options{
				Backend:      manager,
				AuthToken:    cfg.Web.AuthToken,
				InputEnabled: cfg.Web.InputEnabled,
				InputRate:    cfg.Web.InputRate,
				Metrics:      registry,
				Logger:       logger,
			}),
			ReadHeaderTimeout: readHeaderTimeout,
		}
		coordinator.Add("http", httpServer.Shutdown)
	}
	coordinator.Add("orchestrator", manager.Shutdown)
	if fileWatcher != nil {
		coordinator.Add("watcher", func(context.Context) error {
			return fileWatcher.Close()
		})
	}

	mcpServer := mcp.New(mcp.Options{
		Backend: manager,
		Logger:  logger,
		Version: version.GetVersionInfo().String(),
	})

	fields := map[string]string{
		"agents":  strconv.Itoa(len(manager.Agents())),
		"version": version.Version,
	}
	if listener != nil {
		fields["addr"] = listener.Addr().String()
	}
	logger.Info("ptybridge ready", fields)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		defer cancel()
		err := mcpServer.Serve(groupCtx, opts.Stdin, opts.Stdout)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if httpServer != nil {
		group.Go(func() error {
			if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		return coordinator.Run(shutdownCtx)
	})
	return group.Wait()
}
