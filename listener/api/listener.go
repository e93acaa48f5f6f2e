package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/stephnangue/capsule/listener"
	"github.com/stephnangue/capsule/logger"
)

const DefaultShutdownTimeout = 30 * time.Second

var _ listener.Listener = (*ApiListener)(nil)

type ApiListener struct {
	logger          logger.Logger
	name            string
	server          *http.Server
	listener        net.Listener
	shutdownTimeout time.Duration
	stopped         atomic.Bool
}

type ApiListenerConfig struct {
	Logger  logger.Logger
	Address string
	// Name identifies the listener in logs, e.g. "api" or "metrics".
	Name            string
	ShutdownTimeout time.Duration
}

// NewApiListener binds the address right away so that a port conflict
// fails startup instead of surfacing later from Start.
func NewApiListener(cfg ApiListenerConfig, handler http.Handler) (*ApiListener, error) {
	if cfg.Logger == nil {
		cfg.Logger = logger.NopLogger()
	}
	if cfg.Name == "" {
		cfg.Name = "api"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}

	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", cfg.Address, err)
	}

	// no write timeout: downloads of large files may take a while
	server := &http.Server{
		Handler:           handler,
		IdleTimeout:       time.Minute,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &ApiListener{
		logger:          cfg.Logger.WithFields(logger.String("listener", cfg.Name)),
		name:            cfg.Name,
		server:          server,
		listener:        ln,
		shutdownTimeout: cfg.ShutdownTimeout,
	}, nil
}

// Addr returns the bound address, with the actual port when ":0" was
// requested.
func (l *ApiListener) Addr() string {
	return l.listener.Addr().String()
}

func (l *ApiListener) Type() string {
	return l.name
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (l *ApiListener) Start(ctx context.Context) error {
	l.logger.Info("starting HTTP server", logger.String("address", l.Addr()))

	errChan := make(chan error, 1)
	go func() {
		err := l.server.Serve(l.listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		l.logger.Info("shutdown signal received")
		return l.Stop()
	case err := <-errChan:
		l.logger.Error("HTTP server error", logger.Err(err))
		return err
	}
}

func (l *ApiListener) Stop() error {
	if !l.stopped.CompareAndSwap(false, true) {
		l.logger.Debug("HTTP server already stopped, skipping")
		return nil
	}

	l.logger.Info("shutting down HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), l.shutdownTimeout)
	defer cancel()

	if err := l.server.Shutdown(ctx); err != nil {
		l.logger.Error("error when shutting down the HTTP server", logger.Err(err))
		return err
	}

	l.logger.Info("HTTP server stopped gracefully")
	return nil
}
