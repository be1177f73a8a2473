// pkg/forge_cli/signals.go
//
// Signal handling for long-running commands. The first SIGINT/SIGTERM
// cancels the command context and runs registered cleanups; a second one
// exits immediately.

package forge_cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

// CleanupFunc is a function that performs cleanup operations
type CleanupFunc func() error

const cleanupTimeout = 5 * time.Second

type SignalHandler struct {
	ctx         context.Context
	cancel      context.CancelFunc
	mu          sync.Mutex
	cleanups    []CleanupFunc
	sigChan     chan os.Signal
	doneChan    chan struct{}
	stopOnce    sync.Once
	interrupted atomic.Bool
	forceExit   func(code int)
}

func NewSignalHandler(ctx context.Context) *SignalHandler {
	h := newSignalHandler(ctx)
	signal.Notify(h.sigChan, os.Interrupt, syscall.SIGTERM)
	go h.handleSignals()
	return h
}

func newSignalHandler(ctx context.Context) *SignalHandler {
	ctx, cancel := context.WithCancel(ctx)
	return &SignalHandler{
		ctx:       ctx,
		cancel:    cancel,
		sigChan:   make(chan os.Signal, 2),
		doneChan:  make(chan struct{}),
		forceExit: os.Exit,
	}
}

// RegisterCleanup adds a cleanup function. Cleanups run in reverse order.
func (h *SignalHandler) RegisterCleanup(cleanup CleanupFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cleanups = append(h.cleanups, cleanup)
}

// Context is cancelled on the first signal.
func (h *SignalHandler) Context() context.Context {
	return h.ctx
}

func (h *SignalHandler) Interrupted() bool {
	return h.interrupted.Load()
}

func (h *SignalHandler) handleSignals() {
	logger := otelzap.Ctx(h.ctx)

	select {
	case sig := <-h.sigChan:
		h.interrupted.Store(true)
		logger.Warn("Received signal, cancelling", zap.String("signal", sig.String()))
		fmt.Fprintf(os.Stderr, "\nReceived %v, stopping after the current operation...\n", sig)
		h.cancel()
		if err := h.runCleanup(); err != nil {
			logger.Warn("Cleanup completed with errors", zap.Error(err))
		}
	case <-h.doneChan:
		return
	}

	select {
	case sig := <-h.sigChan:
		logger.Error("Received second signal, forcing exit", zap.String("signal", sig.String()))
		h.forceExit(130)
	case <-h.doneChan:
	}
}

func (h *SignalHandler) runCleanup() error {
	h.mu.Lock()
	cleanups := append([]CleanupFunc(nil), h.cleanups...)
	h.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		var lastErr error
		for i := len(cleanups) - 1; i >= 0; i-- {
			if err := cleanups[i](); err != nil {
				lastErr = err
			}
		}
		done <- lastErr
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(cleanupTimeout):
		return fmt.Errorf("cleanup timed out after %s", cleanupTimeout)
	}
}

// Stop releases the signal subscription and the context. Safe to call twice.
func (h *SignalHandler) Stop() {
	h.stopOnce.Do(func() {
		signal.Stop(h.sigChan)
		close(h.doneChan)
		h.cancel()
	})
}
