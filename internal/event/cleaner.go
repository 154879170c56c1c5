// Package event runs registered shutdown callbacks when the process is asked to stop.
package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

type Callable interface {
	Invoke(ctx context.Context) error
}

// CallableFunc adapts a plain function to Callable.
type CallableFunc func(ctx context.Context) error

func (f CallableFunc) Invoke(ctx context.Context) error { return f(ctx) }

type Cleaner struct {
	cleaners []Callable
	mu       sync.Mutex
	cleaning bool
	timeout  time.Duration
	log      *slog.Logger
}

func NewCleaner(log *slog.Logger) *Cleaner {
	return &Cleaner{log: log, timeout: 10 * time.Second}
}

func (c *Cleaner) Add(callable Callable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cleaning {
		c.log.Debug("Cleaner is already shutting down, ignoring new cleaner")
		return
	}
	c.cleaners = append(c.cleaners, callable)
}

// Clean invokes the registered callables in reverse registration order,
// each with its own timeout derived from ctx. It runs at most once.
func (c *Cleaner) Clean(ctx context.Context) error {
	c.mu.Lock()
	if c.cleaning {
		c.mu.Unlock()
		return nil
	}
	c.cleaning = true // 标记为清理中，阻止后续Add操作
	cleanersCopy := make([]Callable, len(c.cleaners))
	copy(cleanersCopy, c.cleaners)
	c.mu.Unlock()

	c.log.Debug(fmt.Sprintf("Starting cleanup of %d registered functions", len(cleanersCopy)))

	var errs []error
	for i := len(cleanersCopy) - 1; i >= 0; i-- {
		callable := cleanersCopy[i]
		func() {
			c.log.Debug(fmt.Sprintf("Invoking cleaner #%d (%T)", i+1, callable))
			timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			if err := callable.Invoke(timeoutCtx); err != nil {
				c.log.Error(fmt.Sprintf("Cleaner #%d (%T) failed: %v", i+1, callable, err))
				errs = append(errs, err)
			}
		}()
	}

	if len(errs) > 0 {
		return fmt.Errorf("%d errors occurred during cleanup: %w", len(errs), errors.Join(errs...))
	}
	c.log.Debug("All cleaners executed successfully")
	return nil
}

// Wait blocks until SIGINT/SIGTERM or ctx is done, then cleans up.
func (c *Cleaner) Wait(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()
	c.log.Info("Received interrupt signal, shutting down")
	err := c.Clean(context.Background())
	c.log.Info("Cleanup finished, server offline")
	return err
}
