// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package shutdown coordinates graceful termination: stop accepting work,
// drain what is in flight under a deadline, flush the audit sink, and
// report an exit code.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mcpany/broker/pkg/audit"
	"github.com/mcpany/broker/pkg/logging"
)

// DefaultDrainTimeout matches common orchestrator grace periods.
const DefaultDrainTimeout = 30 * time.Second

// Options configures a Coordinator. Nil callbacks are skipped.
type Options struct {
	// SetShuttingDown flips the serving flag before anything else.
	SetShuttingDown func(bool)
	// CloseListener stops accepting new connections.
	CloseListener func() error
	// Drain empties an optional connection queue.
	Drain func(ctx context.Context) error
	// Audit receives a shutdown event and is flushed at the end.
	Audit *audit.Logger
	// DrainTimeout defaults to DefaultDrainTimeout.
	DrainTimeout time.Duration
	// ExitFn defaults to os.Exit. Injected in tests.
	ExitFn func(code int)
}

// Coordinator runs the shutdown sequence exactly once, no matter how many
// times it is invoked.
type Coordinator struct {
	opts    Options
	once    chan struct{}
	done    chan struct{}
	result  int
	signals chan os.Signal
}

// New builds a Coordinator.
func New(opts Options) *Coordinator {
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}
	if opts.ExitFn == nil {
		opts.ExitFn = os.Exit
	}
	c := &Coordinator{
		opts: opts,
		once: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	c.once <- struct{}{}
	return c
}

// Listen subscribes to SIGTERM and SIGINT and exits the process with the
// shutdown result when one arrives.
func (c *Coordinator) Listen() {
	c.signals = make(chan os.Signal, 1)
	signal.Notify(c.signals, syscall.SIGTERM, os.Interrupt)
	go func() {
		sig := <-c.signals
		logging.GetLogger().Info("termination signal received", "signal", sig.String())
		c.opts.ExitFn(c.Shutdown(context.Background()))
	}()
}

// Shutdown runs the drain sequence and returns the exit code: 0 on a
// complete drain within the deadline, 1 on timeout or error. Concurrent
// and repeated calls share the single run and its result.
func (c *Coordinator) Shutdown(ctx context.Context) int {
	select {
	case <-c.once:
		c.result = c.run(ctx)
		close(c.done)
	case <-c.done:
	}
	<-c.done
	return c.result
}

func (c *Coordinator) run(ctx context.Context) int {
	log := logging.GetLogger()
	log.Info("shutting down", "drain_timeout", c.opts.DrainTimeout)

	if c.opts.SetShuttingDown != nil {
		c.opts.SetShuttingDown(true)
	}

	if c.opts.Audit != nil {
		c.opts.Audit.Record(ctx, audit.Entry{
			EventType: audit.EventShutdown,
			Status:    audit.StatusOK,
		})
	}

	dctx, cancel := context.WithTimeout(ctx, c.opts.DrainTimeout)
	defer cancel()

	errc := make(chan error, 2)
	pending := 0
	if c.opts.CloseListener != nil {
		pending++
		go func() { errc <- c.opts.CloseListener() }()
	}
	if c.opts.Drain != nil {
		pending++
		drain := c.opts.Drain
		go func() { errc <- drain(dctx) }()
	}

	code := 0
	for pending > 0 {
		select {
		case err := <-errc:
			pending--
			if err != nil {
				log.Error("shutdown step failed", "error", err)
				code = 1
			}
		case <-dctx.Done():
			log.Error("drain deadline exceeded", "timeout", c.opts.DrainTimeout)
			code = 1
			pending = 0
		}
	}

	if c.opts.Audit != nil {
		if err := c.opts.Audit.Close(); err != nil {
			log.Warn("failed to flush audit sink", "error", err)
		}
	}

	log.Info("shutdown complete", "exit_code", code)
	return code
}
