// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package queryrunner hosts the background worker that drains the
// query-run queue: it claims pending runs, executes them, and records
// their terminal state. One worker per process is enough; claims are
// guarded in the store, so running more than one is safe.
package queryrunner

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4"
	"gopkg.in/tomb.v2"
)

var logger = loggo.GetLogger("nildb.worker.queryrunner")

// DefaultPollInterval is how long the worker sleeps when the queue is
// empty.
const DefaultPollInterval = time.Second

// RunStore is the slice of state the worker needs.
type RunStore interface {
	ClaimPendingRun(ctx context.Context) (string, error)
	ExecuteRun(ctx context.Context, runID string) error
	FailOrphanRuns(ctx context.Context, reason string) (int, error)
}

// Config holds the worker's dependencies.
type Config struct {
	Store        RunStore
	Clock        clock.Clock
	PollInterval time.Duration
}

// Validate checks the configuration is complete.
func (c Config) Validate() error {
	if c.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

type runnerWorker struct {
	tomb tomb.Tomb

	store        RunStore
	clock        clock.Clock
	pollInterval time.Duration
}

// NewWorker starts the query runner. Before draining the queue it
// fails any run left in the running state by a previous process, so
// the ledger never claims work that will not finish.
func NewWorker(config Config) (worker.Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	w := &runnerWorker{
		store:        config.Store,
		clock:        config.Clock,
		pollInterval: config.PollInterval,
	}
	w.tomb.Go(w.loop)
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *runnerWorker) Kill() {
	w.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *runnerWorker) Wait() error {
	return w.tomb.Wait()
}

func (w *runnerWorker) loop() error {
	ctx := w.tomb.Context(context.Background())

	if _, err := w.store.FailOrphanRuns(ctx, "process restarted during execution"); err != nil {
		return errors.Annotate(err, "failing orphaned runs")
	}

	for {
		drained, err := w.drain(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		if drained {
			continue
		}
		select {
		case <-w.tomb.Dying():
			return tomb.ErrDying
		case <-w.clock.After(w.pollInterval):
		}
	}
}

// drain claims and executes one run, reporting whether it found any.
func (w *runnerWorker) drain(ctx context.Context) (bool, error) {
	runID, err := w.store.ClaimPendingRun(ctx)
	if errors.Is(err, errors.NotFound) {
		return false, nil
	} else if err != nil {
		return false, errors.Trace(err)
	}
	logger.Debugf("executing run %s", runID)
	if err := w.store.ExecuteRun(ctx, runID); err != nil {
		// Execution failures land in the run record; an error here
		// means the ledger itself could not be written.
		return false, errors.Annotatef(err, "executing run %q", runID)
	}
	return true, nil
}
