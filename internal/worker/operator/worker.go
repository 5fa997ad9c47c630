// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package operator runs the reconciliation loop as a worker: lifecycle
// events are queued and processed strictly one pass at a time, in
// arrival order, with a periodic update-status prompt. An event arriving
// during an in-flight pass waits for the pass to complete; passes are
// never interleaved and never cancelled mid-flight.
package operator

import (
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"

	"github.com/canonical/mariadb-k8s-operator/core/lifecycle"
	"github.com/canonical/mariadb-k8s-operator/core/status"
	"github.com/canonical/mariadb-k8s-operator/internal/config"
	"github.com/canonical/mariadb-k8s-operator/internal/reconciler"
	"github.com/canonical/mariadb-k8s-operator/internal/workload"
)

// Reconciler runs one reconciliation pass over an event batch.
type Reconciler interface {
	ReconcileBatch(events []lifecycle.Event, desired config.Desired, observed workload.Observed) reconciler.Result
}

// ObservedSource reads a fresh workload snapshot for a pass.
type ObservedSource interface {
	Snapshot() (workload.Observed, error)
}

// StatusReporter receives the unit status after every pass.
type StatusReporter interface {
	SetStatus(status.StatusInfo) error
}

// Logger represents the methods used by the worker to log information.
type Logger interface {
	Debugf(string, ...interface{})
	Infof(string, ...interface{})
	Warningf(string, ...interface{})
	Errorf(string, ...interface{})
}

// Config defines the operation of the Worker.
type Config struct {
	Reconciler Reconciler
	Observed   ObservedSource

	// DesiredConfig reads the raw declared options, fresh each pass.
	DesiredConfig func() (map[string]interface{}, error)

	Status StatusReporter
	Clock  clock.Clock
	Logger Logger

	// UpdateStatusInterval is the period of the update-status prompt.
	UpdateStatusInterval time.Duration

	// QueueSize bounds how many events may wait behind a pass.
	QueueSize int
}

// Validate returns an error if config cannot drive the Worker.
func (config Config) Validate() error {
	if config.Reconciler == nil {
		return errors.NotValidf("nil Reconciler")
	}
	if config.Observed == nil {
		return errors.NotValidf("nil Observed")
	}
	if config.DesiredConfig == nil {
		return errors.NotValidf("nil DesiredConfig")
	}
	if config.Status == nil {
		return errors.NotValidf("nil Status")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

const (
	defaultUpdateStatusInterval = 5 * time.Minute
	defaultQueueSize            = 16
)

// NewWorker returns an operator Worker backed by config, or an error.
func NewWorker(config Config) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.UpdateStatusInterval <= 0 {
		config.UpdateStatusInterval = defaultUpdateStatusInterval
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaultQueueSize
	}
	w := &Worker{
		config: config,
		events: make(chan lifecycle.Event, config.QueueSize),
	}
	err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	})
	return w, errors.Trace(err)
}

// Worker processes lifecycle events serially.
type Worker struct {
	catacomb catacomb.Catacomb
	config   Config
	events   chan lifecycle.Event

	// carry holds an event drained while looking for mergeable
	// relation deltas; it is processed as the next pass.
	carry *lifecycle.Event
}

// Kill is defined on worker.Worker.
func (w *Worker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Worker) Wait() error {
	return w.catacomb.Wait()
}

// Enqueue queues an event for processing in arrival order. It blocks
// while the queue is full and fails only if the worker is dying.
func (w *Worker) Enqueue(event lifecycle.Event) error {
	if err := event.Validate(); err != nil {
		return errors.Trace(err)
	}
	select {
	case w.events <- event:
		return nil
	case <-w.catacomb.Dying():
		return w.catacomb.ErrDying()
	}
}

func (w *Worker) loop() error {
	timer := w.config.Clock.NewTimer(w.config.UpdateStatusInterval)
	defer timer.Stop()

	for {
		var batch []lifecycle.Event
		if w.carry != nil {
			batch = w.gather(*w.carry)
			w.carry = nil
		} else {
			select {
			case <-w.catacomb.Dying():
				return w.catacomb.ErrDying()
			case <-timer.Chan():
				batch = []lifecycle.Event{{Kind: lifecycle.UpdateStatus}}
			case ev := <-w.events:
				batch = w.gather(ev)
			}
			timer.Reset(w.config.UpdateStatusInterval)
		}
		w.process(batch)
	}
}

// gather merges a config-changed event with any relation deltas already
// queued behind it, so one pass sees a consistent credential and
// configuration view. Any other queued event is carried over to run as
// its own pass; nothing is reordered.
func (w *Worker) gather(first lifecycle.Event) []lifecycle.Event {
	batch := []lifecycle.Event{first}
	if first.Kind != lifecycle.ConfigChanged {
		return batch
	}
	for {
		select {
		case next := <-w.events:
			if next.IsRelation() {
				batch = append(batch, next)
				continue
			}
			w.carry = &next
			return batch
		default:
			return batch
		}
	}
}

func (w *Worker) process(batch []lifecycle.Event) {
	raw, err := w.config.DesiredConfig()
	if err != nil {
		w.report(status.StatusInfo{
			Status:  status.Error,
			Message: "reading configuration: " + err.Error(),
		})
		return
	}
	desired, err := config.Parse(raw)
	if err != nil {
		w.report(status.StatusInfo{
			Status:  status.Blocked,
			Message: err.Error(),
		})
		return
	}

	observed, err := w.config.Observed.Snapshot()
	if err != nil {
		w.report(status.StatusInfo{
			Status:  status.Error,
			Message: "observing workload: " + err.Error(),
		})
		return
	}

	result := w.config.Reconciler.ReconcileBatch(batch, desired, observed)
	w.config.Logger.Debugf("pass for %q complete: %s", batch[0].Kind, result.Status)
	now := w.config.Clock.Now()
	w.report(status.StatusInfo{
		Status:  result.Status,
		Message: result.Message,
		Since:   &now,
	})
}

func (w *Worker) report(info status.StatusInfo) {
	if err := w.config.Status.SetStatus(info); err != nil {
		w.config.Logger.Warningf("cannot report status %q: %v", info.Status, err)
	}
}
