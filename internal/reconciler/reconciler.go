// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package reconciler implements the operator's control loop. A pass
// receives a lifecycle event, computes the delta between the desired
// configuration and the observed workload state, and sequences the
// corrective actions: render configuration, push it, drive the service,
// exchange relation data, probe health and report status.
//
// All coordination is initiated here. The credential store and relation
// broker are owned by the reconciler and only ever mutated within a
// pass, so a single-threaded caller gets a consistent view per pass.
package reconciler

import (
	"reflect"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"

	opererrors "github.com/canonical/mariadb-k8s-operator/core/errors"
	"github.com/canonical/mariadb-k8s-operator/core/lifecycle"
	"github.com/canonical/mariadb-k8s-operator/core/status"
	"github.com/canonical/mariadb-k8s-operator/internal/config"
	"github.com/canonical/mariadb-k8s-operator/internal/credentials"
	"github.com/canonical/mariadb-k8s-operator/internal/operatorstate"
	"github.com/canonical/mariadb-k8s-operator/internal/probe"
	"github.com/canonical/mariadb-k8s-operator/internal/relation"
	"github.com/canonical/mariadb-k8s-operator/internal/render"
	"github.com/canonical/mariadb-k8s-operator/internal/workload"
)

// Result is the outcome of one reconciliation pass.
type Result struct {
	// AppliedHash is the configuration hash applied to the workload
	// as of the end of the pass.
	AppliedHash string

	// Status is the unit status to report.
	Status status.Status

	// Message names the offending step on failure, or describes
	// readiness.
	Message string
}

// WorkloadClient is the control surface over the workload container.
type WorkloadClient interface {
	EnsureLayer(label string, layerData []byte) error
	WriteFile(path string, data []byte) error
	Start() error
	Stop() error
	Restart() error
	Snapshot() (workload.Observed, error)
}

// HealthProber determines workload readiness.
type HealthProber interface {
	Probe(port int) probe.Verdict
}

// StateStore persists the operator's durable state.
type StateStore interface {
	Read() (*operatorstate.State, error)
	Write(*operatorstate.State) error
}

// Logger represents the logging methods used by the reconciler.
type Logger interface {
	Debugf(string, ...interface{})
	Infof(string, ...interface{})
	Warningf(string, ...interface{})
	Errorf(string, ...interface{})
}

// Config holds the dependencies of a Reconciler.
type Config struct {
	Workload WorkloadClient
	Prober   HealthProber
	DataBag  relation.DataBag
	State    StateStore

	// Host is the address published to consumer relations.
	Host string

	// RetryAttempts is the total number of tries for a step that
	// fails with a transient infrastructure error.
	RetryAttempts int

	// RetryDelay is the initial backoff delay between tries; the
	// delay grows exponentially up to RetryMaxDelay.
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration

	Clock  clock.Clock
	Logger Logger
}

// Validate returns an error if the config cannot back a Reconciler.
func (config Config) Validate() error {
	if config.Workload == nil {
		return errors.NotValidf("nil Workload")
	}
	if config.Prober == nil {
		return errors.NotValidf("nil Prober")
	}
	if config.DataBag == nil {
		return errors.NotValidf("nil DataBag")
	}
	if config.State == nil {
		return errors.NotValidf("nil State")
	}
	if config.Host == "" {
		return errors.NotValidf("empty Host")
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
	defaultRetryAttempts = 3
	defaultRetryDelay    = 500 * time.Millisecond
	defaultRetryMaxDelay = 10 * time.Second
)

// New returns a Reconciler backed by config. The durable state is
// loaded immediately; a missing state file means a fresh unit.
func New(config Config) (*Reconciler, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = defaultRetryAttempts
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = defaultRetryDelay
	}
	if config.RetryMaxDelay <= 0 {
		config.RetryMaxDelay = defaultRetryMaxDelay
	}

	st, err := config.State.Read()
	if errors.Is(err, operatorstate.ErrNoStateFile) {
		st = operatorstate.Initial()
	} else if err != nil {
		return nil, errors.Annotate(err, "loading operator state")
	}

	r := &Reconciler{config: config, st: st}

	store, err := credentials.NewStore(credentials.StoreConfig{
		Records: st.Credentials,
		Save:    r.saveCredentials,
		Clock:   config.Clock,
		Logger:  config.Logger,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	r.creds = store

	broker, err := relation.NewBroker(relation.BrokerConfig{
		Records:     st.Relations,
		Credentials: store,
		DataBag:     config.DataBag,
		Logger:      config.Logger,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	r.relations = broker
	return r, nil
}

// Reconciler drives the observed workload state into convergence with
// the desired configuration. Not safe for concurrent use: exactly one
// pass executes at a time.
type Reconciler struct {
	config Config

	st        *operatorstate.State
	creds     *credentials.Store
	relations *relation.Broker
}

// Reconcile runs one pass for a single event.
func (r *Reconciler) Reconcile(event lifecycle.Event, desired config.Desired, observed workload.Observed) Result {
	return r.ReconcileBatch([]lifecycle.Event{event}, desired, observed)
}

// ReconcileBatch runs one pass for an event batch: the first event is
// the primary trigger, and any pending relation deltas queued behind it
// are merged into the same pass so credentials and configuration are
// seen consistently. No error escapes; every failure is converted into
// a Result.
func (r *Reconciler) ReconcileBatch(events []lifecycle.Event, desired config.Desired, observed workload.Observed) Result {
	if len(events) == 0 {
		events = []lifecycle.Event{{Kind: lifecycle.UpdateStatus}}
	}
	primary := events[0]
	r.config.Logger.Infof("reconciling %q (phase %q, service running %v)",
		primary.Kind, r.st.Phase, observed.ServiceRunning)

	if err := primary.Validate(); err != nil {
		return r.toResult(err)
	}

	if primary.Kind == lifecycle.Remove {
		return r.teardown()
	}
	if r.st.Phase == operatorstate.TornDown {
		return Result{Status: status.Terminated, Message: "unit has been removed"}
	}
	if r.st.Phase == operatorstate.Uninitialized {
		if primary.Kind != lifecycle.Install && primary.Kind != lifecycle.PebbleReady {
			return Result{Status: status.Waiting, Message: "waiting for install"}
		}
		r.st.Phase = operatorstate.ConfigPending
	}

	result, err := r.pass(events, desired, observed)
	if err != nil {
		return r.toResult(err)
	}
	return result
}

func (r *Reconciler) pass(events []lifecycle.Event, desired config.Desired, observed workload.Observed) (Result, error) {
	// The admin credential exists before anything is rendered or any
	// relation is served.
	admin, err := r.ensureAdminCredential(desired)
	if err != nil {
		return Result{}, errors.Trace(err)
	}

	// Relation deltas are merged into the pass, never handled as
	// independent asynchronous tasks.
	for _, ev := range events {
		if !ev.IsRelation() {
			continue
		}
		if err := r.applyRelationEvent(ev, desired); err != nil {
			return Result{}, errors.Trace(err)
		}
	}

	primary := events[0]
	if primary.Kind == lifecycle.SecretRotate {
		if err := r.rotateAdmin(desired, observed); err != nil {
			return Result{}, errors.Trace(err)
		}
		admin, _, err = r.creds.Get(credentials.AdminScope)
		if err != nil {
			return Result{}, errors.Trace(err)
		}
	} else {
		if err := r.converge(primary, desired, observed, admin); err != nil {
			return Result{}, errors.Trace(err)
		}
	}

	if err := r.persist(); err != nil {
		return Result{}, errors.Trace(err)
	}
	return r.report(desired), nil
}

// converge applies the rendered configuration when it differs from the
// last applied hash and drives the service towards running.
func (r *Reconciler) converge(primary lifecycle.Event, desired config.Desired, observed workload.Observed, admin credentials.Credential) error {
	artifact, hash, err := render.Render(desired, admin.Secret)
	if err != nil {
		return errors.Annotate(err, "rendering configuration")
	}

	// The layer is gone whenever Pebble restarts with the container,
	// so pebble-ready always re-applies regardless of hash.
	needApply := hash != r.st.AppliedHash ||
		primary.Kind == lifecycle.Upgrade ||
		primary.Kind == lifecycle.PebbleReady ||
		!observed.ServiceFound
	forceRestart := primary.Kind == lifecycle.Restart || primary.Kind == lifecycle.Upgrade

	switch {
	case needApply:
		if err := r.applyArtifact(artifact, hash); err != nil {
			return errors.Trace(err)
		}
		if observed.ServiceRunning {
			if err := r.restartWorkload(); err != nil {
				return errors.Trace(err)
			}
		} else {
			if err := r.startWorkload(); err != nil {
				return errors.Trace(err)
			}
		}
	case forceRestart:
		if err := r.restartWorkload(); err != nil {
			return errors.Trace(err)
		}
	case !observed.ServiceRunning:
		// Desired state expects the process up but it is absent:
		// degraded, corrected by a start rather than a failed pass.
		if r.st.Phase == operatorstate.WorkloadReady {
			r.st.Phase = operatorstate.Degraded
		}
		if err := r.startWorkload(); err != nil {
			return errors.Trace(err)
		}
	default:
		// No-op fast path: unchanged hash, service running. No
		// workload mutations are issued at all.
		r.config.Logger.Debugf("configuration hash %q unchanged; skipping apply", hash)
	}
	return nil
}

func (r *Reconciler) applyArtifact(artifact *render.Artifact, hash string) error {
	err := r.retryTransient("pushing server configuration", func() error {
		return r.config.Workload.WriteFile(render.ServerConfigPath, artifact.ServerConfig)
	})
	if err != nil {
		return errors.Trace(err)
	}
	err = r.retryTransient("applying pebble layer", func() error {
		return r.config.Workload.EnsureLayer(render.LayerLabel, artifact.Layer)
	})
	if err != nil {
		return errors.Trace(err)
	}
	// Both halves of the artifact are in place; only now is the hash
	// recorded so a failed pass never looks half applied.
	r.st.AppliedHash = hash
	if r.st.Phase == operatorstate.ConfigPending {
		r.st.Phase = operatorstate.WorkloadStarting
	}
	return nil
}

func (r *Reconciler) startWorkload() error {
	err := r.retryTransient("starting workload", r.config.Workload.Start)
	if err != nil {
		return errors.Trace(err)
	}
	if r.st.Phase == operatorstate.ConfigPending {
		r.st.Phase = operatorstate.WorkloadStarting
	}
	return nil
}

func (r *Reconciler) restartWorkload() error {
	err := r.retryTransient("restarting workload", r.config.Workload.Restart)
	if err != nil {
		return errors.Trace(err)
	}
	r.st.Restarts++
	return nil
}

func (r *Reconciler) ensureAdminCredential(desired config.Desired) (credentials.Credential, error) {
	if desired.RootPassword != "" {
		cred, err := r.creds.IssueWithSecret(credentials.AdminScope, credentials.AdminPrincipal, desired.RootPassword)
		return cred, errors.Trace(err)
	}
	cred, err := r.creds.Issue(credentials.AdminScope, credentials.AdminPrincipal)
	return cred, errors.Trace(err)
}

func (r *Reconciler) applyRelationEvent(ev lifecycle.Event, desired config.Desired) error {
	ep := relation.Endpoint{
		Host:     r.config.Host,
		Port:     desired.Port,
		Database: desired.DatabaseName,
	}
	switch ev.Kind {
	case lifecycle.RelationJoined:
		return errors.Trace(r.retryTransient("publishing relation data", func() error {
			return r.relations.Joined(ev.RelationID, ev.RemoteUnit, ep)
		}))
	case lifecycle.RelationChanged:
		return errors.Trace(r.relations.Changed(ev.RelationID, ev.Data))
	case lifecycle.RelationDeparted:
		return errors.Trace(r.relations.Departed(ev.RelationID))
	}
	return nil
}

// rotateAdmin performs the two-phase admin rotation: generate and
// persist the replacement, distribute it to the workload, then confirm
// so the old secret is revoked. A rotation left unconfirmed by an
// earlier failure is resumed once; a second collision blocks.
func (r *Reconciler) rotateAdmin(desired config.Desired, observed workload.Observed) error {
	next, err := r.creds.Rotate(credentials.AdminScope)
	if errors.Is(err, opererrors.CredentialConflict) {
		pending, ok := r.creds.Pending(credentials.AdminScope)
		if !ok {
			return errors.Trace(err)
		}
		r.config.Logger.Warningf("resuming unconfirmed admin rotation")
		next = pending
	} else if err != nil {
		return errors.Trace(err)
	}

	if err := r.distribute(desired, observed, next.Secret); err != nil {
		return errors.Annotate(err, "distributing rotated credential")
	}
	return errors.Trace(r.creds.ConfirmRotation(credentials.AdminScope))
}

func (r *Reconciler) distribute(desired config.Desired, observed workload.Observed, secret string) error {
	artifact, hash, err := render.Render(desired, secret)
	if err != nil {
		return errors.Trace(err)
	}
	if err := r.applyArtifact(artifact, hash); err != nil {
		return errors.Trace(err)
	}
	if observed.ServiceRunning {
		return errors.Trace(r.restartWorkload())
	}
	return errors.Trace(r.startWorkload())
}

// teardown moves the unit to its terminal state: the workload is
// stopped on a best-effort basis and every credential is revoked.
func (r *Reconciler) teardown() Result {
	if err := r.retryTransient("stopping workload", r.config.Workload.Stop); err != nil {
		r.config.Logger.Warningf("teardown: %v", err)
	}
	if err := r.creds.RevokeAll(); err != nil {
		return r.toResult(err)
	}
	r.st.Phase = operatorstate.TornDown
	if err := r.persist(); err != nil {
		return r.toResult(err)
	}
	return Result{Status: status.Terminated, Message: "unit removed"}
}

// report probes the workload and derives the unit status.
func (r *Reconciler) report(desired config.Desired) Result {
	verdict := r.config.Prober.Probe(desired.Port)
	if verdict.Ready {
		if r.st.Phase == operatorstate.WorkloadStarting || r.st.Phase == operatorstate.Degraded {
			r.st.Phase = operatorstate.WorkloadReady
			if err := r.persist(); err != nil {
				return r.toResult(err)
			}
		}
		return Result{AppliedHash: r.st.AppliedHash, Status: status.Active}
	}

	if r.st.Phase == operatorstate.WorkloadReady {
		r.st.Phase = operatorstate.Degraded
		if err := r.persist(); err != nil {
			return r.toResult(err)
		}
	}
	return Result{
		AppliedHash: r.st.AppliedHash,
		Status:      status.Waiting,
		Message:     "service not ready yet: " + verdict.Detail,
	}
}

// Phase exposes the current lifecycle phase, for the worker's logging.
func (r *Reconciler) Phase() operatorstate.Phase {
	return r.st.Phase
}

func (r *Reconciler) saveCredentials(records []credentials.Credential) error {
	prev := r.st.Credentials
	r.st.Credentials = records
	if err := r.config.State.Write(r.st); err != nil {
		r.st.Credentials = prev
		return errors.Trace(err)
	}
	return nil
}

func (r *Reconciler) persist() error {
	records := r.relations.Records()
	if !reflect.DeepEqual(records, r.st.Relations) {
		r.st.Relations = records
	}
	return errors.Annotate(r.config.State.Write(r.st), "persisting operator state")
}

// retryTransient runs step, retrying transient infrastructure failures
// with bounded exponential backoff. Non-transient errors abort at once.
// Exhausting the attempt ceiling surfaces the last error annotated with
// the step name.
func (r *Reconciler) retryTransient(step string, f func() error) error {
	err := retry.Call(retry.CallArgs{
		Func:     f,
		Attempts: r.config.RetryAttempts,
		Delay:    r.config.RetryDelay,
		BackoffFunc: retry.ExpBackoff(
			r.config.RetryDelay, r.config.RetryMaxDelay, 2.0, true),
		Clock: r.config.Clock,
		IsFatalError: func(err error) bool {
			return !errors.Is(err, opererrors.Transient)
		},
		NotifyFunc: func(lastErr error, attempt int) {
			r.config.Logger.Warningf("%s: attempt %d of %d failed, retrying: %v",
				step, attempt, r.config.RetryAttempts, lastErr)
		},
	})
	if err == nil {
		return nil
	}
	if retry.IsAttemptsExceeded(err) {
		err = retry.LastError(err)
		return errors.WithType(
			errors.Annotatef(err, "%s failed after %d attempts", step, r.config.RetryAttempts),
			opererrors.Transient)
	}
	return errors.Annotate(err, step)
}

// toResult converts an error into the pass outcome. Validation and
// credential conflicts block pending user correction; transient
// exhaustion and invariant violations are reported as errors. The
// control loop itself never crashes.
func (r *Reconciler) toResult(err error) Result {
	msg := err.Error()
	switch {
	case errors.Is(err, errors.NotValid):
		r.config.Logger.Errorf("blocked: %s", msg)
		return Result{AppliedHash: r.st.AppliedHash, Status: status.Blocked, Message: msg}
	case errors.Is(err, opererrors.CredentialConflict):
		r.config.Logger.Errorf("blocked: %s", msg)
		return Result{AppliedHash: r.st.AppliedHash, Status: status.Blocked, Message: msg}
	case errors.Is(err, opererrors.FatalState):
		r.config.Logger.Errorf("fatal: %s", msg)
		return Result{AppliedHash: r.st.AppliedHash, Status: status.Error, Message: msg}
	default:
		r.config.Logger.Errorf("pass failed: %s", msg)
		return Result{AppliedHash: r.st.AppliedHash, Status: status.Error, Message: msg}
	}
}
