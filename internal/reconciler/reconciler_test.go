// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package reconciler_test

import (
	"path/filepath"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	opererrors "github.com/canonical/mariadb-k8s-operator/core/errors"
	"github.com/canonical/mariadb-k8s-operator/core/lifecycle"
	"github.com/canonical/mariadb-k8s-operator/core/status"
	"github.com/canonical/mariadb-k8s-operator/internal/config"
	"github.com/canonical/mariadb-k8s-operator/internal/credentials"
	"github.com/canonical/mariadb-k8s-operator/internal/operatorstate"
	"github.com/canonical/mariadb-k8s-operator/internal/probe"
	"github.com/canonical/mariadb-k8s-operator/internal/reconciler"
	"github.com/canonical/mariadb-k8s-operator/internal/workload"
)

type fakeWorkload struct {
	calls []string
	files map[string][]byte

	// writeFails counts initial WriteFile failures; negative means
	// every call fails.
	writeFails int
	writeErr   error
	startErr   error
}

func (w *fakeWorkload) record(call string) {
	w.calls = append(w.calls, call)
}

func (w *fakeWorkload) failing(n *int, err error) error {
	if *n == 0 {
		return nil
	}
	if *n > 0 {
		*n--
	}
	return err
}

func (w *fakeWorkload) EnsureLayer(label string, layerData []byte) error {
	w.record("ensure-layer")
	return nil
}

func (w *fakeWorkload) WriteFile(path string, data []byte) error {
	w.record("write-file")
	if err := w.failing(&w.writeFails, w.writeErr); err != nil {
		return err
	}
	if w.files == nil {
		w.files = make(map[string][]byte)
	}
	w.files[path] = data
	return nil
}

func (w *fakeWorkload) Start() error {
	w.record("start")
	return w.startErr
}

func (w *fakeWorkload) Stop() error {
	w.record("stop")
	return nil
}

func (w *fakeWorkload) Restart() error {
	w.record("restart")
	return nil
}

func (w *fakeWorkload) Snapshot() (workload.Observed, error) {
	w.record("snapshot")
	return workload.Observed{}, nil
}

func (w *fakeWorkload) count(call string) int {
	n := 0
	for _, c := range w.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (w *fakeWorkload) mutations() int {
	return w.count("write-file") + w.count("ensure-layer") +
		w.count("start") + w.count("stop") + w.count("restart")
}

type fakeProber struct {
	verdict probe.Verdict
	probed  []int
}

func (p *fakeProber) Probe(port int) probe.Verdict {
	p.probed = append(p.probed, port)
	return p.verdict
}

type recordingBag struct {
	published map[string][]map[string]string
}

func (b *recordingBag) Publish(relationID string, data map[string]string) error {
	if b.published == nil {
		b.published = make(map[string][]map[string]string)
	}
	b.published[relationID] = append(b.published[relationID], data)
	return nil
}

type ReconcilerSuite struct {
	workload  *fakeWorkload
	prober    *fakeProber
	bag       *recordingBag
	statePath string
}

var _ = gc.Suite(&ReconcilerSuite{})

func (s *ReconcilerSuite) SetUpTest(c *gc.C) {
	s.workload = &fakeWorkload{}
	s.prober = &fakeProber{verdict: probe.Verdict{Ready: true}}
	s.bag = &recordingBag{}
	s.statePath = filepath.Join(c.MkDir(), "state.yaml")
}

func (s *ReconcilerSuite) newReconciler(c *gc.C) *reconciler.Reconciler {
	r, err := reconciler.New(reconciler.Config{
		Workload:      s.workload,
		Prober:        s.prober,
		DataBag:       s.bag,
		State:         operatorstate.NewStateFile(s.statePath),
		Host:          "mariadb-0.local",
		RetryAttempts: 3,
		RetryDelay:    time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		Clock:         clock.WallClock,
		Logger:        loggo.GetLogger("test"),
	})
	c.Assert(err, jc.ErrorIsNil)
	return r
}

func (s *ReconcilerSuite) readState(c *gc.C) *operatorstate.State {
	st, err := operatorstate.NewStateFile(s.statePath).Read()
	c.Assert(err, jc.ErrorIsNil)
	return st
}

func (s *ReconcilerSuite) liveAdminSecret(c *gc.C) string {
	var live []string
	for _, cred := range s.readState(c).Credentials {
		if cred.Scope == credentials.AdminScope && !cred.Revoked && !cred.Pending {
			live = append(live, cred.Secret)
		}
	}
	c.Assert(live, gc.HasLen, 1)
	return live[0]
}

func desired() config.Desired {
	return config.Desired{DatabaseName: "mariadb", Port: 3306}
}

func event(kind lifecycle.Kind) lifecycle.Event {
	return lifecycle.Event{Kind: kind}
}

// install drives a fresh unit to active and resets the call log.
func (s *ReconcilerSuite) install(c *gc.C, r *reconciler.Reconciler) reconciler.Result {
	result := r.Reconcile(event(lifecycle.Install), desired(), workload.Observed{})
	c.Assert(result.Status, gc.Equals, status.Active)
	s.workload.calls = nil
	return result
}

func running() workload.Observed {
	return workload.Observed{ServiceFound: true, ServiceRunning: true, ServiceState: "active"}
}

func (s *ReconcilerSuite) TestInstallBecomesActive(c *gc.C) {
	r := s.newReconciler(c)
	result := r.Reconcile(event(lifecycle.Install), desired(), workload.Observed{})

	c.Check(result.Status, gc.Equals, status.Active)
	c.Check(result.AppliedHash, gc.Not(gc.Equals), "")
	c.Check(r.Phase(), gc.Equals, operatorstate.WorkloadReady)

	// Config pushed, layer applied, service started, health probed.
	c.Check(s.workload.count("write-file"), gc.Equals, 1)
	c.Check(s.workload.count("ensure-layer"), gc.Equals, 1)
	c.Check(s.workload.count("start"), gc.Equals, 1)
	c.Check(s.workload.count("restart"), gc.Equals, 0)
	c.Check(s.prober.probed, jc.DeepEquals, []int{3306})

	st := s.readState(c)
	c.Check(st.Phase, gc.Equals, operatorstate.WorkloadReady)
	c.Check(st.AppliedHash, gc.Equals, result.AppliedHash)
	c.Check(s.liveAdminSecret(c), gc.Not(gc.Equals), "")
}

func (s *ReconcilerSuite) TestUninitializedUnitWaitsForInstall(c *gc.C) {
	r := s.newReconciler(c)
	result := r.Reconcile(event(lifecycle.ConfigChanged), desired(), workload.Observed{})

	c.Check(result.Status, gc.Equals, status.Waiting)
	c.Check(result.Message, gc.Equals, "waiting for install")
	c.Check(s.workload.mutations(), gc.Equals, 0)

	// Nothing was persisted either.
	_, err := operatorstate.NewStateFile(s.statePath).Read()
	c.Check(err, jc.ErrorIs, operatorstate.ErrNoStateFile)
}

func (s *ReconcilerSuite) TestPebbleReadyInitializesFreshUnit(c *gc.C) {
	r := s.newReconciler(c)
	result := r.Reconcile(event(lifecycle.PebbleReady), desired(), workload.Observed{})
	c.Check(result.Status, gc.Equals, status.Active)
	c.Check(s.workload.count("start"), gc.Equals, 1)
}

func (s *ReconcilerSuite) TestConvergedPassIsReadOnly(c *gc.C) {
	r := s.newReconciler(c)
	first := s.install(c, r)

	result := r.Reconcile(event(lifecycle.UpdateStatus), desired(), running())
	c.Check(result.Status, gc.Equals, status.Active)
	c.Check(result.AppliedHash, gc.Equals, first.AppliedHash)
	c.Check(s.workload.mutations(), gc.Equals, 0)
}

func (s *ReconcilerSuite) TestRepeatedPassesStayIdempotent(c *gc.C) {
	r := s.newReconciler(c)
	s.install(c, r)

	for i := 0; i < 3; i++ {
		result := r.Reconcile(event(lifecycle.UpdateStatus), desired(), running())
		c.Assert(result.Status, gc.Equals, status.Active)
	}
	c.Check(s.workload.mutations(), gc.Equals, 0)
}

func (s *ReconcilerSuite) TestConfigChangeAppliesAndRestartsOnce(c *gc.C) {
	r := s.newReconciler(c)
	first := s.install(c, r)

	d := desired()
	d.Port = 3307
	result := r.Reconcile(event(lifecycle.ConfigChanged), d, running())

	c.Check(result.Status, gc.Equals, status.Active)
	c.Check(result.AppliedHash, gc.Not(gc.Equals), first.AppliedHash)
	c.Check(s.workload.count("write-file"), gc.Equals, 1)
	c.Check(s.workload.count("ensure-layer"), gc.Equals, 1)
	c.Check(s.workload.count("restart"), gc.Equals, 1)
	c.Check(s.workload.count("start"), gc.Equals, 0)

	// Reverting and re-applying the same config converges to the
	// original hash.
	result = r.Reconcile(event(lifecycle.ConfigChanged), desired(), running())
	c.Check(result.AppliedHash, gc.Equals, first.AppliedHash)
}

func (s *ReconcilerSuite) TestUnchangedConfigDoesNotRestart(c *gc.C) {
	r := s.newReconciler(c)
	s.install(c, r)

	result := r.Reconcile(event(lifecycle.ConfigChanged), desired(), running())
	c.Check(result.Status, gc.Equals, status.Active)
	c.Check(s.workload.mutations(), gc.Equals, 0)
}

func (s *ReconcilerSuite) TestRestartEventBouncesWithoutReapply(c *gc.C) {
	r := s.newReconciler(c)
	s.install(c, r)

	result := r.Reconcile(event(lifecycle.Restart), desired(), running())
	c.Check(result.Status, gc.Equals, status.Active)
	c.Check(s.workload.count("restart"), gc.Equals, 1)
	c.Check(s.workload.count("write-file"), gc.Equals, 0)
	c.Check(s.readState(c).Restarts, gc.Equals, 1)
}

func (s *ReconcilerSuite) TestUpgradeReappliesAndRestarts(c *gc.C) {
	r := s.newReconciler(c)
	s.install(c, r)

	result := r.Reconcile(event(lifecycle.Upgrade), desired(), running())
	c.Check(result.Status, gc.Equals, status.Active)
	c.Check(s.workload.count("write-file"), gc.Equals, 1)
	c.Check(s.workload.count("ensure-layer"), gc.Equals, 1)
	c.Check(s.workload.count("restart"), gc.Equals, 1)
}

func (s *ReconcilerSuite) TestPebbleReadyReappliesLayer(c *gc.C) {
	// A container restart wipes the Pebble plan, so pebble-ready
	// re-applies even with an unchanged hash.
	r := s.newReconciler(c)
	s.install(c, r)

	result := r.Reconcile(event(lifecycle.PebbleReady), desired(), workload.Observed{})
	c.Check(result.Status, gc.Equals, status.Active)
	c.Check(s.workload.count("ensure-layer"), gc.Equals, 1)
	c.Check(s.workload.count("start"), gc.Equals, 1)
}

func (s *ReconcilerSuite) TestVanishedServiceRestartedAndDegraded(c *gc.C) {
	r := s.newReconciler(c)
	s.install(c, r)
	s.prober.verdict = probe.Verdict{Detail: "port 3306 not reachable"}

	observed := workload.Observed{ServiceFound: true, ServiceRunning: false, ServiceState: "inactive"}
	result := r.Reconcile(event(lifecycle.UpdateStatus), desired(), observed)

	c.Check(result.Status, gc.Equals, status.Waiting)
	c.Check(result.Message, gc.Equals, "service not ready yet: port 3306 not reachable")
	c.Check(s.workload.count("start"), gc.Equals, 1)
	c.Check(r.Phase(), gc.Equals, operatorstate.Degraded)

	// Once the probe passes again the unit recovers.
	s.prober.verdict = probe.Verdict{Ready: true}
	result = r.Reconcile(event(lifecycle.UpdateStatus), desired(), running())
	c.Check(result.Status, gc.Equals, status.Active)
	c.Check(r.Phase(), gc.Equals, operatorstate.WorkloadReady)
}

func (s *ReconcilerSuite) TestProbeFailureDegradesReadyUnit(c *gc.C) {
	r := s.newReconciler(c)
	s.install(c, r)
	s.prober.verdict = probe.Verdict{Detail: "server not answering"}

	result := r.Reconcile(event(lifecycle.UpdateStatus), desired(), running())
	c.Check(result.Status, gc.Equals, status.Waiting)
	c.Check(r.Phase(), gc.Equals, operatorstate.Degraded)
	c.Check(s.readState(c).Phase, gc.Equals, operatorstate.Degraded)
}

func (s *ReconcilerSuite) TestTransientFailureRetriedToSuccess(c *gc.C) {
	r := s.newReconciler(c)
	s.workload.writeFails = 2
	s.workload.writeErr = errors.WithType(errors.New("socket gone"), opererrors.Transient)

	result := r.Reconcile(event(lifecycle.Install), desired(), workload.Observed{})
	c.Check(result.Status, gc.Equals, status.Active)
	c.Check(s.workload.count("write-file"), gc.Equals, 3)
}

func (s *ReconcilerSuite) TestTransientFailureExhaustsAttemptCeiling(c *gc.C) {
	r := s.newReconciler(c)
	s.workload.writeFails = -1
	s.workload.writeErr = errors.WithType(errors.New("socket gone"), opererrors.Transient)

	result := r.Reconcile(event(lifecycle.Install), desired(), workload.Observed{})
	c.Check(result.Status, gc.Equals, status.Error)
	c.Check(result.Message, gc.Matches, ".*failed after 3 attempts.*")
	// Exactly the configured ceiling, no more.
	c.Check(s.workload.count("write-file"), gc.Equals, 3)
	// The pass never got to the layer or the service.
	c.Check(s.workload.count("ensure-layer"), gc.Equals, 0)
	c.Check(s.workload.count("start"), gc.Equals, 0)
}

func (s *ReconcilerSuite) TestNonTransientFailureNotRetried(c *gc.C) {
	r := s.newReconciler(c)
	s.workload.writeFails = -1
	s.workload.writeErr = errors.New("permission denied")

	result := r.Reconcile(event(lifecycle.Install), desired(), workload.Observed{})
	c.Check(result.Status, gc.Equals, status.Error)
	c.Check(s.workload.count("write-file"), gc.Equals, 1)
}

func (s *ReconcilerSuite) TestFailedApplyDoesNotRecordHash(c *gc.C) {
	r := s.newReconciler(c)
	s.workload.writeFails = -1
	s.workload.writeErr = errors.WithType(errors.New("socket gone"), opererrors.Transient)

	result := r.Reconcile(event(lifecycle.Install), desired(), workload.Observed{})
	c.Check(result.Status, gc.Equals, status.Error)
	c.Check(result.AppliedHash, gc.Equals, "")

	// Once the fault clears, the same pass applies cleanly.
	s.workload.writeFails = 0
	result = r.Reconcile(event(lifecycle.ConfigChanged), desired(), workload.Observed{})
	c.Check(result.Status, gc.Equals, status.Active)
	c.Check(result.AppliedHash, gc.Not(gc.Equals), "")
}

func (s *ReconcilerSuite) TestInvalidEventBlocks(c *gc.C) {
	r := s.newReconciler(c)
	s.install(c, r)

	result := r.Reconcile(lifecycle.Event{Kind: lifecycle.RelationChanged}, desired(), running())
	c.Check(result.Status, gc.Equals, status.Blocked)
	c.Check(result.Message, gc.Matches, ".*requires a relation id.*")
}

func (s *ReconcilerSuite) TestPinnedRootPassword(c *gc.C) {
	r := s.newReconciler(c)
	d := desired()
	d.RootPassword = "sekrit"
	result := r.Reconcile(event(lifecycle.Install), d, workload.Observed{})
	c.Check(result.Status, gc.Equals, status.Active)
	c.Check(s.liveAdminSecret(c), gc.Equals, "sekrit")
}

func (s *ReconcilerSuite) TestRelationJoinedPublishesOnce(c *gc.C) {
	r := s.newReconciler(c)
	s.install(c, r)

	ev := lifecycle.Event{
		Kind:       lifecycle.RelationJoined,
		RelationID: "database:0",
		RemoteUnit: "webapp/0",
	}
	result := r.Reconcile(ev, desired(), running())
	c.Assert(result.Status, gc.Equals, status.Active)

	c.Assert(s.bag.published["database:0"], gc.HasLen, 1)
	data := s.bag.published["database:0"][0]
	c.Check(data["host"], gc.Equals, "mariadb-0.local")
	c.Check(data["port"], gc.Equals, "3306")
	c.Check(data["database"], gc.Equals, "mariadb")
	c.Check(data["username"], gc.Equals, "webapp")
	c.Check(data["password"], gc.Not(gc.Equals), "")
	c.Check(data["schema-version"], gc.Equals, "1")

	// The relation credential is distinct from the admin one.
	c.Check(data["password"], gc.Not(gc.Equals), s.liveAdminSecret(c))

	st := s.readState(c)
	c.Assert(st.Relations, gc.HasLen, 1)
	c.Check(st.Relations[0].CredentialScope, gc.Equals, "relation-webapp")
}

func (s *ReconcilerSuite) TestRelationChangedBeforeJoinedBuffered(c *gc.C) {
	r := s.newReconciler(c)
	s.install(c, r)

	changed := lifecycle.Event{
		Kind:       lifecycle.RelationChanged,
		RelationID: "database:0",
		Data:       map[string]string{"requested-db": "orders"},
	}
	result := r.Reconcile(changed, desired(), running())
	c.Assert(result.Status, gc.Equals, status.Active)
	c.Check(s.bag.published, gc.HasLen, 0)

	joined := lifecycle.Event{
		Kind:       lifecycle.RelationJoined,
		RelationID: "database:0",
		RemoteUnit: "webapp/0",
	}
	result = r.Reconcile(joined, desired(), running())
	c.Assert(result.Status, gc.Equals, status.Active)

	st := s.readState(c)
	c.Assert(st.Relations, gc.HasLen, 1)
	c.Check(st.Relations[0].PeerData, jc.DeepEquals, map[string]string{"requested-db": "orders"})
}

func (s *ReconcilerSuite) TestRelationDepartedRevokesCredential(c *gc.C) {
	r := s.newReconciler(c)
	s.install(c, r)

	joined := lifecycle.Event{
		Kind:       lifecycle.RelationJoined,
		RelationID: "database:0",
		RemoteUnit: "webapp/0",
	}
	c.Assert(r.Reconcile(joined, desired(), running()).Status, gc.Equals, status.Active)

	departed := lifecycle.Event{
		Kind:       lifecycle.RelationDeparted,
		RelationID: "database:0",
	}
	c.Assert(r.Reconcile(departed, desired(), running()).Status, gc.Equals, status.Active)

	st := s.readState(c)
	c.Check(st.Relations, gc.HasLen, 0)
	for _, cred := range st.Credentials {
		if cred.Scope == "relation-webapp" {
			c.Check(cred.Revoked, jc.IsTrue)
		}
	}
}

func (s *ReconcilerSuite) TestBatchMergesRelationDeltas(c *gc.C) {
	r := s.newReconciler(c)
	s.install(c, r)

	events := []lifecycle.Event{
		event(lifecycle.ConfigChanged),
		{Kind: lifecycle.RelationJoined, RelationID: "database:0", RemoteUnit: "webapp/0"},
	}
	result := r.ReconcileBatch(events, desired(), running())
	c.Assert(result.Status, gc.Equals, status.Active)
	c.Check(s.bag.published["database:0"], gc.HasLen, 1)
}

func (s *ReconcilerSuite) TestSecretRotation(c *gc.C) {
	r := s.newReconciler(c)
	s.install(c, r)
	before := s.liveAdminSecret(c)

	result := r.Reconcile(event(lifecycle.SecretRotate), desired(), running())
	c.Assert(result.Status, gc.Equals, status.Active)

	after := s.liveAdminSecret(c)
	c.Check(after, gc.Not(gc.Equals), before)

	// The old secret survives only as revoked history, and the new one
	// reached the workload via a single restart.
	var revoked int
	for _, cred := range s.readState(c).Credentials {
		if cred.Scope == credentials.AdminScope && cred.Revoked {
			revoked++
		}
	}
	c.Check(revoked, gc.Equals, 1)
	c.Check(s.workload.count("restart"), gc.Equals, 1)
	c.Check(s.workload.count("write-file"), gc.Equals, 1)
}

func (s *ReconcilerSuite) TestRotationChangesAppliedHash(c *gc.C) {
	r := s.newReconciler(c)
	first := s.install(c, r)

	result := r.Reconcile(event(lifecycle.SecretRotate), desired(), running())
	c.Assert(result.Status, gc.Equals, status.Active)
	c.Check(result.AppliedHash, gc.Not(gc.Equals), first.AppliedHash)
}

func (s *ReconcilerSuite) TestRemoveTearsDown(c *gc.C) {
	r := s.newReconciler(c)
	s.install(c, r)

	result := r.Reconcile(event(lifecycle.Remove), desired(), running())
	c.Check(result.Status, gc.Equals, status.Terminated)
	c.Check(result.Message, gc.Equals, "unit removed")
	c.Check(s.workload.count("stop"), gc.Equals, 1)

	st := s.readState(c)
	c.Check(st.Phase, gc.Equals, operatorstate.TornDown)
	for _, cred := range st.Credentials {
		c.Check(cred.Revoked, jc.IsTrue)
	}
}

func (s *ReconcilerSuite) TestTornDownUnitRejectsFurtherEvents(c *gc.C) {
	r := s.newReconciler(c)
	s.install(c, r)
	c.Assert(r.Reconcile(event(lifecycle.Remove), desired(), running()).Status, gc.Equals, status.Terminated)

	s.workload.calls = nil
	result := r.Reconcile(event(lifecycle.ConfigChanged), desired(), workload.Observed{})
	c.Check(result.Status, gc.Equals, status.Terminated)
	c.Check(result.Message, gc.Equals, "unit has been removed")
	c.Check(s.workload.mutations(), gc.Equals, 0)
}

func (s *ReconcilerSuite) TestStateSurvivesRestart(c *gc.C) {
	r := s.newReconciler(c)
	first := s.install(c, r)
	secret := s.liveAdminSecret(c)

	// A new reconciler over the same state resumes where the old one
	// left off: same hash, same credential, converged fast path.
	r2 := s.newReconciler(c)
	c.Check(r2.Phase(), gc.Equals, operatorstate.WorkloadReady)

	result := r2.Reconcile(event(lifecycle.UpdateStatus), desired(), running())
	c.Check(result.Status, gc.Equals, status.Active)
	c.Check(result.AppliedHash, gc.Equals, first.AppliedHash)
	c.Check(s.workload.mutations(), gc.Equals, 0)
	c.Check(s.liveAdminSecret(c), gc.Equals, secret)
}

func (s *ReconcilerSuite) TestEmptyBatchProbes(c *gc.C) {
	r := s.newReconciler(c)
	s.install(c, r)

	result := r.ReconcileBatch(nil, desired(), running())
	c.Check(result.Status, gc.Equals, status.Active)
	c.Check(s.workload.mutations(), gc.Equals, 0)
}

func (s *ReconcilerSuite) TestConfigValidation(c *gc.C) {
	_, err := reconciler.New(reconciler.Config{})
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}
