// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package operatorstate implements persistent local storage of the
// operator's own state: the reconciler phase, the last applied config
// hash, credential records and relation records. It survives operator
// restarts independently of the workload's lifecycle.
package operatorstate

import (
	"os"
	"path/filepath"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"

	"github.com/canonical/mariadb-k8s-operator/internal/credentials"
	"github.com/canonical/mariadb-k8s-operator/internal/relation"
)

// Phase is the reconciler's progression through the workload lifecycle.
type Phase string

const (
	// Uninitialized means no install has been processed yet.
	Uninitialized Phase = "uninitialized"

	// ConfigPending means install has run but no config has been
	// rendered and pushed yet.
	ConfigPending Phase = "config-pending"

	// WorkloadStarting means config is applied and the workload has
	// been asked to start but has not probed ready.
	WorkloadStarting Phase = "workload-starting"

	// WorkloadReady means the workload probed ready.
	WorkloadReady Phase = "workload-ready"

	// Degraded means a previously ready workload failed a probe.
	Degraded Phase = "degraded"

	// TornDown is terminal; the unit has been removed.
	TornDown Phase = "torn-down"
)

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	switch p {
	case Uninitialized, ConfigPending, WorkloadStarting, WorkloadReady, Degraded, TornDown:
		return true
	}
	return false
}

// State is the durable operator state.
type State struct {
	// Phase records lifecycle progression so a restarted operator
	// process resumes where it left off.
	Phase Phase `yaml:"phase"`

	// AppliedHash is the hash of the last configuration artifact
	// successfully applied to the workload.
	AppliedHash string `yaml:"applied-hash,omitempty"`

	// Restarts counts workload restarts issued by the operator.
	Restarts int `yaml:"restarts,omitempty"`

	// Credentials holds every credential record, revoked history
	// included.
	Credentials []credentials.Credential `yaml:"credentials,omitempty"`

	// Relations holds the active relation records.
	Relations []relation.Record `yaml:"relations,omitempty"`
}

// Initial returns the state of a fresh unit.
func Initial() *State {
	return &State{Phase: Uninitialized}
}

// Validate returns an error if the state violates expectations.
func (st *State) Validate() (err error) {
	defer errors.DeferredAnnotatef(&err, "invalid operator state")
	if !st.Phase.Valid() {
		return errors.Errorf("unknown phase %q", st.Phase)
	}
	live := make(map[string]int)
	for _, c := range st.Credentials {
		if c.Scope == "" {
			return errors.Errorf("credential for %q missing scope", c.Principal)
		}
		if !c.Revoked && !c.Pending {
			live[c.Scope]++
		}
	}
	for scope, n := range live {
		if n > 1 {
			return errors.Errorf("%d live credentials for scope %q", n, scope)
		}
	}
	return nil
}

// ErrNoStateFile is returned by Read when the unit has never persisted
// state; callers treat it as a fresh install.
var ErrNoStateFile = errors.ConstError("operator state file does not exist")

// StateFile holds the disk state for the operator.
type StateFile struct {
	path string
}

// NewStateFile returns a new StateFile using path.
func NewStateFile(path string) *StateFile {
	return &StateFile{path: path}
}

// Read reads a State from the file. If the file does not exist it
// returns ErrNoStateFile.
func (f *StateFile) Read() (*State, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, ErrNoStateFile
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	var st State
	if err := yaml.Unmarshal(data, &st); err != nil {
		return nil, errors.Annotatef(err, "cannot parse operator state at %q", f.path)
	}
	if err := st.Validate(); err != nil {
		return nil, errors.Annotatef(err, "cannot read operator state at %q", f.path)
	}
	return &st, nil
}

// Write stores the supplied state to the file atomically. The state is
// validated first; invalid state is never persisted.
func (f *StateFile) Write(st *State) error {
	if err := st.Validate(); err != nil {
		return errors.Trace(err)
	}
	data, err := yaml.Marshal(st)
	if err != nil {
		return errors.Trace(err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return errors.Trace(err)
	}
	tmp := f.path + ".preparing"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(os.Rename(tmp, f.path))
}
