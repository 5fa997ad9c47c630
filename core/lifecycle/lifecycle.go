// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package lifecycle defines the events that drive the operator's
// reconciliation loop.
package lifecycle

import (
	"github.com/juju/errors"
	"github.com/juju/names/v5"
)

// Kind enumerates the lifecycle events the operator responds to.
type Kind string

const (
	// Install indicates that the unit is being installed for the
	// first time.
	Install Kind = "install"

	// ConfigChanged indicates that the declared configuration has
	// (potentially) changed.
	ConfigChanged Kind = "config-changed"

	// RelationJoined indicates that a remote unit has joined a relation.
	RelationJoined Kind = "relation-joined"

	// RelationChanged indicates that a remote unit has published new
	// data into the relation data bag.
	RelationChanged Kind = "relation-changed"

	// RelationDeparted indicates that a remote unit has left a relation.
	RelationDeparted Kind = "relation-departed"

	// Upgrade indicates that the operator software has been upgraded
	// and the workload must be reconciled against the new version.
	Upgrade Kind = "upgrade"

	// PebbleReady indicates that the workload container's Pebble
	// daemon is up and accepting requests.
	PebbleReady Kind = "pebble-ready"

	// UpdateStatus is the periodic prompt to re-evaluate and report
	// workload status without mutating anything.
	UpdateStatus Kind = "update-status"

	// Restart is an explicit operator request to restart the workload.
	Restart Kind = "restart"

	// SecretRotate is an explicit request to rotate the admin credential.
	SecretRotate Kind = "secret-rotate"

	// Remove indicates that the unit is being torn down.
	Remove Kind = "remove"
)

// Event holds details required to process a lifecycle event. Not all
// fields are relevant to all Kind values.
type Event struct {
	Kind Kind

	// RelationID identifies the relation associated with the event. It is
	// only set when Kind indicates a relation event.
	RelationID string `yaml:"relation-id,omitempty"`

	// RemoteUnit is the name of the unit that triggered the event. It is
	// only set when Kind indicates a relation event other than
	// relation-departed.
	RemoteUnit string `yaml:"remote-unit,omitempty"`

	// Data holds the remote unit's relation settings. It is only set
	// for relation-changed events.
	Data map[string]string `yaml:"data,omitempty"`
}

// Validate returns an error if the event is not well formed.
func (e Event) Validate() error {
	switch e.Kind {
	case RelationJoined, RelationChanged, RelationDeparted:
		if e.RelationID == "" {
			return errors.Errorf("%q event requires a relation id", e.Kind)
		}
		if e.Kind == RelationJoined {
			if e.RemoteUnit == "" {
				return errors.Errorf("%q event requires a remote unit", e.Kind)
			}
			if !names.IsValidUnit(e.RemoteUnit) {
				return errors.NotValidf("remote unit %q", e.RemoteUnit)
			}
		}
		return nil
	case Install, ConfigChanged, Upgrade, PebbleReady, UpdateStatus, Restart, SecretRotate, Remove:
		return nil
	}
	return errors.Errorf("unknown event kind %q", e.Kind)
}

// IsRelation reports whether the event is a relation lifecycle event.
func (e Event) IsRelation() bool {
	switch e.Kind {
	case RelationJoined, RelationChanged, RelationDeparted:
		return true
	}
	return false
}
