// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package status

import (
	"time"
)

// Status represents the workload status of the unit as reported to
// operators. Only the workload values are modelled here; agent status is
// owned by the platform.
type Status string

// String returns a string representation of the Status.
func (s Status) String() string {
	return string(s)
}

// StatusInfo holds a Status and associated information.
type StatusInfo struct {
	Status  Status
	Message string
	Since   *time.Time
}

const (
	// Unset is a placeholder status reported before the first
	// reconciliation pass has completed.
	Unset Status = "unset"

	// Maintenance is set when:
	// The unit is not yet providing services, but is actively doing stuff
	// in preparation for providing those services.
	// This is a "spinning" state, not an error state.
	Maintenance Status = "maintenance"

	// Waiting is set when:
	// The unit is unable to progress to an active state, typically
	// because the workload has not become ready yet.
	Waiting Status = "waiting"

	// Blocked is set when:
	// The unit needs manual intervention to get back to the Running state,
	// for example because the declared configuration is invalid.
	Blocked Status = "blocked"

	// Active is set when:
	// The unit believes it is correctly offering all the services it has
	// been asked to offer.
	Active Status = "active"

	// Error means the unit requires human intervention
	// in order to operate correctly.
	Error Status = "error"

	// Terminated is set when:
	// This unit used to exist, and has been torn down.
	Terminated Status = "terminated"
)

// Valid returns true if status has a valid value (that is to say,
// a value that it's OK to report) for the workload.
func Valid(status Status) bool {
	switch status {
	case
		Blocked,
		Maintenance,
		Waiting,
		Active,
		Error,
		Terminated:
		return true
	default:
		return false
	}
}

// Matches returns true if the candidate matches status.
func (s Status) Matches(candidate Status) bool {
	return s == candidate
}
