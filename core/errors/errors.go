// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package errors

import "github.com/juju/errors"

const (
	// Transient is raised for infrastructure failures (timeouts,
	// connection refusals) that are expected to clear on retry. The
	// reconciler retries these with bounded exponential backoff.
	Transient = errors.ConstError("transient infrastructure failure")

	// CredentialConflict is raised when a credential rotation is
	// requested while a previous rotation has not been confirmed.
	// Retried once by the reconciler, then reported as blocked.
	CredentialConflict = errors.ConstError("credential rotation in progress")

	// ProbeTimeout is raised when a health probe does not respond
	// within its deadline. Treated as degraded, never fatal.
	ProbeTimeout = errors.ConstError("health probe timed out")

	// FatalState is raised when observed state contradicts an
	// invariant, such as two live credentials for one scope. Requires
	// manual intervention and is never auto-repaired.
	FatalState = errors.ConstError("observed state violates invariants")
)
