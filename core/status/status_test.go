// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package status_test

import (
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/canonical/mariadb-k8s-operator/core/status"
)

type StatusSuite struct{}

var _ = gc.Suite(&StatusSuite{})

func (s *StatusSuite) TestValidWorkloadValues(c *gc.C) {
	for _, value := range []status.Status{
		status.Active,
		status.Waiting,
		status.Blocked,
		status.Maintenance,
		status.Error,
		status.Terminated,
	} {
		c.Check(status.Valid(value), jc.IsTrue, gc.Commentf("status %q", value))
	}
}

func (s *StatusSuite) TestInvalidValues(c *gc.C) {
	c.Check(status.Valid(status.Unset), jc.IsFalse)
	c.Check(status.Valid(status.Status("running")), jc.IsFalse)
	c.Check(status.Valid(status.Status("")), jc.IsFalse)
}

func (s *StatusSuite) TestMatches(c *gc.C) {
	c.Check(status.Active.Matches(status.Active), jc.IsTrue)
	c.Check(status.Active.Matches(status.Blocked), jc.IsFalse)
}
