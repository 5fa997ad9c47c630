// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package render_test

import (
	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"
	"gopkg.in/yaml.v3"

	"github.com/canonical/mariadb-k8s-operator/internal/config"
	"github.com/canonical/mariadb-k8s-operator/internal/render"
)

type RenderSuite struct{}

var _ = gc.Suite(&RenderSuite{})

func desired() config.Desired {
	return config.Desired{
		DatabaseName: "mariadb",
		Port:         3306,
	}
}

func (s *RenderSuite) TestDeterministic(c *gc.C) {
	a1, h1, err := render.Render(desired(), "sekrit")
	c.Assert(err, jc.ErrorIsNil)
	a2, h2, err := render.Render(desired(), "sekrit")
	c.Assert(err, jc.ErrorIsNil)

	c.Check(h1, gc.Equals, h2)
	c.Check(a1.ServerConfig, jc.DeepEquals, a2.ServerConfig)
	c.Check(a1.Layer, jc.DeepEquals, a2.Layer)
}

func (s *RenderSuite) TestHashChangesWithPort(c *gc.C) {
	_, h1, err := render.Render(desired(), "sekrit")
	c.Assert(err, jc.ErrorIsNil)

	d := desired()
	d.Port = 3307
	_, h2, err := render.Render(d, "sekrit")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(h1, gc.Not(gc.Equals), h2)
}

func (s *RenderSuite) TestHashChangesWithSecret(c *gc.C) {
	_, h1, err := render.Render(desired(), "old")
	c.Assert(err, jc.ErrorIsNil)
	_, h2, err := render.Render(desired(), "new")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(h1, gc.Not(gc.Equals), h2)
}

func (s *RenderSuite) TestServerConfigContent(c *gc.C) {
	d := desired()
	d.Port = 3307
	d.MaxConnections = 200
	d.ReplicationEnabled = true
	a, _, err := render.Render(d, "sekrit")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(a.ServerConfig), gc.Equals, ""+
		"[mysqld]\n"+
		"port = 3307\n"+
		"max_connections = 200\n"+
		"log_bin = mysql-bin\n"+
		"server_id = 1\n")
}

func (s *RenderSuite) TestLayerShape(c *gc.C) {
	a, _, err := render.Render(desired(), "sekrit")
	c.Assert(err, jc.ErrorIsNil)

	var layer struct {
		Summary  string `yaml:"summary"`
		Services map[string]struct {
			Override    string            `yaml:"override"`
			Command     string            `yaml:"command"`
			Startup     string            `yaml:"startup"`
			Environment map[string]string `yaml:"environment"`
		} `yaml:"services"`
	}
	err = yaml.Unmarshal(a.Layer, &layer)
	c.Assert(err, jc.ErrorIsNil)

	c.Check(layer.Summary, gc.Equals, "mariadb layer")
	svc, ok := layer.Services["mariadb"]
	c.Assert(ok, jc.IsTrue)
	c.Check(svc.Override, gc.Equals, "replace")
	c.Check(svc.Startup, gc.Equals, "enabled")
	c.Check(svc.Command, gc.Equals, "/usr/local/bin/docker-entrypoint.sh mysqld")
	c.Check(svc.Environment, jc.DeepEquals, map[string]string{
		"MYSQL_DATABASE":      "mariadb",
		"MYSQL_ROOT_PASSWORD": "sekrit",
	})
}

func (s *RenderSuite) TestInvalidDesiredRejected(c *gc.C) {
	d := desired()
	d.Port = 0
	_, _, err := render.Render(d, "sekrit")
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}

func (s *RenderSuite) TestEmptyPasswordRejected(c *gc.C) {
	_, _, err := render.Render(desired(), "")
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}
