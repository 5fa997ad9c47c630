// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package config validates the operator's declared configuration and
// produces the typed desired state consumed by a reconciliation pass.
package config

import (
	"github.com/juju/errors"
	"github.com/juju/schema"
)

// Desired is the validated declared configuration for the deployment.
// It is immutable within one reconciliation pass.
type Desired struct {
	// DatabaseName is the name of the database to create and expose
	// over consumer relations.
	DatabaseName string

	// Port is the TCP port the server binds.
	Port int

	// RootPassword optionally pins the admin password. When empty the
	// credential store generates one on first need.
	RootPassword string

	// ReplicationEnabled turns on binary logging so the unit can act
	// as a replication primary.
	ReplicationEnabled bool

	// MaxConnections caps concurrent client connections. Zero means
	// the server default.
	MaxConnections int
}

var fields = schema.Fields{
	"database":            schema.String(),
	"port":                schema.ForceInt(),
	"root-password":       schema.String(),
	"replication-enabled": schema.Bool(),
	"max-connections":     schema.ForceInt(),
}

var defaults = schema.Defaults{
	"database":            "mariadb",
	"port":                3306,
	"root-password":       schema.Omit,
	"replication-enabled": false,
	"max-connections":     0,
}

var checker = schema.StrictFieldMap(fields, defaults)

// Parse coerces raw option values into a Desired configuration. Unknown
// keys and type mismatches are rejected rather than ignored; the
// returned error identifies the offending key.
func Parse(raw map[string]interface{}) (Desired, error) {
	coerced, err := checker.Coerce(raw, nil)
	if err != nil {
		return Desired{}, errors.NewNotValid(err, "invalid configuration")
	}
	m := coerced.(map[string]interface{})
	d := Desired{
		DatabaseName:       m["database"].(string),
		Port:               m["port"].(int),
		ReplicationEnabled: m["replication-enabled"].(bool),
		MaxConnections:     m["max-connections"].(int),
	}
	if pw, ok := m["root-password"]; ok {
		d.RootPassword = pw.(string)
	}
	if err := d.Validate(); err != nil {
		return Desired{}, errors.Trace(err)
	}
	return d, nil
}

// Validate returns an error if the configuration values are out of range.
func (d Desired) Validate() error {
	if d.DatabaseName == "" {
		return errors.NotValidf("empty database name")
	}
	if d.Port < 1 || d.Port > 65535 {
		return errors.NotValidf("port %d", d.Port)
	}
	if d.MaxConnections < 0 {
		return errors.NotValidf("max-connections %d", d.MaxConnections)
	}
	return nil
}
