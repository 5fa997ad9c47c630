// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package workload is the operator's control surface over the database
// container, backed by the container's Pebble daemon. Every operation is
// safe to invoke when the workload is already in the target state, and
// every mutation logs the observed service state before and after.
package workload

import (
	"bytes"
	"time"

	"github.com/canonical/pebble/client"
	"github.com/juju/clock"
	"github.com/juju/errors"

	opererrors "github.com/canonical/mariadb-k8s-operator/core/errors"
)

// ExecProcess is a started in-container command.
type ExecProcess interface {
	Wait() error
}

// PebbleAPI is the slice of the Pebble client the workload client uses.
type PebbleAPI interface {
	AddLayer(opts *client.AddLayerOptions) error
	Push(opts *client.PushOptions) error
	Start(opts *client.ServiceOptions) (string, error)
	Stop(opts *client.ServiceOptions) (string, error)
	Restart(opts *client.ServiceOptions) (string, error)
	WaitChange(changeID string, opts *client.WaitChangeOptions) (*client.Change, error)
	Services(opts *client.ServicesOptions) ([]*client.ServiceInfo, error)
	Exec(opts *client.ExecOptions) (ExecProcess, error)
}

// NewPebbleAPI adapts a Pebble client to the PebbleAPI interface.
func NewPebbleAPI(pebble *client.Client) PebbleAPI {
	return pebbleShim{pebble}
}

type pebbleShim struct {
	*client.Client
}

func (s pebbleShim) Exec(opts *client.ExecOptions) (ExecProcess, error) {
	process, err := s.Client.Exec(opts)
	if err != nil {
		return nil, err
	}
	return process, nil
}

// Observed is a snapshot of workload reality, read fresh each
// reconciliation pass and never cached across passes.
type Observed struct {
	// ServiceFound reports whether the service is known to Pebble,
	// i.e. a layer has been applied.
	ServiceFound bool

	// ServiceRunning reports whether the service process is active.
	ServiceRunning bool

	// ServiceState is the raw Pebble service status, for reporting.
	ServiceState string
}

// Logger represents the logging methods used by the client.
type Logger interface {
	Debugf(string, ...interface{})
	Infof(string, ...interface{})
}

// Config holds the dependencies of a Client.
type Config struct {
	Pebble PebbleAPI

	// ServiceName is the Pebble service the workload runs under.
	ServiceName string

	// ChangeTimeout bounds how long a start/stop/restart waits for the
	// resulting Pebble change to complete.
	ChangeTimeout time.Duration

	Clock  clock.Clock
	Logger Logger
}

// Validate returns an error if the config cannot back a Client.
func (config Config) Validate() error {
	if config.Pebble == nil {
		return errors.NotValidf("nil Pebble")
	}
	if config.ServiceName == "" {
		return errors.NotValidf("empty ServiceName")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

const defaultChangeTimeout = 30 * time.Second

// NewClient returns a workload Client backed by config, or an error.
func NewClient(config Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.ChangeTimeout <= 0 {
		config.ChangeTimeout = defaultChangeTimeout
	}
	return &Client{config: config}, nil
}

// Client drives the workload container through Pebble.
type Client struct {
	config Config
}

// EnsureLayer applies the operator's service layer, combining with any
// previously applied layer of the same label.
func (c *Client) EnsureLayer(label string, layerData []byte) error {
	err := c.config.Pebble.AddLayer(&client.AddLayerOptions{
		Combine:   true,
		Label:     label,
		LayerData: layerData,
	})
	if err != nil {
		return transient(err, "applying pebble layer %q", label)
	}
	c.config.Logger.Debugf("pebble layer %q applied", label)
	return nil
}

// WriteFile pushes a file into the workload filesystem, creating parent
// directories as needed.
func (c *Client) WriteFile(path string, data []byte) error {
	err := c.config.Pebble.Push(&client.PushOptions{
		Source:      bytes.NewReader(data),
		Path:        path,
		MakeDirs:    true,
		Permissions: 0o644,
	})
	if err != nil {
		return transient(err, "writing %q to workload", path)
	}
	c.config.Logger.Debugf("wrote %d bytes to %q", len(data), path)
	return nil
}

// Start starts the workload service. Starting an already-running service
// is a no-op success.
func (c *Client) Start() error {
	return errors.Trace(c.serviceOp("start"))
}

// Stop stops the workload service. Stopping an already-stopped service
// is a no-op success.
func (c *Client) Stop() error {
	return errors.Trace(c.serviceOp("stop"))
}

// Restart restarts the workload service, or starts it if it is not
// running.
func (c *Client) Restart() error {
	return errors.Trace(c.serviceOp("restart"))
}

func (c *Client) serviceOp(op string) error {
	name := c.config.ServiceName
	before, err := c.Snapshot()
	if err != nil {
		return errors.Trace(err)
	}

	switch op {
	case "start":
		if before.ServiceRunning {
			c.config.Logger.Debugf("service %q already running; start is a no-op", name)
			return nil
		}
	case "stop":
		if !before.ServiceFound || !before.ServiceRunning {
			c.config.Logger.Debugf("service %q not running; stop is a no-op", name)
			return nil
		}
	case "restart":
		if !before.ServiceRunning {
			// Nothing to bounce; a plain start does the job.
			op = "start"
		}
	}
	c.config.Logger.Infof("%s of service %q (state before: %q)", op, name, before.ServiceState)

	opts := &client.ServiceOptions{Names: []string{name}}
	var changeID string
	switch op {
	case "start":
		changeID, err = c.config.Pebble.Start(opts)
	case "stop":
		changeID, err = c.config.Pebble.Stop(opts)
	case "restart":
		changeID, err = c.config.Pebble.Restart(opts)
	}
	if err != nil {
		return transient(err, "%s of service %q", op, name)
	}

	change, err := c.config.Pebble.WaitChange(changeID, &client.WaitChangeOptions{
		Timeout: c.config.ChangeTimeout,
	})
	if err != nil {
		return transient(err, "waiting for %s of service %q", op, name)
	}
	if change.Err != "" {
		return errors.Errorf("%s of service %q failed: %s", op, name, change.Err)
	}

	after, err := c.Snapshot()
	if err != nil {
		return errors.Trace(err)
	}
	c.config.Logger.Infof("%s of service %q complete (state after: %q)", op, name, after.ServiceState)
	return nil
}

// Exec runs a command inside the workload container, bounded by timeout.
func (c *Client) Exec(command []string, timeout time.Duration) error {
	var out bytes.Buffer
	process, err := c.config.Pebble.Exec(&client.ExecOptions{
		Command: command,
		Timeout: timeout,
		Stdout:  &out,
		Stderr:  &out,
	})
	if err != nil {
		return transient(err, "executing %v in workload", command)
	}
	if err := process.Wait(); err != nil {
		return errors.Annotatef(err, "command %v failed: %s", command, out.String())
	}
	return nil
}

// Snapshot reads the current service state from Pebble.
func (c *Client) Snapshot() (Observed, error) {
	infos, err := c.config.Pebble.Services(&client.ServicesOptions{
		Names: []string{c.config.ServiceName},
	})
	if err != nil {
		return Observed{}, transient(err, "querying service %q", c.config.ServiceName)
	}
	for _, info := range infos {
		if info.Name != c.config.ServiceName {
			continue
		}
		return Observed{
			ServiceFound:   true,
			ServiceRunning: info.Current == client.StatusActive,
			ServiceState:   string(info.Current),
		}, nil
	}
	return Observed{ServiceState: "absent"}, nil
}

// transient wraps a Pebble error as a transient infrastructure failure
// so the reconciler retries it with backoff.
func transient(err error, format string, args ...interface{}) error {
	return errors.WithType(errors.Annotatef(err, format, args...), opererrors.Transient)
}
