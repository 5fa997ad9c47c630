// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package probe determines workload readiness. Probes are time-bounded:
// a probe that does not respond within its deadline reports not-ready
// with a timeout detail rather than hanging the reconciliation pass.
package probe

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	opererrors "github.com/canonical/mariadb-k8s-operator/core/errors"
)

// Verdict is the outcome of one probe.
type Verdict struct {
	Ready  bool
	Detail string
}

// Execer runs a command inside the workload, bounded by timeout.
type Execer interface {
	Exec(command []string, timeout time.Duration) error
}

// Logger represents the logging methods used by the prober.
type Logger interface {
	Debugf(string, ...interface{})
}

// Config holds the dependencies of a Prober.
type Config struct {
	// Exec runs the server's own liveness command in-container.
	Exec Execer

	// Host is the address the workload binds; in-pod this is loopback.
	Host string

	// Timeout bounds each probe step.
	Timeout time.Duration

	// Dial opens a TCP connection; defaults to net.DialTimeout.
	Dial func(network, address string, timeout time.Duration) (net.Conn, error)

	Clock  clock.Clock
	Logger Logger
}

// Validate returns an error if the config cannot back a Prober.
func (config Config) Validate() error {
	if config.Exec == nil {
		return errors.NotValidf("nil Exec")
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
	defaultHost    = "127.0.0.1"
	defaultTimeout = 5 * time.Second
)

// NewProber returns a health Prober backed by config, or an error.
func NewProber(config Config) (*Prober, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.Host == "" {
		config.Host = defaultHost
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if config.Dial == nil {
		config.Dial = net.DialTimeout
	}
	return &Prober{config: config}, nil
}

// Prober checks that the database is up and accepting connections.
type Prober struct {
	config Config
}

// Probe checks TCP reachability of the bound port and then asks the
// server itself via mysqladmin ping. It never blocks past the configured
// timeout per step and never returns an error; failures are folded into
// the verdict.
func (p *Prober) Probe(port int) Verdict {
	address := net.JoinHostPort(p.config.Host, strconv.Itoa(port))
	conn, err := p.config.Dial("tcp", address, p.config.Timeout)
	if err != nil {
		p.config.Logger.Debugf("probe: dial %s: %v", address, err)
		return Verdict{Detail: fmt.Sprintf("port %d not reachable: %v", port, err)}
	}
	_ = conn.Close()

	if err := p.ping(port); err != nil {
		detail := fmt.Sprintf("server not answering: %v", err)
		if errors.Is(err, opererrors.ProbeTimeout) {
			detail = fmt.Sprintf("probe timed out after %v", p.config.Timeout)
		}
		p.config.Logger.Debugf("probe: %s", detail)
		return Verdict{Detail: detail}
	}
	return Verdict{Ready: true, Detail: "server is up and accepting connections"}
}

// ping runs mysqladmin ping in-container, bounded by the prober's own
// clock so a hung exec cannot stall the pass.
func (p *Prober) ping(port int) error {
	command := []string{
		"mysqladmin", "ping",
		"--host", p.config.Host,
		"--port", strconv.Itoa(port),
	}
	done := make(chan error, 1)
	go func() {
		done <- p.config.Exec.Exec(command, p.config.Timeout)
	}()
	select {
	case err := <-done:
		return errors.Trace(err)
	case <-p.config.Clock.After(p.config.Timeout):
		return opererrors.ProbeTimeout
	}
}
