// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// mariadb-operator is the lifecycle agent for a MariaDB workload
// running next to it in a Kubernetes pod. It consumes lifecycle events,
// reconciles the workload through its Pebble daemon, and reports unit
// status.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	pebbleclient "github.com/canonical/pebble/client"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
	"gopkg.in/yaml.v3"

	"github.com/canonical/mariadb-k8s-operator/core/lifecycle"
	"github.com/canonical/mariadb-k8s-operator/core/status"
	"github.com/canonical/mariadb-k8s-operator/internal/operatorstate"
	"github.com/canonical/mariadb-k8s-operator/internal/probe"
	"github.com/canonical/mariadb-k8s-operator/internal/reconciler"
	"github.com/canonical/mariadb-k8s-operator/internal/relation"
	"github.com/canonical/mariadb-k8s-operator/internal/render"
	"github.com/canonical/mariadb-k8s-operator/internal/worker/operator"
	"github.com/canonical/mariadb-k8s-operator/internal/workload"
)

func main() {
	os.Exit(Main(os.Args[1:]))
}

// Main runs the agent and returns the process exit code.
func Main(args []string) int {
	f := gnuflag.NewFlagSetWithFlagKnownAs("mariadb-operator", gnuflag.ContinueOnError, "option")
	socket := f.String("pebble-socket", "/charm/containers/mariadb/pebble.socket", "path to the workload's pebble socket")
	dataDir := f.String("data-dir", "/var/lib/mariadb-operator", "directory for durable operator state")
	configFile := f.String("config-file", "", "path to the declared configuration (yaml)")
	host := f.String("host", "", "address published to consumer relations (default: hostname)")
	loggingConfig := f.String("logging-config", "<root>=INFO", "loggo configuration string")
	eventName := f.String("event", "", "lifecycle event to process on startup")
	relationID := f.String("relation-id", "", "relation id for relation events")
	remoteUnit := f.String("remote-unit", "", "remote unit for relation events")
	if err := f.Parse(true, args); err != nil {
		if err == gnuflag.ErrHelp {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	if err := loggo.ConfigureLoggers(*loggingConfig); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	logger := loggo.GetLogger("mariadb-operator")

	if *host == "" {
		hostname, err := os.Hostname()
		if err != nil {
			logger.Errorf("cannot determine hostname: %v", err)
			return 1
		}
		*host = hostname
	}

	if err := run(logger, *socket, *dataDir, *configFile, *host, *eventName, *relationID, *remoteUnit); err != nil {
		logger.Errorf("%v", err)
		return 1
	}
	return 0
}

func run(logger loggo.Logger, socket, dataDir, configFile, host, eventName, relationID, remoteUnit string) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return errors.Trace(err)
	}
	pebble, err := pebbleclient.New(&pebbleclient.Config{Socket: socket})
	if err != nil {
		return errors.Annotate(err, "connecting to pebble")
	}

	workloadClient, err := workload.NewClient(workload.Config{
		Pebble:      workload.NewPebbleAPI(pebble),
		ServiceName: render.ServiceName,
		Clock:       clock.WallClock,
		Logger:      logger.Child("workload"),
	})
	if err != nil {
		return errors.Trace(err)
	}

	prober, err := probe.NewProber(probe.Config{
		Exec:   workloadClient,
		Clock:  clock.WallClock,
		Logger: logger.Child("probe"),
	})
	if err != nil {
		return errors.Trace(err)
	}

	rec, err := reconciler.New(reconciler.Config{
		Workload: workloadClient,
		Prober:   prober,
		DataBag:  relation.NewFileDataBag(filepath.Join(dataDir, "relations")),
		State:    operatorstate.NewStateFile(filepath.Join(dataDir, "state.yaml")),
		Host:     host,
		Clock:    clock.WallClock,
		Logger:   logger.Child("reconciler"),
	})
	if err != nil {
		return errors.Trace(err)
	}

	w, err := operator.NewWorker(operator.Config{
		Reconciler:    rec,
		Observed:      workloadClient,
		DesiredConfig: desiredConfigReader(configFile),
		Status: &loggedStatus{
			logger: logger.Child("status"),
			path:   filepath.Join(dataDir, "status.yaml"),
		},
		Clock:  clock.WallClock,
		Logger: logger.Child("worker"),
	})
	if err != nil {
		return errors.Trace(err)
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signals
		logger.Infof("received %v; shutting down", sig)
		w.Kill()
	}()

	if eventName != "" {
		event := lifecycle.Event{
			Kind:       lifecycle.Kind(eventName),
			RelationID: relationID,
			RemoteUnit: remoteUnit,
		}
		if err := w.Enqueue(event); err != nil {
			w.Kill()
			_ = w.Wait()
			return errors.Annotatef(err, "queuing %q", eventName)
		}
	}
	return errors.Trace(w.Wait())
}

// desiredConfigReader reads the declared options fresh for every pass,
// so configuration edits are picked up without restarting the agent.
func desiredConfigReader(path string) func() (map[string]interface{}, error) {
	return func() (map[string]interface{}, error) {
		if path == "" {
			return map[string]interface{}{}, nil
		}
		raw, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			return map[string]interface{}{}, nil
		} else if err != nil {
			return nil, errors.Trace(err)
		}
		var options map[string]interface{}
		if err := yaml.Unmarshal(raw, &options); err != nil {
			return nil, errors.Annotatef(err, "parsing %q", path)
		}
		if options == nil {
			options = map[string]interface{}{}
		}
		return options, nil
	}
}

// loggedStatus reports unit status to the log and mirrors the latest
// value to disk for the platform's status display to read.
type loggedStatus struct {
	logger loggo.Logger
	path   string
}

// SetStatus implements operator.StatusReporter.
func (s *loggedStatus) SetStatus(info status.StatusInfo) error {
	s.logger.Infof("unit status: %s %s", info.Status, info.Message)
	data, err := yaml.Marshal(map[string]string{
		"status":  info.Status.String(),
		"message": info.Message,
	})
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(os.WriteFile(s.path, data, 0o644))
}
