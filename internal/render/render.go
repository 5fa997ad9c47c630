// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package render maps the desired configuration and the admin credential
// into the workload configuration artifact: a server config file and a
// Pebble service layer. Rendering is pure and deterministic; the returned
// hash feeds the reconciler's no-op fast path.
package render

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"

	"github.com/canonical/mariadb-k8s-operator/internal/config"
)

const (
	// ServiceName is the Pebble service the workload runs under.
	ServiceName = "mariadb"

	// ServerConfigPath is where the rendered config file is pushed
	// inside the workload container.
	ServerConfigPath = "/etc/mysql/conf.d/operator.cnf"

	// LayerLabel identifies the operator's Pebble layer.
	LayerLabel = "mariadb"

	command = "/usr/local/bin/docker-entrypoint.sh mysqld"
)

// Artifact is the rendered workload configuration.
type Artifact struct {
	// ServerConfig is the server config file content.
	ServerConfig []byte

	// Layer is the Pebble layer in YAML form.
	Layer []byte
}

type layerSpec struct {
	Summary     string                 `yaml:"summary"`
	Description string                 `yaml:"description"`
	Services    map[string]serviceSpec `yaml:"services"`
}

type serviceSpec struct {
	Override    string            `yaml:"override"`
	Summary     string            `yaml:"summary"`
	Command     string            `yaml:"command"`
	Startup     string            `yaml:"startup"`
	Environment map[string]string `yaml:"environment,omitempty"`
}

// Render produces the configuration artifact for the desired state and
// admin secret, along with a content hash. Identical inputs always
// produce byte-identical output.
func Render(desired config.Desired, rootPassword string) (*Artifact, string, error) {
	if err := desired.Validate(); err != nil {
		return nil, "", errors.Trace(err)
	}
	if rootPassword == "" {
		return nil, "", errors.NotValidf("empty root password")
	}

	serverConfig := renderServerConfig(desired)
	layer, err := renderLayer(desired, rootPassword)
	if err != nil {
		return nil, "", errors.Trace(err)
	}

	h := sha256.New()
	h.Write(serverConfig)
	h.Write([]byte{0})
	h.Write(layer)
	hash := hex.EncodeToString(h.Sum(nil))

	return &Artifact{ServerConfig: serverConfig, Layer: layer}, hash, nil
}

func renderServerConfig(desired config.Desired) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "[mysqld]\n")
	fmt.Fprintf(&b, "port = %d\n", desired.Port)
	if desired.MaxConnections > 0 {
		fmt.Fprintf(&b, "max_connections = %d\n", desired.MaxConnections)
	}
	if desired.ReplicationEnabled {
		fmt.Fprintf(&b, "log_bin = mysql-bin\n")
		fmt.Fprintf(&b, "server_id = 1\n")
	}
	return []byte(b.String())
}

func renderLayer(desired config.Desired, rootPassword string) ([]byte, error) {
	spec := layerSpec{
		Summary:     "mariadb layer",
		Description: "pebble config layer for mariadb",
		Services: map[string]serviceSpec{
			ServiceName: {
				Override: "replace",
				Summary:  "mariadb",
				Command:  command,
				Startup:  "enabled",
				Environment: map[string]string{
					"MYSQL_DATABASE":      desired.DatabaseName,
					"MYSQL_ROOT_PASSWORD": rootPassword,
				},
			},
		},
	}
	data, err := yaml.Marshal(spec)
	if err != nil {
		return nil, errors.Annotate(err, "marshalling pebble layer")
	}
	return data, nil
}
