// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package relation tracks consumer relations and exchanges connection
// endpoints and credentials with them. Relation events may arrive out of
// order; a change delivered before the corresponding join is buffered and
// replayed once the join is processed.
package relation

import (
	"strconv"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/names/v5"

	"github.com/canonical/mariadb-k8s-operator/internal/credentials"
)

// SchemaVersion is published in every data bag to allow additive
// evolution of the exchanged keys.
const SchemaVersion = "1"

// State describes the lifecycle of a relation record.
type State string

const (
	// StatePending is a relation seen only through buffered changes;
	// no join has been processed yet.
	StatePending State = "pending"

	// StateActive is a joined relation whose data bag has been
	// published.
	StateActive State = "active"

	// StateDeparting is a relation being dismantled; its credential is
	// revoked and the record is removed.
	StateDeparting State = "departing"
)

// Record is the operator's view of one relation.
type Record struct {
	// RelationID identifies the relation instance, e.g. "database:0".
	RelationID string `yaml:"relation-id"`

	// PeerUnit is the remote unit that joined, e.g. "webapp/0".
	PeerUnit string `yaml:"peer-unit"`

	// Endpoint is the connection endpoint exchanged with the peer.
	Endpoint Endpoint `yaml:"endpoint"`

	// CredentialScope names the credential issued for this relation.
	CredentialScope string `yaml:"credential-scope"`

	// State is the record's lifecycle state.
	State State `yaml:"state"`

	// PeerData holds the last settings published by the remote unit.
	PeerData map[string]string `yaml:"peer-data,omitempty"`
}

// Endpoint is the connection coordinate published to consumers.
type Endpoint struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
}

// DataBag publishes this unit's settings into a relation's shared data.
type DataBag interface {
	Publish(relationID string, data map[string]string) error
}

// CredentialIssuer is the slice of the credential store the broker uses.
type CredentialIssuer interface {
	Issue(scope, principal string) (credentials.Credential, error)
	Revoke(scope string) error
}

// Logger represents the logging methods used by the broker.
type Logger interface {
	Debugf(string, ...interface{})
	Infof(string, ...interface{})
}

// BrokerConfig holds the dependencies of a Broker.
type BrokerConfig struct {
	// Records seeds the broker from durable operator state.
	Records []Record

	Credentials CredentialIssuer
	DataBag     DataBag
	Logger      Logger
}

// Validate returns an error if the config cannot back a Broker.
func (config BrokerConfig) Validate() error {
	if config.Credentials == nil {
		return errors.NotValidf("nil Credentials")
	}
	if config.DataBag == nil {
		return errors.NotValidf("nil DataBag")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// NewBroker returns a relation Broker backed by config, or an error.
func NewBroker(config BrokerConfig) (*Broker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	b := &Broker{
		config:   config,
		records:  make(map[string]*Record),
		buffered: make(map[string][]map[string]string),
	}
	for i := range config.Records {
		r := config.Records[i]
		b.records[r.RelationID] = &r
	}
	return b, nil
}

// Broker maps relation lifecycle events to credential issuance and data
// bag publication. Not safe for concurrent use; all access is mediated
// by the reconciler's single pass.
type Broker struct {
	config  BrokerConfig
	records map[string]*Record

	// buffered holds change data delivered before the join.
	buffered map[string][]map[string]string
}

// Joined processes a relation join: a relation-scoped credential is
// issued, the endpoint and credential are published into the data bag,
// and any buffered out-of-order changes are replayed.
func (b *Broker) Joined(relationID, peerUnit string, ep Endpoint) error {
	if !names.IsValidUnit(peerUnit) {
		return errors.NotValidf("remote unit %q", peerUnit)
	}
	if r, ok := b.records[relationID]; ok && r.State == StateActive {
		// Replayed join for a known relation; nothing to do.
		b.config.Logger.Debugf("relation %q already joined by %q", relationID, r.PeerUnit)
		return nil
	}

	app, err := names.UnitApplication(peerUnit)
	if err != nil {
		return errors.Trace(err)
	}
	scope := credentials.RelationScope(app)
	cred, err := b.config.Credentials.Issue(scope, app)
	if err != nil {
		return errors.Annotatef(err, "issuing credential for relation %q", relationID)
	}

	if err := b.publish(relationID, ep, cred); err != nil {
		return errors.Trace(err)
	}
	b.records[relationID] = &Record{
		RelationID:      relationID,
		PeerUnit:        peerUnit,
		Endpoint:        ep,
		CredentialScope: scope,
		State:           StateActive,
	}
	b.config.Logger.Infof("relation %q joined by %q; endpoint published", relationID, peerUnit)

	for _, data := range b.buffered[relationID] {
		if err := b.Changed(relationID, data); err != nil {
			return errors.Annotatef(err, "replaying buffered change for relation %q", relationID)
		}
	}
	delete(b.buffered, relationID)
	return nil
}

// Changed records new peer settings for a relation. A change for a
// relation that has not joined yet is buffered as pending and replayed
// after the join is processed.
func (b *Broker) Changed(relationID string, data map[string]string) error {
	r, ok := b.records[relationID]
	if !ok || r.State != StateActive {
		b.config.Logger.Debugf("buffering change for unjoined relation %q", relationID)
		b.buffered[relationID] = append(b.buffered[relationID], data)
		return nil
	}
	if r.PeerData == nil {
		r.PeerData = make(map[string]string)
	}
	for k, v := range data {
		r.PeerData[k] = v
	}
	b.config.Logger.Debugf("relation %q peer data updated (%d keys)", relationID, len(data))
	return nil
}

// Departed processes a relation departure: the relation credential is
// revoked and the record removed. Departing an unknown relation is a
// no-op; buffered changes for it are dropped.
func (b *Broker) Departed(relationID string) error {
	delete(b.buffered, relationID)
	r, ok := b.records[relationID]
	if !ok {
		b.config.Logger.Debugf("departed unknown relation %q", relationID)
		return nil
	}
	r.State = StateDeparting
	if err := b.config.Credentials.Revoke(r.CredentialScope); err != nil {
		return errors.Annotatef(err, "revoking credential for relation %q", relationID)
	}
	delete(b.records, relationID)
	b.config.Logger.Infof("relation %q departed; credential scope %q revoked", relationID, r.CredentialScope)
	return nil
}

// Records returns the active relation records, for persistence.
func (b *Broker) Records() []Record {
	ids := set.NewStrings()
	for id := range b.records {
		ids.Add(id)
	}
	var out []Record
	for _, id := range ids.SortedValues() {
		out = append(out, *b.records[id])
	}
	return out
}

// Get returns the record for relationID, if present.
func (b *Broker) Get(relationID string) (Record, bool) {
	r, ok := b.records[relationID]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

func (b *Broker) publish(relationID string, ep Endpoint, cred credentials.Credential) error {
	data := map[string]string{
		"host":           ep.Host,
		"port":           strconv.Itoa(ep.Port),
		"database":       ep.Database,
		"username":       cred.Principal,
		"password":       cred.Secret,
		"schema-version": SchemaVersion,
	}
	if err := b.config.DataBag.Publish(relationID, data); err != nil {
		return errors.Annotatef(err, "publishing data bag for relation %q", relationID)
	}
	return nil
}
