// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package credentials owns generation, rotation and revocation of the
// administrative and relation-scoped database credentials. The store is
// the single source of truth; the workload and relation peers only ever
// receive copies.
package credentials

import (
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/utils/v4"

	opererrors "github.com/canonical/mariadb-k8s-operator/core/errors"
)

// AdminScope is the scope of the administrative credential.
const AdminScope = "admin"

// AdminPrincipal is the account name the admin credential is issued for.
const AdminPrincipal = "root"

// RelationScope returns the credential scope for a consumer application.
func RelationScope(app string) string {
	return "relation-" + app
}

// Credential is a single issued secret.
type Credential struct {
	// Principal is the database account the secret belongs to.
	Principal string `yaml:"principal"`

	// Scope is "admin" or "relation-<application>".
	Scope string `yaml:"scope"`

	// Secret is the password value.
	Secret string `yaml:"secret"`

	// IssuedAt records when the secret was generated.
	IssuedAt time.Time `yaml:"issued-at"`

	// Revoked marks a secret that must no longer grant access.
	Revoked bool `yaml:"revoked,omitempty"`

	// Pending marks a rotation replacement that has been persisted but
	// not yet confirmed as distributed. A pending secret is not live.
	Pending bool `yaml:"pending,omitempty"`
}

// Logger represents the logging methods used by the store.
type Logger interface {
	Debugf(string, ...interface{})
	Infof(string, ...interface{})
}

// StoreConfig holds the dependencies of a Store.
type StoreConfig struct {
	// Records seeds the store from durable operator state.
	Records []Credential

	// Save persists the full record set. It is called synchronously
	// before any mutation is considered complete.
	Save func([]Credential) error

	// Clock supplies issue timestamps.
	Clock clock.Clock

	Logger Logger
}

// Validate returns an error if the config cannot back a Store.
func (config StoreConfig) Validate() error {
	if config.Save == nil {
		return errors.NotValidf("nil Save")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// NewStore returns a credential Store backed by config, or an error.
func NewStore(config StoreConfig) (*Store, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	s := &Store{config: config}
	s.records = append(s.records, config.Records...)
	return s, nil
}

// Store manages credentials. It is not safe for concurrent use; all
// access is mediated by the reconciler's single pass.
type Store struct {
	config  StoreConfig
	records []Credential
}

// Records returns a copy of every record, revoked history included.
func (s *Store) Records() []Credential {
	out := make([]Credential, len(s.records))
	copy(out, s.records)
	return out
}

// Get returns the live credential for scope, if one exists. A scope
// observed with more than one live secret violates the store invariant
// and yields a fatal-state error.
func (s *Store) Get(scope string) (Credential, bool, error) {
	var live []Credential
	for _, c := range s.records {
		if c.Scope == scope && !c.Revoked && !c.Pending {
			live = append(live, c)
		}
	}
	switch len(live) {
	case 0:
		return Credential{}, false, nil
	case 1:
		return live[0], true, nil
	}
	return Credential{}, false, errors.Annotatef(
		opererrors.FatalState, "%d live credentials for scope %q", len(live), scope)
}

// Issue returns the live credential for scope, generating and persisting
// one first if none exists. Issue is idempotent.
func (s *Store) Issue(scope, principal string) (Credential, error) {
	existing, found, err := s.Get(scope)
	if err != nil {
		return Credential{}, errors.Trace(err)
	}
	if found {
		return existing, nil
	}
	cred, err := s.newCredential(scope, principal)
	if err != nil {
		return Credential{}, errors.Trace(err)
	}
	if err := s.persist(append(s.Records(), cred)); err != nil {
		return Credential{}, errors.Trace(err)
	}
	s.config.Logger.Infof("issued credential for scope %q (principal %q)", scope, principal)
	return cred, nil
}

// IssueWithSecret is Issue with a caller-supplied secret value, used
// when the declared configuration pins the admin password. A live
// credential already in place wins; the pinned value only seeds the
// first issue.
func (s *Store) IssueWithSecret(scope, principal, secret string) (Credential, error) {
	existing, found, err := s.Get(scope)
	if err != nil {
		return Credential{}, errors.Trace(err)
	}
	if found {
		return existing, nil
	}
	cred := Credential{
		Principal: principal,
		Scope:     scope,
		Secret:    secret,
		IssuedAt:  s.config.Clock.Now(),
	}
	if err := s.persist(append(s.Records(), cred)); err != nil {
		return Credential{}, errors.Trace(err)
	}
	s.config.Logger.Infof("issued pinned credential for scope %q (principal %q)", scope, principal)
	return cred, nil
}

// Pending returns the unconfirmed rotation replacement for scope, if
// one exists.
func (s *Store) Pending(scope string) (Credential, bool) {
	idx, ok := s.pending(scope)
	if !ok {
		return Credential{}, false
	}
	return s.records[idx], true
}

// Rotate begins a two-phase rotation of the live credential for scope: a
// replacement secret is generated and persisted as pending, while the old
// secret stays live. The caller must distribute the new secret and then
// call ConfirmRotation, at which point the old secret is revoked. A second
// Rotate before confirmation is a credential conflict.
func (s *Store) Rotate(scope string) (Credential, error) {
	if _, pending := s.pending(scope); pending {
		return Credential{}, errors.Annotatef(opererrors.CredentialConflict, "scope %q", scope)
	}
	live, found, err := s.Get(scope)
	if err != nil {
		return Credential{}, errors.Trace(err)
	}
	if !found {
		return Credential{}, errors.NotFoundf("live credential for scope %q", scope)
	}
	next, err := s.newCredential(scope, live.Principal)
	if err != nil {
		return Credential{}, errors.Trace(err)
	}
	next.Pending = true
	if err := s.persist(append(s.Records(), next)); err != nil {
		return Credential{}, errors.Trace(err)
	}
	s.config.Logger.Infof("rotation started for scope %q", scope)
	return next, nil
}

// ConfirmRotation completes a rotation started by Rotate: the pending
// secret becomes live and the old secret is revoked, in one persisted
// step. There is never a point with zero valid secrets, and after
// confirmation exactly one grants access.
func (s *Store) ConfirmRotation(scope string) error {
	idx, pending := s.pending(scope)
	if !pending {
		return errors.NotFoundf("pending rotation for scope %q", scope)
	}
	next := s.Records()
	for i := range next {
		if next[i].Scope != scope {
			continue
		}
		if i == idx {
			next[i].Pending = false
		} else if !next[i].Revoked {
			next[i].Revoked = true
		}
	}
	if err := s.persist(next); err != nil {
		return errors.Trace(err)
	}
	s.config.Logger.Infof("rotation confirmed for scope %q", scope)
	return nil
}

// Revoke marks every secret for scope, live or pending, as revoked.
// Revoking an unknown scope is a no-op.
func (s *Store) Revoke(scope string) error {
	next := s.Records()
	changed := false
	for i := range next {
		if next[i].Scope == scope && !next[i].Revoked {
			next[i].Revoked = true
			next[i].Pending = false
			changed = true
		}
	}
	if !changed {
		return nil
	}
	if err := s.persist(next); err != nil {
		return errors.Trace(err)
	}
	s.config.Logger.Infof("revoked credentials for scope %q", scope)
	return nil
}

// RevokeAll revokes every live or pending secret. Used at teardown.
func (s *Store) RevokeAll() error {
	next := s.Records()
	changed := false
	for i := range next {
		if !next[i].Revoked {
			next[i].Revoked = true
			next[i].Pending = false
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return errors.Trace(s.persist(next))
}

func (s *Store) pending(scope string) (int, bool) {
	for i, c := range s.records {
		if c.Scope == scope && c.Pending && !c.Revoked {
			return i, true
		}
	}
	return -1, false
}

func (s *Store) newCredential(scope, principal string) (Credential, error) {
	secret, err := utils.RandomPassword()
	if err != nil {
		return Credential{}, errors.Annotate(err, "generating secret")
	}
	return Credential{
		Principal: principal,
		Scope:     scope,
		Secret:    secret,
		IssuedAt:  s.config.Clock.Now(),
	}, nil
}

func (s *Store) persist(records []Credential) error {
	if err := s.config.Save(records); err != nil {
		return errors.Annotate(err, "persisting credentials")
	}
	s.records = records
	return nil
}
