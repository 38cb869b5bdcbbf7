package catalog

import (
	"crypto/subtle"
	"sync/atomic"
)

// Store is the read-only lookup surface consumed by the access resolver and
// the pipeline. All methods are safe for concurrent use; implementations
// return shared immutable records that callers must not mutate.
type Store interface {
	// APIKeyBySecret looks up an API key by its presented secret.
	// Comparison is against the stored SHA-256 hash in constant time.
	APIKeyBySecret(secret string) (*APIKey, bool)

	// GrantsByAPIKey returns the key's grants in catalog order. The order is
	// stable and load-bearing: entity-based service resolution walks it
	// first-match-wins.
	GrantsByAPIKey(apiKeyID string) []*AccessGrant

	Organization(id string) (*Organization, bool)
	System(id string) (*System, bool)
	Instance(id string) (*Instance, bool)
	SystemService(id string) (*SystemService, bool)
	InstanceService(id string) (*InstanceService, bool)

	// SystemServicesByAlias returns all services with the alias across the
	// organization's systems, in catalog order.
	SystemServicesByAlias(orgID, alias string) []*SystemService
}

// Snapshot is one immutable, fully indexed catalog generation. Lookups are
// map reads; no locking is needed because a snapshot never changes after
// construction.
type Snapshot struct {
	orgs             map[string]*Organization
	systems          map[string]*System
	instances        map[string]*Instance
	systemServices   map[string]*SystemService
	instanceServices map[string]*InstanceService

	apiKeysByHash map[string]*APIKey
	grantsByKey   map[string][]*AccessGrant

	// (orgID, alias) → services, preserving catalog order.
	servicesByOrgAlias map[string]map[string][]*SystemService
}

func (s *Snapshot) APIKeyBySecret(secret string) (*APIKey, bool) {
	hash := HashSecret(secret)
	key, ok := s.apiKeysByHash[hash]
	if !ok {
		return nil, false
	}
	// The map lookup already did the work; the explicit constant-time compare
	// keeps the final acceptance independent of map internals.
	if subtle.ConstantTimeCompare([]byte(hash), []byte(key.SecretHash)) != 1 {
		return nil, false
	}
	return key, true
}

func (s *Snapshot) GrantsByAPIKey(apiKeyID string) []*AccessGrant {
	return s.grantsByKey[apiKeyID]
}

func (s *Snapshot) Organization(id string) (*Organization, bool) {
	o, ok := s.orgs[id]
	return o, ok
}

func (s *Snapshot) System(id string) (*System, bool) {
	sys, ok := s.systems[id]
	return sys, ok
}

func (s *Snapshot) Instance(id string) (*Instance, bool) {
	in, ok := s.instances[id]
	return in, ok
}

func (s *Snapshot) SystemService(id string) (*SystemService, bool) {
	ss, ok := s.systemServices[id]
	return ss, ok
}

func (s *Snapshot) InstanceService(id string) (*InstanceService, bool) {
	is, ok := s.instanceServices[id]
	return is, ok
}

func (s *Snapshot) SystemServicesByAlias(orgID, alias string) []*SystemService {
	byAlias, ok := s.servicesByOrgAlias[orgID]
	if !ok {
		return nil
	}
	return byAlias[alias]
}

// SwappableStore wraps a Snapshot behind an atomic pointer so the catalog
// watcher can publish a new generation without pausing in-flight requests.
// A request observes exactly one generation end to end because the pipeline
// captures the snapshot once at the top.
type SwappableStore struct {
	current atomic.Pointer[Snapshot]
}

// NewSwappableStore creates a store serving the given initial snapshot.
func NewSwappableStore(initial *Snapshot) *SwappableStore {
	s := &SwappableStore{}
	s.current.Store(initial)
	return s
}

// Current returns the snapshot requests should resolve against.
func (s *SwappableStore) Current() *Snapshot {
	return s.current.Load()
}

// Swap publishes a new catalog generation.
func (s *SwappableStore) Swap(next *Snapshot) {
	s.current.Store(next)
}
