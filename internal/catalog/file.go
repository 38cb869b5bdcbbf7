package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk catalog document: flat record lists with referential
// integrity enforced at load. It mirrors what the external admin subsystem
// persists; the gateway treats it as a read-only dump.
type File struct {
	Organizations    []*Organization    `yaml:"organizations"`
	Systems          []*System          `yaml:"systems"`
	Instances        []*Instance        `yaml:"instances"`
	SystemServices   []*SystemService   `yaml:"system_services"`
	InstanceServices []*InstanceService `yaml:"instance_services"`
	APIKeys          []*APIKey          `yaml:"api_keys"`
	Grants           []*AccessGrant     `yaml:"grants"`
}

// LoadFile reads, decodes, validates, and indexes a catalog file.
func LoadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing catalog file %s: %w", path, err)
	}

	return BuildSnapshot(&f)
}

// BuildSnapshot validates the catalog document and builds the indexed
// snapshot. All shape and integrity errors surface here, at load time;
// request handling never re-validates.
func BuildSnapshot(f *File) (*Snapshot, error) {
	s := &Snapshot{
		orgs:               make(map[string]*Organization, len(f.Organizations)),
		systems:            make(map[string]*System, len(f.Systems)),
		instances:          make(map[string]*Instance, len(f.Instances)),
		systemServices:     make(map[string]*SystemService, len(f.SystemServices)),
		instanceServices:   make(map[string]*InstanceService, len(f.InstanceServices)),
		apiKeysByHash:      make(map[string]*APIKey, len(f.APIKeys)),
		grantsByKey:        make(map[string][]*AccessGrant),
		servicesByOrgAlias: make(map[string]map[string][]*SystemService),
	}

	for _, o := range f.Organizations {
		if o.ID == "" {
			return nil, fmt.Errorf("organization with empty id")
		}
		if _, dup := s.orgs[o.ID]; dup {
			return nil, fmt.Errorf("duplicate organization %q", o.ID)
		}
		s.orgs[o.ID] = o
	}

	for _, sys := range f.Systems {
		if _, ok := s.orgs[sys.OrganizationID]; !ok {
			return nil, fmt.Errorf("system %q references unknown organization %q", sys.ID, sys.OrganizationID)
		}
		if _, dup := s.systems[sys.ID]; dup {
			return nil, fmt.Errorf("duplicate system %q", sys.ID)
		}
		s.systems[sys.ID] = sys
	}

	for _, in := range f.Instances {
		if _, ok := s.systems[in.SystemID]; !ok {
			return nil, fmt.Errorf("instance %q references unknown system %q", in.ID, in.SystemID)
		}
		if in.BaseURL == "" {
			return nil, fmt.Errorf("instance %q has no base_url", in.ID)
		}
		if err := validateAuth(in.Auth); err != nil {
			return nil, fmt.Errorf("instance %q: %w", in.ID, err)
		}
		if _, dup := s.instances[in.ID]; dup {
			return nil, fmt.Errorf("duplicate instance %q", in.ID)
		}
		s.instances[in.ID] = in
	}

	// Alias uniqueness is per system; the same alias may exist in different
	// systems (the per-API-key collision check below guards the cases where
	// that would be ambiguous at resolve time).
	aliasInSystem := make(map[string]map[string]bool)
	for _, ss := range f.SystemServices {
		sys, ok := s.systems[ss.SystemID]
		if !ok {
			return nil, fmt.Errorf("service %q references unknown system %q", ss.ID, ss.SystemID)
		}
		if ss.Alias == "" {
			return nil, fmt.Errorf("service %q has no alias", ss.ID)
		}
		if aliasInSystem[ss.SystemID] == nil {
			aliasInSystem[ss.SystemID] = make(map[string]bool)
		}
		if aliasInSystem[ss.SystemID][ss.Alias] {
			return nil, fmt.Errorf("alias %q is not unique within system %q", ss.Alias, ss.SystemID)
		}
		aliasInSystem[ss.SystemID][ss.Alias] = true

		if err := validateAuth(ss.Auth); err != nil {
			return nil, fmt.Errorf("service %q: %w", ss.ID, err)
		}
		if _, dup := s.systemServices[ss.ID]; dup {
			return nil, fmt.Errorf("duplicate service %q", ss.ID)
		}
		s.systemServices[ss.ID] = ss

		byAlias := s.servicesByOrgAlias[sys.OrganizationID]
		if byAlias == nil {
			byAlias = make(map[string][]*SystemService)
			s.servicesByOrgAlias[sys.OrganizationID] = byAlias
		}
		byAlias[ss.Alias] = append(byAlias[ss.Alias], ss)
	}

	for _, is := range f.InstanceServices {
		in, ok := s.instances[is.InstanceID]
		if !ok {
			return nil, fmt.Errorf("instance service %q references unknown instance %q", is.ID, is.InstanceID)
		}
		ss, ok := s.systemServices[is.SystemServiceID]
		if !ok {
			return nil, fmt.Errorf("instance service %q references unknown service %q", is.ID, is.SystemServiceID)
		}
		if in.SystemID != ss.SystemID {
			return nil, fmt.Errorf("instance service %q binds instance %q and service %q from different systems", is.ID, in.ID, ss.ID)
		}
		if err := validateAuth(is.Auth); err != nil {
			return nil, fmt.Errorf("instance service %q: %w", is.ID, err)
		}
		if _, dup := s.instanceServices[is.ID]; dup {
			return nil, fmt.Errorf("duplicate instance service %q", is.ID)
		}
		s.instanceServices[is.ID] = is
	}

	for _, k := range f.APIKeys {
		if _, ok := s.orgs[k.OrganizationID]; !ok {
			return nil, fmt.Errorf("api key %q references unknown organization %q", k.ID, k.OrganizationID)
		}
		if k.SecretHash == "" {
			return nil, fmt.Errorf("api key %q has no secret_hash", k.ID)
		}
		if _, dup := s.apiKeysByHash[k.SecretHash]; dup {
			return nil, fmt.Errorf("api key %q duplicates another key's secret hash", k.ID)
		}
		s.apiKeysByHash[k.SecretHash] = k
	}

	keysByID := make(map[string]*APIKey, len(f.APIKeys))
	for _, k := range f.APIKeys {
		keysByID[k.ID] = k
	}

	seenGrant := make(map[string]bool)
	for _, g := range f.Grants {
		key, ok := keysByID[g.APIKeyID]
		if !ok {
			return nil, fmt.Errorf("grant references unknown api key %q", g.APIKeyID)
		}
		is, ok := s.instanceServices[g.InstanceServiceID]
		if !ok {
			return nil, fmt.Errorf("grant for key %q references unknown instance service %q", g.APIKeyID, g.InstanceServiceID)
		}

		pair := g.APIKeyID + "\x00" + g.InstanceServiceID
		if seenGrant[pair] {
			return nil, fmt.Errorf("duplicate grant for key %q and instance service %q", g.APIKeyID, g.InstanceServiceID)
		}
		seenGrant[pair] = true

		// Tenant isolation starts here: a grant must stay inside the key's
		// organization.
		in := s.instances[is.InstanceID]
		sys := s.systems[in.SystemID]
		if sys.OrganizationID != key.OrganizationID {
			return nil, fmt.Errorf("grant for key %q crosses organizations (key org %q, service org %q)",
				g.APIKeyID, key.OrganizationID, sys.OrganizationID)
		}

		s.grantsByKey[g.APIKeyID] = append(s.grantsByKey[g.APIKeyID], g)
	}

	if err := checkAliasCollisions(s); err != nil {
		return nil, err
	}

	return s, nil
}

// checkAliasCollisions rejects catalogs where a single API key holds grants
// to same-aliased services in different systems. Aliases may repeat across
// systems in general; only this per-key overlap would make alias-based
// resolution ambiguous at request time, so it is a validation-time
// invariant, never a runtime one.
func checkAliasCollisions(s *Snapshot) error {
	for keyID, grants := range s.grantsByKey {
		aliasSystem := make(map[string]string)
		for _, g := range grants {
			is := s.instanceServices[g.InstanceServiceID]
			ss := s.systemServices[is.SystemServiceID]
			if prev, ok := aliasSystem[ss.Alias]; ok && prev != ss.SystemID {
				return fmt.Errorf("api key %q holds grants to alias %q in systems %q and %q",
					keyID, ss.Alias, prev, ss.SystemID)
			}
			aliasSystem[ss.Alias] = ss.SystemID
		}
	}
	return nil
}

func validateAuth(a *AuthConfig) error {
	if a == nil {
		return nil
	}
	return a.Validate()
}
