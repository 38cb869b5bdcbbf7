// Package catalog provides the typed, read-only view over the persisted
// tenant records: organizations, systems, instances, services, API keys, and
// access grants. Records are administered by an external subsystem; the
// gateway only reads them. The catalog is loaded from a YAML file, validated
// once, and swapped atomically on reload.
package catalog

import "time"

// Organization is the tenant boundary. Every system and API key belongs to
// exactly one organization, and resolution never crosses it.
type Organization struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// System is a customer's SAP (or compatible) system: a set of service
// definitions deployed across one or more instances.
type System struct {
	ID             string `yaml:"id"`
	OrganizationID string `yaml:"organization_id"`
	Name           string `yaml:"name"`
}

// Instance is a deployed environment of a system (e.g. sandbox, production).
// Its auth block is the last level of the auth inheritance chain.
type Instance struct {
	ID          string      `yaml:"id"`
	SystemID    string      `yaml:"system_id"`
	Environment string      `yaml:"environment"`
	BaseURL     string      `yaml:"base_url"`
	Auth        *AuthConfig `yaml:"auth"`
}

// SystemService is the logical OData service definition within a system,
// independent of environment. Alias is unique within the owning system.
type SystemService struct {
	ID          string      `yaml:"id"`
	SystemID    string      `yaml:"system_id"`
	Alias       string      `yaml:"alias"`
	ServicePath string      `yaml:"service_path"`
	Entities    []string    `yaml:"entities"`
	Auth        *AuthConfig `yaml:"auth"`
}

// InstanceService binds a SystemService to an Instance with optional
// environment-specific overrides. Overrides are all-or-nothing per field:
// a non-nil Auth replaces the entire inherited auth block, a non-nil
// Entities list replaces the service's entity list.
type InstanceService struct {
	ID              string      `yaml:"id"`
	InstanceID      string      `yaml:"instance_id"`
	SystemServiceID string      `yaml:"system_service_id"`
	ServicePath     string      `yaml:"service_path"`
	Entities        []string    `yaml:"entities"`
	Auth            *AuthConfig `yaml:"auth"`
}

// EffectiveServicePath returns the instance-level path override when set,
// else the system-service path.
func (is *InstanceService) EffectiveServicePath(ss *SystemService) string {
	if is.ServicePath != "" {
		return is.ServicePath
	}
	return ss.ServicePath
}

// EffectiveEntities returns the instance-level entity list when set, else
// the system-service list. A nil instance list means "inherit"; an empty
// non-nil list means "no entities".
func (is *InstanceService) EffectiveEntities(ss *SystemService) []string {
	if is.Entities != nil {
		return is.Entities
	}
	return ss.Entities
}

// APIKey identifies a caller. The secret itself is never stored; only its
// SHA-256 hash. Limits and the revoked flag are the only mutable fields.
type APIKey struct {
	ID                 string     `yaml:"id"`
	OrganizationID     string     `yaml:"organization_id"`
	SecretHash         string     `yaml:"secret_hash"`
	RateLimitPerMinute int64      `yaml:"rate_limit_per_minute"`
	RateLimitPerDay    int64      `yaml:"rate_limit_per_day"`
	Revoked            bool       `yaml:"revoked"`
	ExpiresAt          *time.Time `yaml:"expires_at"`
}

// Active reports whether the key can authenticate at the given instant.
func (k *APIKey) Active(now time.Time) bool {
	if k.Revoked {
		return false
	}
	if k.ExpiresAt != nil && !now.Before(*k.ExpiresAt) {
		return false
	}
	return true
}

// Permissions maps an entity name (or "*") to the set of permitted operation
// names (or "*").
type Permissions map[string][]string

// AccessGrant associates an API key with one InstanceService and the
// entity-level permissions it carries. Exactly one grant exists per
// (APIKeyID, InstanceServiceID) pair.
type AccessGrant struct {
	APIKeyID          string      `yaml:"api_key_id"`
	InstanceServiceID string      `yaml:"instance_service_id"`
	Permissions       Permissions `yaml:"permissions"`
}
