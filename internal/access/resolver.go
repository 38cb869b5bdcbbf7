// Package access resolves which upstream service, instance, and permissions
// apply to a request. Every function here is a pure lookup over one catalog
// snapshot: no side effects, no caching across requests, and all denials
// happen before any upstream traffic is generated.
package access

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/s4kit/gateway/internal/catalog"
)

// Operation is the coarse permission verb a request maps to.
type Operation string

const (
	OperationRead   Operation = "read"
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// ErrNotFound means no grant of the API key reaches the requested entity or
// service.
var ErrNotFound = errors.New("access: no matching service")

// ErrTenantMismatch means resolution produced a system outside the API
// key's organization. This is a catalog or resolver defect and is always
// surfaced as an authorization failure, never resolved silently.
var ErrTenantMismatch = errors.New("access: resolved service crosses organization boundary")

// AmbiguousError is returned when the service is reachable in more than one
// environment and the request did not pick one. It is a distinct outcome
// from NotFound: the caller responds 400 listing the valid environments.
type AmbiguousError struct {
	Alias        string
	Environments []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("access: service %q is available in multiple environments %v, specify one", e.Alias, e.Environments)
}

// ResolvedAccess is the unit handed to the protocol client: one concrete
// (Instance, SystemService, InstanceService) binding plus the grant's
// permissions. It is computed fresh per request; the grants and
// credentials it points to can change between requests.
type ResolvedAccess struct {
	Instance        *catalog.Instance
	SystemService   *catalog.SystemService
	InstanceService *catalog.InstanceService
	Permissions     catalog.Permissions
	OrganizationID  string
}

// FindServiceByEntity locates the service exposing the entity among the
// services reachable via the API key's own grants, never all services in
// the organization. Entity membership prefers the instance-service entity
// override and falls back to the system-service list.
//
// Iteration follows grant order, first match wins. When an entity name
// exists in more than one granted service the result depends on that order;
// this is a known, deliberate non-determinism; callers needing a specific
// service use its alias instead.
func FindServiceByEntity(cat catalog.Store, apiKeyID, orgID, entity string) (*catalog.SystemService, error) {
	for _, g := range cat.GrantsByAPIKey(apiKeyID) {
		is, ok := cat.InstanceService(g.InstanceServiceID)
		if !ok {
			continue
		}
		ss, ok := cat.SystemService(is.SystemServiceID)
		if !ok {
			continue
		}
		if !inOrganization(cat, ss, orgID) {
			continue
		}
		for _, e := range is.EffectiveEntities(ss) {
			if e == entity {
				return ss, nil
			}
		}
	}
	return nil, ErrNotFound
}

// FindServiceByAlias is the org-scoped alias lookup, independent of any
// specific API key. Used once the caller has already supplied an explicit
// service alias.
func FindServiceByAlias(cat catalog.Store, orgID, alias string) (*catalog.SystemService, error) {
	services := cat.SystemServicesByAlias(orgID, alias)
	if len(services) == 0 {
		return nil, ErrNotFound
	}
	return services[0], nil
}

// ResolveAccessGrant produces the concrete ResolvedAccess for a service
// alias. Candidates are the API key's granted InstanceServices whose
// service carries the alias. With an environment the instance must match
// it; without one, a single candidate is returned directly and multiple
// candidates yield AmbiguousError.
func ResolveAccessGrant(cat catalog.Store, apiKeyID, orgID, alias, environment string) (*ResolvedAccess, error) {
	type candidate struct {
		access      *ResolvedAccess
		environment string
	}

	var candidates []candidate
	for _, g := range cat.GrantsByAPIKey(apiKeyID) {
		is, ok := cat.InstanceService(g.InstanceServiceID)
		if !ok {
			continue
		}
		ss, ok := cat.SystemService(is.SystemServiceID)
		if !ok || ss.Alias != alias {
			continue
		}
		in, ok := cat.Instance(is.InstanceID)
		if !ok {
			continue
		}

		ra := &ResolvedAccess{
			Instance:        in,
			SystemService:   ss,
			InstanceService: is,
			Permissions:     g.Permissions,
			OrganizationID:  organizationOf(cat, ss),
		}
		if ra.OrganizationID != orgID {
			return nil, ErrTenantMismatch
		}
		candidates = append(candidates, candidate{access: ra, environment: in.Environment})
	}

	if len(candidates) == 0 {
		return nil, ErrNotFound
	}

	if environment != "" {
		for _, c := range candidates {
			if c.environment == environment {
				return c.access, nil
			}
		}
		return nil, ErrNotFound
	}

	if len(candidates) == 1 {
		return candidates[0].access, nil
	}

	envs := make([]string, 0, len(candidates))
	for _, c := range candidates {
		envs = append(envs, c.environment)
	}
	return nil, &AmbiguousError{Alias: alias, Environments: envs}
}

// CheckEntityPermission reports whether the permissions allow the operation
// on the entity. The entity-specific rule is consulted first, then the "*"
// entry; a missing entity entry never short-circuits the wildcard check.
// Pure function: no side effects, no catalog access.
func CheckEntityPermission(perms catalog.Permissions, entity string, op Operation) bool {
	if opsAllow(perms[entity], op) {
		return true
	}
	return opsAllow(perms["*"], op)
}

func opsAllow(ops []string, op Operation) bool {
	for _, o := range ops {
		if o == "*" || o == string(op) {
			return true
		}
	}
	return false
}

// MethodToOperation maps an HTTP method to a permission operation. Unknown
// methods map to read, the safe default.
func MethodToOperation(method string) Operation {
	switch method {
	case http.MethodGet:
		return OperationRead
	case http.MethodPost:
		return OperationCreate
	case http.MethodPut, http.MethodPatch:
		return OperationUpdate
	case http.MethodDelete:
		return OperationDelete
	default:
		return OperationRead
	}
}

func organizationOf(cat catalog.Store, ss *catalog.SystemService) string {
	sys, ok := cat.System(ss.SystemID)
	if !ok {
		return ""
	}
	return sys.OrganizationID
}

func inOrganization(cat catalog.Store, ss *catalog.SystemService, orgID string) bool {
	return organizationOf(cat, ss) == orgID
}
