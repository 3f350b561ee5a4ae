package auth

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	sserr "github.com/StricklySoft/stricklysoft-valet/pkg/errors"
)

// Mode distinguishes the two policy variants.
type Mode int

const (
	// ModeAnonymous lets every request through without resolving identity.
	ModeAnonymous Mode = iota

	// ModeRequireAuth requires an authenticated identity and, optionally,
	// one of a set of roles.
	ModeRequireAuth
)

// String returns "anonymous" or "require_auth".
func (m Mode) String() string {
	if m == ModeRequireAuth {
		return "require_auth"
	}
	return "anonymous"
}

// Policy is the access rule for one handler. It is a value type and is
// never modified after construction.
type Policy struct {
	mode  Mode
	roles []string
	name  string
}

// Anonymous returns the policy that skips authentication.
func Anonymous() Policy {
	return Policy{mode: ModeAnonymous}
}

// RequireAuth returns a policy requiring an authenticated identity holding
// at least one of roles. With no roles any authenticated identity passes.
// Roles are deduplicated case-insensitively; name is optional and only used
// for logs and metrics.
func RequireAuth(name string, roles ...string) Policy {
	var set []string
	for _, r := range roles {
		set = addRole(set, r)
	}
	return Policy{mode: ModeRequireAuth, roles: set, name: name}
}

// Mode returns the policy variant.
func (p Policy) Mode() Mode { return p.mode }

// IsAnonymous reports whether the policy skips authentication.
func (p Policy) IsAnonymous() bool { return p.mode == ModeAnonymous }

// Name returns the optional policy name.
func (p Policy) Name() string { return p.name }

// RequiredRoles returns a copy of the required role set.
func (p Policy) RequiredRoles() []string { return slices.Clone(p.roles) }

// String renders the policy for logs, e.g. "require_auth(admin)".
func (p Policy) String() string {
	if p.mode == ModeAnonymous {
		return p.mode.String()
	}
	label := p.mode.String()
	if p.name != "" {
		label += ":" + p.name
	}
	if len(p.roles) == 0 {
		return label
	}
	return fmt.Sprintf("%s(%s)", label, strings.Join(p.roles, ","))
}

// ---------------------------------------------------------------------------
// Declarations
// ---------------------------------------------------------------------------

// Marker is an access declaration on a handler or on a group of handlers.
// AllowAnonymous on a handler overrides any RequireAuth marker on the
// handler or its group.
type Marker struct {
	AllowAnonymous bool     `yaml:"allow_anonymous" json:"allow_anonymous"`
	RequireAuth    bool     `yaml:"require_auth" json:"require_auth"`
	Roles          []string `yaml:"roles,omitempty" json:"roles,omitempty"`
	PolicyName     string   `yaml:"policy,omitempty" json:"policy,omitempty"`
}

// HandlerDecl binds a handler id to its group and its own marker.
type HandlerDecl struct {
	ID     string `yaml:"id" json:"id"`
	Group  string `yaml:"group,omitempty" json:"group,omitempty"`
	Marker `yaml:",inline"`
}

// Default names the policy applied to handlers with no marker at all.
type Default string

const (
	// DefaultAnonymous lets undeclared handlers through (fail-open).
	DefaultAnonymous Default = "anonymous"

	// DefaultAuthenticated requires authentication on undeclared handlers.
	DefaultAuthenticated Default = "authenticated"
)

// PolicyTable is the declarative source of a [Registry]. It is either
// built in code at startup or parsed from YAML with [ParsePolicyTable].
//
//	default: anonymous
//	groups:
//	  api: {require_auth: true}
//	handlers:
//	  - id: GET /healthz
//	    allow_anonymous: true
//	  - id: GET /api/admin/keys
//	    group: api
//	    roles: [admin]
//	    policy: AdminOnly
type PolicyTable struct {
	Default  Default           `yaml:"default" json:"default"`
	Groups   map[string]Marker `yaml:"groups" json:"groups"`
	Handlers []HandlerDecl     `yaml:"handlers" json:"handlers"`
}

// ParsePolicyTable decodes a YAML policy table.
func ParsePolicyTable(data []byte) (PolicyTable, error) {
	var t PolicyTable
	if err := yaml.Unmarshal(data, &t); err != nil {
		return PolicyTable{}, sserr.Wrap(err, sserr.CodeInternalConfiguration,
			"auth: failed to parse policy table")
	}
	return t, t.Validate()
}

// LoadPolicyFile reads and parses a YAML policy table from path.
func LoadPolicyFile(path string) (PolicyTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PolicyTable{}, sserr.Wrapf(err, sserr.CodeInternalConfiguration,
			"auth: failed to read policy file %q", path)
	}
	return ParsePolicyTable(data)
}

// Validate rejects unknown defaults, duplicate or empty handler ids and
// references to undeclared groups.
func (t PolicyTable) Validate() error {
	switch t.Default {
	case "", DefaultAnonymous, DefaultAuthenticated:
	default:
		return sserr.Newf(sserr.CodeValidationFormat,
			"auth: unknown default policy %q (use %q or %q)", t.Default, DefaultAnonymous, DefaultAuthenticated)
	}
	seen := make(map[string]struct{}, len(t.Handlers))
	for _, h := range t.Handlers {
		if h.ID == "" {
			return sserr.New(sserr.CodeValidationRequired, "auth: policy table handler with empty id")
		}
		if _, dup := seen[h.ID]; dup {
			return sserr.Newf(sserr.CodeValidation, "auth: handler %q declared twice", h.ID)
		}
		seen[h.ID] = struct{}{}
		if h.Group != "" {
			if _, ok := t.Groups[h.Group]; !ok {
				return sserr.Newf(sserr.CodeValidation, "auth: handler %q references unknown group %q", h.ID, h.Group)
			}
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

// Registry resolves handler ids to policies. Resolution is deterministic;
// the first result for an id is cached for the life of the registry and
// later lookups are lock-free reads.
//
// Registry is safe for concurrent use.
type Registry struct {
	table    PolicyTable
	handlers map[string]HandlerDecl
	cache    sync.Map // handler id -> Policy
}

// NewRegistry builds a registry from table.
func NewRegistry(table PolicyTable) (*Registry, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}
	handlers := make(map[string]HandlerDecl, len(table.Handlers))
	for _, h := range table.Handlers {
		handlers[h.ID] = h
	}
	return &Registry{table: table, handlers: handlers}, nil
}

// Resolve returns the policy for handlerID.
func (r *Registry) Resolve(handlerID string) Policy {
	if p, ok := r.cache.Load(handlerID); ok {
		return p.(Policy)
	}
	p, _ := r.cache.LoadOrStore(handlerID, r.compute(handlerID))
	return p.(Policy)
}

// compute applies marker precedence: handler anonymous marker, then handler
// auth marker, then group auth marker, then the table default.
func (r *Registry) compute(handlerID string) Policy {
	decl, declared := r.handlers[handlerID]
	if declared {
		if decl.AllowAnonymous {
			return Anonymous()
		}
		if decl.RequireAuth || len(decl.Roles) > 0 {
			return RequireAuth(decl.PolicyName, decl.Roles...)
		}
		if group, ok := r.table.Groups[decl.Group]; ok && decl.Group != "" {
			if group.AllowAnonymous {
				return Anonymous()
			}
			if group.RequireAuth || len(group.Roles) > 0 {
				name := decl.PolicyName
				if name == "" {
					name = group.PolicyName
				}
				return RequireAuth(name, group.Roles...)
			}
		}
	}
	if r.table.Default == DefaultAuthenticated {
		return RequireAuth("")
	}
	return Anonymous()
}

// HandlerIDs returns the declared handler ids in table order.
func (r *Registry) HandlerIDs() []string {
	ids := make([]string, 0, len(r.table.Handlers))
	for _, h := range r.table.Handlers {
		ids = append(ids, h.ID)
	}
	return ids
}
