// Package security implements the permission and role model gating
// operations requested by external callers. Internal bookkeeping
// (auditors, reactors) runs under an admin identity and bypasses it.
package security

import (
	"fmt"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/roundup-tracker/hyperdb/pkg/hyperdb"
)

// CheckFunc is a row-level check: it decides whether the permission
// applies to one concrete item.
type CheckFunc func(db *hyperdb.Database, userid, itemid string) bool

// Permission grants an action, optionally narrowed to a class, a set
// of properties, and a row-level check. All set constraints must
// match for the permission to apply.
type Permission struct {
	Name        string
	Description string
	Class       string
	Properties  []string
	Check       CheckFunc

	propSet map[string]bool
}

// Applies reports whether this permission covers the request.
func (p *Permission) Applies(db *hyperdb.Database, userid, classname, itemid, property string) bool {
	if p.Class != "" && p.Class != classname {
		return false
	}
	if len(p.propSet) > 0 {
		if property == "" || !p.propSet[property] {
			return false
		}
	}
	if p.Check != nil {
		if itemid == "" {
			return false
		}
		return p.Check(db, userid, itemid)
	}
	return true
}

// Role is a named set of permissions.
type Role struct {
	Name        string
	Description string
	Permissions []*Permission
}

// Security holds the permission and role registries for one tracker.
type Security struct {
	db          *hyperdb.Database
	permissions map[string][]*Permission // by name
	roles       map[string]*Role         // by lowercased name
}

// New builds an empty registry bound to the database. The Admin role
// with an all-powerful permission set is predeclared, as is the
// Anonymous role with nothing.
func New(db *hyperdb.Database) *Security {
	s := &Security{
		db:          db,
		permissions: map[string][]*Permission{},
		roles:       map[string]*Role{},
	}
	s.AddRole("Admin", "An admin user, full privileges")
	s.AddRole("Anonymous", "An anonymous user")
	admin := s.AddPermission(&Permission{Name: "Admin",
		Description: "Any database operation"})
	s.AddPermissionToRole("Admin", admin)
	return s
}

// AddPermission registers a permission and returns it.
func (s *Security) AddPermission(p *Permission) *Permission {
	if len(p.Properties) > 0 {
		p.propSet = make(map[string]bool, len(p.Properties))
		for _, prop := range p.Properties {
			p.propSet[prop] = true
		}
	}
	s.permissions[p.Name] = append(s.permissions[p.Name], p)
	return p
}

// AddRole registers a role and returns it.
func (s *Security) AddRole(name, description string) *Role {
	r := &Role{Name: name, Description: description}
	s.roles[strings.ToLower(name)] = r
	return r
}

// AddPermissionToRole attaches a registered permission to a role.
func (s *Security) AddPermissionToRole(rolename string, p *Permission) {
	r, ok := s.roles[strings.ToLower(rolename)]
	if !ok {
		log.Warnf("security: no role %q", rolename)
		return
	}
	r.Permissions = append(r.Permissions, p)
}

// Role resolves a role by name, case-insensitively.
func (s *Security) Role(name string) (*Role, bool) {
	r, ok := s.roles[strings.ToLower(name)]
	return r, ok
}

// RoleNames returns the registered roles sorted by name.
func (s *Security) RoleNames() []string {
	names := make([]string, 0, len(s.roles))
	for _, r := range s.roles {
		names = append(names, r.Name)
	}
	sort.Strings(names)
	return names
}

// userRoles reads the user's comma-separated roles property.
func (s *Security) userRoles(userid string) []string {
	users, err := s.db.GetClass("user")
	if err != nil {
		return nil
	}
	v, err := users.Get(userid, "roles")
	if err != nil || v == nil {
		return nil
	}
	var roles []string
	for _, name := range strings.Split(v.(string), ",") {
		if name = strings.TrimSpace(name); name != "" {
			roles = append(roles, name)
		}
	}
	return roles
}

// HasPermission checks whether the user may perform the named
// operation: OR across the user's roles and their permissions, AND
// within each permission's constraints. The Admin permission grants
// everything.
func (s *Security) HasPermission(name, userid, classname, itemid, property string) bool {
	for _, rolename := range s.userRoles(userid) {
		r, ok := s.roles[strings.ToLower(rolename)]
		if !ok {
			continue
		}
		for _, p := range r.Permissions {
			if p.Name == "Admin" {
				return true
			}
			if p.Name != name {
				continue
			}
			if p.Applies(s.db, userid, classname, itemid, property) {
				return true
			}
		}
	}
	return false
}

// Describe renders one role and its permissions for the admin
// security listing.
func (r *Role) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Role %q (%s):\n", r.Name, r.Description)
	for _, p := range r.Permissions {
		fmt.Fprintf(&b, "  %s", p.Name)
		if p.Class != "" {
			fmt.Fprintf(&b, " (%s)", p.Class)
		}
		if len(p.Properties) > 0 {
			fmt.Fprintf(&b, " [%s]", strings.Join(p.Properties, ", "))
		}
		if p.Check != nil {
			b.WriteString(" +check")
		}
		b.WriteString("\n")
	}
	return b.String()
}
