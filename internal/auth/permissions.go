package auth

import (
	"sort"
	"strings"
)

// Wildcard grants every permission.
const Wildcard = "*"

const (
	PermRolesRead   = "roles.read"
	PermRolesWrite  = "roles.write"
	PermRolesDelete = "roles.delete"
	PermUsersRead   = "users.read"
	PermUsersWrite  = "users.write"
)

// Names of the roles seeded into every tenant. Both start with the full catalog.
const (
	RoleOwner     = "Owner"
	RoleAdminName = "Admin"
)

var catalogModules = []struct {
	module  string
	actions []string
}{
	{"inventory", []string{"read", "write", "delete"}},
	{"products", []string{"read", "write", "delete"}},
	{"purchasing", []string{"read", "write", "delete"}},
	{"orders", []string{"read", "write", "delete"}},
	{"suppliers", []string{"read", "write", "delete"}},
	{"reports", []string{"read", "write"}},
	{"settings", []string{"read", "write"}},
	{"users", []string{"read", "write", "delete"}},
	{"roles", []string{"read", "write", "delete"}},
}

// BuiltinPermissions is the global catalog seeded once and shared by all tenants.
var BuiltinPermissions = buildCatalog()

func buildCatalog() []Permission {
	perms := []Permission{{Name: Wildcard, Description: "All permissions"}}
	for _, m := range catalogModules {
		perms = append(perms, Permission{
			Name:        m.module + ".*",
			Description: "All " + m.module + " permissions",
		})
		for _, a := range m.actions {
			perms = append(perms, Permission{
				Name:        m.module + "." + a,
				Description: strings.ToUpper(a[:1]) + a[1:] + " " + m.module,
			})
		}
	}
	return perms
}

// PermissionNames returns the names of perms in order.
func PermissionNames(perms []Permission) []string {
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		out = append(out, p.Name)
	}
	return out
}

// moduleWildcard returns "<module>.*" for a dotted permission.
func moduleWildcard(p string) (string, bool) {
	i := strings.IndexByte(p, '.')
	if i < 0 {
		return "", false
	}
	return p[:i] + ".*", true
}

// isWildcard reports whether name is "*" or a "<module>.*" grant.
func isWildcard(name string) bool {
	return name == Wildcard || strings.HasSuffix(name, ".*")
}

// Expand resolves granted names into the concrete catalog names they cover.
// "*" covers every concrete name, "<module>.*" covers the names of that
// module, and every granted name covers itself. The result is sorted and unique.
func Expand(granted []string, catalog []string) []string {
	set := make(map[string]struct{}, len(granted))
	for _, g := range granted {
		set[g] = struct{}{}
		if !isWildcard(g) {
			continue
		}
		for _, name := range catalog {
			if isWildcard(name) {
				continue
			}
			if g == Wildcard {
				set[name] = struct{}{}
				continue
			}
			if w, ok := moduleWildcard(name); ok && w == g {
				set[name] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Allowed reports whether granted satisfies required. An empty requirement
// always passes and "*" passes everything. Otherwise it is enough that any one
// required permission is granted exactly or through its "<module>.*" grant.
// A name without a dot only matches exactly. Matching is case-sensitive.
func Allowed(required, granted []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(granted))
	for _, g := range granted {
		if g == Wildcard {
			return true
		}
		set[g] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; ok {
			return true
		}
		if w, ok := moduleWildcard(r); ok {
			if _, ok := set[w]; ok {
				return true
			}
		}
	}
	return false
}
