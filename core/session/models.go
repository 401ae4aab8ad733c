package session

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/dmakasi/mahudhurio/core"
)

// Permission tags understood by the dashboard backend.
const (
	// ADMIN_ALL is the sentinel granting everything; the bypass itself is
	// decided by Role.IsAdmin, the tag is only kept for wire/storage
	// compatibility with the backend.
	PermAdminAll = "ADMIN_ALL"

	PermDashboardView = "DASHBOARD_VIEW"
	PermSearchAccess  = "SEARCH_ACCESS"

	PermUserView   = "USER_VIEW"
	PermUserCreate = "USER_CREATE"
	PermUserEdit   = "USER_EDIT"
	PermUserDelete = "USER_DELETE"

	PermRoleView   = "ROLE_VIEW"
	PermRoleCreate = "ROLE_CREATE"
	PermRoleEdit   = "ROLE_EDIT"
	PermRoleDelete = "ROLE_DELETE"

	PermStudentView   = "STUDENT_VIEW"
	PermStudentCreate = "STUDENT_CREATE"
	PermStudentEdit   = "STUDENT_EDIT"
	PermStudentDelete = "STUDENT_DELETE"

	PermAbsenceView   = "ABSENCE_VIEW"
	PermAbsenceCreate = "ABSENCE_CREATE"
	PermAbsenceEdit   = "ABSENCE_EDIT"
	PermAbsenceDelete = "ABSENCE_DELETE"
)

// Role is the coarse account role; the admin bypass hangs off the type,
// never off string comparison at call sites.
type Role string

const (
	RoleAdmin Role = "ADMIN"
	RoleUser  Role = "USER"
)

func (r Role) IsAdmin() bool {
	return r == RoleAdmin
}

// ParseRole picks the session role from the backend's role list, falling
// back to the username heuristic the backend seeds its accounts with.
func ParseRole(roles []string, username string) Role {
	if len(roles) > 0 {
		if Role(strings.ToUpper(roles[0])) == RoleAdmin {
			return RoleAdmin
		}
		return RoleUser
	}
	if core.CleanString(username, true /* lower */) == "admin" {
		return RoleAdmin
	}
	return RoleUser
}

// Identity is the logged-in user; defined if and only if a token is held.
type Identity struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     Role   `json:"role"`
}

// Account is the canonical user record returned by the authentication service.
type Account struct {
	ID       string
	Username string
	Email    string
	Roles    []string
}

// PermissionSet is an unordered set of permission tags.
type PermissionSet map[string]struct{}

func NewPermissionSet(perms ...string) PermissionSet {
	ps := make(PermissionSet, len(perms))
	for _, p := range perms {
		ps[p] = struct{}{}
	}
	return ps
}

func (ps PermissionSet) Has(perm string) bool {
	_, ok := ps[perm]
	return ok
}

func (ps PermissionSet) HasAny(perms ...string) bool {
	for _, p := range perms {
		if ps.Has(p) {
			return true
		}
	}
	return false
}

func (ps PermissionSet) Add(perms ...string) {
	for _, p := range perms {
		ps[p] = struct{}{}
	}
}

func (ps PermissionSet) Clone() PermissionSet {
	clone := make(PermissionSet, len(ps))
	for p := range ps {
		clone[p] = struct{}{}
	}
	return clone
}

// Sorted returns the tags in a stable order, for display and persistence.
func (ps PermissionSet) Sorted() []string {
	perms := make([]string, 0, len(ps))
	for p := range ps {
		perms = append(perms, p)
	}
	sort.Strings(perms)
	return perms
}

func (ps PermissionSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(ps.Sorted())
}

func (ps *PermissionSet) UnmarshalJSON(data []byte) error {
	var perms []string
	if err := json.Unmarshal(data, &perms); err != nil {
		return err
	}
	*ps = NewPermissionSet(perms...)
	return nil
}

// State is the session's position in its lifecycle.
type State uint8

const (
	StateAnonymous State = iota
	StateAuthenticating
	StateOnline
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateOnline:
		return "authenticated (online)"
	case StateOffline:
		return "authenticated (offline)"
	default:
		return "anonymous"
	}
}

// LoginRequest carries the credentials provided at the login surface.
type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (lr *LoginRequest) Validate() error {
	lr.Username = core.CleanString(lr.Username)
	return core.Validate.Struct(lr)
}
