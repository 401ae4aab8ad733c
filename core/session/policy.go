package session

import "strings"

var (
	// AdminPermissions is what an admin session holds before (and regardless
	// of) any backend answer.
	AdminPermissions = []string{PermAdminAll}

	// BaselinePermissions is the navigation set every authenticated
	// non-admin gets when the backend cannot be asked.
	BaselinePermissions = []string{
		PermDashboardView,
		PermStudentView,
		PermAbsenceView,
		PermSearchAccess,
	}
)

// FallbackPolicy decides which permissions an identity holds when the
// authoritative list cannot be fetched (at login, and while offline).
type FallbackPolicy interface {
	Permissions(ident Identity) PermissionSet
}

// LegacyUsernamePolicy reproduces the backend seed data's convention of
// encoding the role in the username: accounts whose username contains one of
// the configured substrings get extra permissions on top of the baseline.
// It is a stand-in for real role-based permissions and is pluggable so
// deployments with proper backend roles can swap it out.
type LegacyUsernamePolicy struct {
	// SubstringGrants maps a lowercase username substring to extra permissions.
	SubstringGrants map[string][]string
}

var _ FallbackPolicy = (*LegacyUsernamePolicy)(nil)

func NewLegacyUsernamePolicy() *LegacyUsernamePolicy {
	return &LegacyUsernamePolicy{
		SubstringGrants: map[string][]string{
			"teacher": {PermStudentEdit, PermAbsenceCreate, PermAbsenceEdit},
		},
	}
}

func (p *LegacyUsernamePolicy) Permissions(ident Identity) PermissionSet {
	if ident.Role.IsAdmin() {
		return NewPermissionSet(AdminPermissions...)
	}
	ps := NewPermissionSet(BaselinePermissions...)
	uname := strings.ToLower(ident.Username)
	for substr, extra := range p.SubstringGrants {
		if strings.Contains(uname, substr) {
			ps.Add(extra...)
		}
	}
	return ps
}

// StaticPolicy always answers with the same set; handy in tests and for
// deployments that want a fixed offline baseline.
type StaticPolicy struct {
	Set PermissionSet
}

var _ FallbackPolicy = (*StaticPolicy)(nil)

func (p *StaticPolicy) Permissions(ident Identity) PermissionSet {
	if ident.Role.IsAdmin() {
		return NewPermissionSet(AdminPermissions...)
	}
	return p.Set.Clone()
}
