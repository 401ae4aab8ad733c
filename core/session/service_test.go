package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/dmakasi/mahudhurio/core"
)

var errNetwork = errors.New("connection refused")

func newTestConf() *core.Config {
	conf := &core.Config{}
	conf.Backend.RequestTimeout = 2 * time.Second
	conf.Backend.PermissionCooldown = 10 * time.Second
	return conf
}

func testAccounts() map[string]Account {
	return map[string]Account{
		"admin":    {ID: "1", Username: "admin", Email: "admin@example.com", Roles: []string{"ADMIN"}},
		"teacher1": {ID: "2", Username: "teacher1", Email: "teacher1@example.com", Roles: []string{"USER"}},
		"student1": {ID: "3", Username: "student1", Email: "student1@example.com"},
	}
}

func newTestService(t *testing.T) (*service, *AuthServiceMock, *UserServiceMock, *StoreMock) {
	t.Helper()
	auth := &AuthServiceMock{Accounts: testAccounts()}
	users := &UserServiceMock{Perms: []string{PermDashboardView, PermStudentView}}
	store := NewStoreMock()
	svc := NewService(Deps{
		Conf:   newTestConf(),
		Auth:   auth,
		Users:  users,
		Store:  store,
	}).(*service)
	return svc, auth, users, store
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("waitFor() timed out")
}

// allows a fresh fetch regardless of when the last one happened
func expireCooldown(svc *service) {
	svc.mu.Lock()
	svc.lastFetch = time.Time{}
	svc.mu.Unlock()
}

func TestLoginAdminSeedsAdminAll(t *testing.T) {
	svc, _, users, store := newTestService(t)
	users.Block = make(chan struct{}) // hold the background fetch

	if ok := svc.Login(context.Background(), "admin", "x"); !ok {
		t.Fatalf("Login() = false, want true; err=%q", svc.Err())
	}

	// the seeded set must grant everything before any fetch resolves
	if !svc.Permissions().Has(PermAdminAll) {
		t.Errorf("permissions = %v, want %s before fetch resolves", svc.Permissions().Sorted(), PermAdminAll)
	}
	if !svc.HasPermission("SOME_UNKNOWN_PERMISSION") {
		t.Error("HasPermission() = false for admin, want true")
	}
	if ident, ok := svc.Current(); !ok || !ident.Role.IsAdmin() {
		t.Errorf("Current() = %+v, %v; want admin identity", ident, ok)
	}
	if _, err := store.Get(storeKeyToken); err != nil {
		t.Error("token not persisted after login")
	}

	close(users.Block)
	waitFor(t, func() bool { return users.CallCount() == 1 })
	waitFor(t, func() bool { return svc.Permissions().Has(PermAdminAll) && svc.Permissions().Has(PermDashboardView) })
	if got := svc.State(); got != StateOnline {
		t.Errorf("State() = %v, want %v", got, StateOnline)
	}
}

func TestLoginRoleDerivation(t *testing.T) {
	tests := []struct {
		name     string
		username string
		want     Role
	}{
		{name: "backend role wins", username: "teacher1", want: RoleUser},
		{name: "no roles, username admin", username: "admin", want: RoleAdmin},
		{name: "no roles, regular username", username: "student1", want: RoleUser},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, _, _ := newTestService(t)
			if ok := svc.Login(context.Background(), tt.username, "x"); !ok {
				t.Fatalf("Login() = false, want true")
			}
			ident, _ := svc.Current()
			if ident.Role != tt.want {
				t.Errorf("role = %v, want %v", ident.Role, tt.want)
			}
		})
	}
}

func TestLoginTeacherUsernameGrantsExtras(t *testing.T) {
	svc, _, users, _ := newTestService(t)
	users.Block = make(chan struct{})
	defer close(users.Block)

	if ok := svc.Login(context.Background(), "teacher1", "x"); !ok {
		t.Fatalf("Login() = false, want true")
	}
	perms := svc.Permissions()
	for _, p := range []string{PermStudentEdit, PermAbsenceCreate, PermAbsenceEdit} {
		if !perms.Has(p) {
			t.Errorf("permissions missing %s (username heuristic)", p)
		}
	}
	for _, p := range BaselinePermissions {
		if !perms.Has(p) {
			t.Errorf("permissions missing baseline %s", p)
		}
	}
	if perms.Has(PermAdminAll) {
		t.Errorf("non-admin seeded with %s", PermAdminAll)
	}
}

func TestLoginFailures(t *testing.T) {
	tests := []struct {
		name     string
		username string
		password string
		authErr  error
		wantMsg  string
	}{
		{name: "invalid credentials", username: "admin", password: "nope", wantMsg: msgInvalidCredentials},
		{name: "unknown user", username: "ghost", password: "x", wantMsg: msgInvalidCredentials},
		{name: "network error", username: "admin", password: "x", authErr: errNetwork, wantMsg: msgLoginFailed},
		{name: "missing username", username: "", password: "x", wantMsg: msgMissingCredentials},
		{name: "missing password", username: "admin", password: "", wantMsg: msgMissingCredentials},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, auth, _, store := newTestService(t)
			auth.Err = tt.authErr

			if ok := svc.Login(context.Background(), tt.username, tt.password); ok {
				t.Fatal("Login() = true, want false")
			}
			if svc.Err() != tt.wantMsg {
				t.Errorf("Err() = %q, want %q", svc.Err(), tt.wantMsg)
			}
			if svc.IsAuthenticated() {
				t.Error("IsAuthenticated() = true after failed login")
			}
			if _, ok := svc.Current(); ok {
				t.Error("Current() reports an identity without a token")
			}
			if store.Len() != 0 {
				t.Errorf("store has %d entries after failed login, want 0", store.Len())
			}
			if got := svc.State(); got != StateAnonymous {
				t.Errorf("State() = %v, want %v", got, StateAnonymous)
			}
		})
	}
}

func TestLogout(t *testing.T) {
	svc, _, users, store := newTestService(t)
	if ok := svc.Login(context.Background(), "teacher1", "x"); !ok {
		t.Fatal("Login() = false, want true")
	}
	waitFor(t, func() bool { return users.CallCount() == 1 })

	svc.Logout()

	if svc.IsAuthenticated() {
		t.Error("IsAuthenticated() = true after logout")
	}
	if store.Len() != 0 {
		t.Errorf("store has %d entries after logout, want 0", store.Len())
	}
	for _, p := range []string{PermAdminAll, PermDashboardView, PermStudentView, ""} {
		if svc.HasPermission(p) {
			t.Errorf("HasPermission(%q) = true after logout", p)
		}
	}
	if svc.Err() != "" {
		t.Errorf("Err() = %q after logout, want empty", svc.Err())
	}

	svc.Logout() // idempotent
	if svc.State() != StateAnonymous {
		t.Errorf("State() = %v after double logout, want %v", svc.State(), StateAnonymous)
	}
}

func TestHasPermission(t *testing.T) {
	svc, _, users, _ := newTestService(t)
	users.Perms = []string{PermStudentView, PermAbsenceView}
	if ok := svc.Login(context.Background(), "student1", "x"); !ok {
		t.Fatal("Login() = false, want true")
	}
	waitFor(t, func() bool { return users.CallCount() == 1 })
	waitFor(t, func() bool { return !svc.Permissions().Has(PermSearchAccess) }) // fetched list applied

	tests := []struct {
		perm string
		want bool
	}{
		{PermStudentView, true},
		{PermAbsenceView, true},
		{PermStudentDelete, false},
		{PermAdminAll, false},
		{"", false},
	}
	for _, tt := range tests {
		if got := svc.HasPermission(tt.perm); got != tt.want {
			t.Errorf("HasPermission(%q) = %v, want %v", tt.perm, got, tt.want)
		}
	}
}

func TestHasPermissionAdminAllSentinel(t *testing.T) {
	// a non-admin whose fetched list carries ADMIN_ALL is granted everything
	svc, _, users, _ := newTestService(t)
	users.Perms = []string{PermAdminAll}
	if ok := svc.Login(context.Background(), "student1", "x"); !ok {
		t.Fatal("Login() = false, want true")
	}
	waitFor(t, func() bool { return users.CallCount() == 1 })
	waitFor(t, func() bool { return svc.Permissions().Has(PermAdminAll) })

	if !svc.HasPermission(PermUserDelete) {
		t.Errorf("HasPermission(%s) = false with %s in set, want true", PermUserDelete, PermAdminAll)
	}
	if !svc.HasAnyPermission(PermRoleEdit) {
		t.Errorf("HasAnyPermission(%s) = false with %s in set, want true", PermRoleEdit, PermAdminAll)
	}
}

func TestHasAnyPermission(t *testing.T) {
	svc, _, users, _ := newTestService(t)
	users.Block = make(chan struct{})
	defer close(users.Block)

	// unauthenticated: always false
	if svc.HasAnyPermission(PermDashboardView) {
		t.Error("HasAnyPermission() = true while unauthenticated")
	}

	if ok := svc.Login(context.Background(), "student1", "x"); !ok {
		t.Fatal("Login() = false, want true")
	}
	tests := []struct {
		name  string
		perms []string
		want  bool
	}{
		{name: "empty input", perms: nil, want: false},
		{name: "overlap", perms: []string{PermUserView, PermStudentView}, want: true},
		{name: "no overlap", perms: []string{PermUserView, PermRoleView}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := svc.HasAnyPermission(tt.perms...); got != tt.want {
				t.Errorf("HasAnyPermission(%v) = %v, want %v", tt.perms, got, tt.want)
			}
		})
	}
}

func TestHasAnyPermissionAdminShortCircuit(t *testing.T) {
	svc, _, users, _ := newTestService(t)
	users.Block = make(chan struct{})
	defer close(users.Block)

	if ok := svc.Login(context.Background(), "admin", "x"); !ok {
		t.Fatal("Login() = false, want true")
	}
	// admins pass even with empty input
	if !svc.HasAnyPermission() {
		t.Error("HasAnyPermission() = false for admin with empty input, want true")
	}
	if !svc.HasAnyPermission(PermUserView) {
		t.Error("HasAnyPermission() = false for admin, want true")
	}
}

func TestRefreshCooldown(t *testing.T) {
	svc, _, users, _ := newTestService(t)
	if ok := svc.Login(context.Background(), "teacher1", "x"); !ok {
		t.Fatal("Login() = false, want true")
	}
	waitFor(t, func() bool { return users.CallCount() == 1 })

	// both triggers fall inside the cooldown window: no further calls
	svc.RefreshPermissions(context.Background())
	svc.RefreshPermissions(context.Background())
	if got := users.CallCount(); got != 1 {
		t.Errorf("permission fetch count = %d within cooldown, want 1", got)
	}

	expireCooldown(svc)
	svc.RefreshPermissions(context.Background())
	waitFor(t, func() bool { return users.CallCount() == 2 })
	svc.RefreshPermissions(context.Background())
	if got := users.CallCount(); got != 2 {
		t.Errorf("permission fetch count = %d, want 2", got)
	}
}

func TestConcurrentRefreshesCollapse(t *testing.T) {
	svc, _, users, _ := newTestService(t)
	if ok := svc.Login(context.Background(), "teacher1", "x"); !ok {
		t.Fatal("Login() = false, want true")
	}
	waitFor(t, func() bool { return users.CallCount() == 1 })

	users.Block = make(chan struct{})
	expireCooldown(svc)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.RefreshPermissions(context.Background())
		}()
	}
	time.Sleep(20 * time.Millisecond) // let the callers pile up on the flight
	close(users.Block)
	wg.Wait()

	if got := users.CallCount(); got != 2 {
		t.Errorf("permission fetch count = %d after concurrent refreshes, want 2", got)
	}
}

func TestRefreshFailureEntersOfflineMode(t *testing.T) {
	svc, _, users, _ := newTestService(t)
	if ok := svc.Login(context.Background(), "teacher1", "x"); !ok {
		t.Fatal("Login() = false, want true")
	}
	waitFor(t, func() bool { return users.CallCount() == 1 })

	users.SetErr(errNetwork)
	expireCooldown(svc)
	svc.RefreshPermissions(context.Background())
	waitFor(t, func() bool { return svc.State() == StateOffline })

	if svc.BackendAvailable() {
		t.Error("BackendAvailable() = true after failed fetch")
	}
	// fallback permissions keep the UI usable
	if !svc.HasPermission(PermStudentView) {
		t.Errorf("HasPermission(%s) = false in offline mode, want true", PermStudentView)
	}
	if !svc.HasPermission(PermStudentEdit) {
		t.Errorf("HasPermission(%s) = false for teacher in offline mode, want true", PermStudentEdit)
	}
	if !svc.IsAuthenticated() {
		t.Error("IsAuthenticated() = false, offline mode must not log out")
	}

	// offline mode suppresses further fetch attempts
	calls := users.CallCount()
	expireCooldown(svc)
	svc.RefreshPermissions(context.Background())
	if got := users.CallCount(); got != calls {
		t.Errorf("permission fetch count = %d while offline, want %d", got, calls)
	}
}

func TestProbeRecoveryExitsOfflineMode(t *testing.T) {
	svc, _, users, _ := newTestService(t)
	if ok := svc.Login(context.Background(), "teacher1", "x"); !ok {
		t.Fatal("Login() = false, want true")
	}
	waitFor(t, func() bool { return users.CallCount() == 1 })

	users.SetErr(errNetwork)
	expireCooldown(svc)
	svc.RefreshPermissions(context.Background())
	waitFor(t, func() bool { return svc.State() == StateOffline })

	users.SetErr(nil)
	calls := users.CallCount()
	svc.SetBackendAvailable(true)
	waitFor(t, func() bool { return users.CallCount() == calls+1 })
	waitFor(t, func() bool { return svc.State() == StateOnline })
	if !svc.BackendAvailable() {
		t.Error("BackendAvailable() = false after probe recovery")
	}
}

func TestSetBackendUnavailable(t *testing.T) {
	svc, _, users, _ := newTestService(t)
	if ok := svc.Login(context.Background(), "teacher1", "x"); !ok {
		t.Fatal("Login() = false, want true")
	}
	waitFor(t, func() bool { return users.CallCount() == 1 })

	svc.SetBackendAvailable(false)
	if svc.State() != StateOffline {
		t.Errorf("State() = %v after probe failure, want %v", svc.State(), StateOffline)
	}
}

func TestHandleUnauthorized(t *testing.T) {
	svc, _, users, store := newTestService(t)
	if ok := svc.Login(context.Background(), "teacher1", "x"); !ok {
		t.Fatal("Login() = false, want true")
	}
	waitFor(t, func() bool { return users.CallCount() == 1 })

	svc.HandleUnauthorized("/students?page=2")

	if svc.IsAuthenticated() {
		t.Error("IsAuthenticated() = true after 401")
	}
	if store.Len() != 0 {
		t.Errorf("store has %d entries after 401, want 0", store.Len())
	}
	if got := svc.TakeResumePath(); got != "/students?page=2" {
		t.Errorf("TakeResumePath() = %q, want %q", got, "/students?page=2")
	}
	if got := svc.TakeResumePath(); got != "" {
		t.Errorf("TakeResumePath() = %q on second call, want empty", got)
	}
}

func TestHandleUnauthorizedSkipsLoginPath(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	svc.HandleUnauthorized("/login")
	if got := svc.TakeResumePath(); got != "" {
		t.Errorf("TakeResumePath() = %q, want empty for /login", got)
	}
}

func TestRestoreFromStore(t *testing.T) {
	store := NewStoreMock()
	ident := Identity{ID: "2", Username: "teacher1", Email: "teacher1@example.com", Role: RoleUser}
	identJSON, _ := json.Marshal(ident)
	permsJSON, _ := json.Marshal([]string{PermDashboardView, PermStudentView})
	_ = store.Set(storeKeyToken, []byte("Basic dGVhY2hlcjE6eA=="))
	_ = store.Set(storeKeyIdentity, identJSON)
	_ = store.Set(storeKeyPermissions, permsJSON)

	svc := NewService(Deps{
		Conf:  newTestConf(),
		Auth:  &AuthServiceMock{},
		Users: &UserServiceMock{},
		Store: store,
	})

	if !svc.IsAuthenticated() {
		t.Fatal("IsAuthenticated() = false after restore")
	}
	if got := svc.State(); got != StateOnline {
		t.Errorf("State() = %v after restore, want %v", got, StateOnline)
	}
	restored, _ := svc.Current()
	if restored != ident {
		t.Errorf("Current() = %+v, want %+v", restored, ident)
	}
	if !svc.HasPermission(PermStudentView) {
		t.Error("restored session lost its permissions")
	}
}

func TestRestoreTokenWithoutIdentity(t *testing.T) {
	store := NewStoreMock()
	_ = store.Set(storeKeyToken, []byte("Basic b3JwaGFuOng="))

	svc := NewService(Deps{
		Conf:  newTestConf(),
		Auth:  &AuthServiceMock{},
		Users: &UserServiceMock{},
		Store: store,
	})

	if svc.IsAuthenticated() {
		t.Error("IsAuthenticated() = true for orphan token")
	}
	if store.Len() != 0 {
		t.Errorf("store has %d entries, want 0 (orphan token discarded)", store.Len())
	}
}

func TestRestoreRejectedByTokenCheck(t *testing.T) {
	store := NewStoreMock()
	ident := Identity{ID: "2", Username: "teacher1", Role: RoleUser}
	identJSON, _ := json.Marshal(ident)
	_ = store.Set(storeKeyToken, []byte("Bearer expired"))
	_ = store.Set(storeKeyIdentity, identJSON)

	svc := NewService(Deps{
		Conf:       newTestConf(),
		Auth:       &AuthServiceMock{},
		Users:      &UserServiceMock{},
		Store:      store,
		TokenCheck: func(string) bool { return false },
	})

	if svc.IsAuthenticated() {
		t.Error("IsAuthenticated() = true for rejected token")
	}
	if store.Len() != 0 {
		t.Errorf("store has %d entries, want 0 (rejected token discarded)", store.Len())
	}
}

func TestIdentityTokenInvariant(t *testing.T) {
	svc, _, users, _ := newTestService(t)
	users.Block = make(chan struct{})
	defer close(users.Block)

	check := func(point string) {
		t.Helper()
		_, hasIdent := svc.Current()
		if hasIdent != (svc.Token() != "") {
			t.Errorf("%s: identity defined = %v but token defined = %v", point, hasIdent, svc.Token() != "")
		}
	}

	check("initial")
	svc.Login(context.Background(), "admin", "nope")
	check("after failed login")
	svc.Login(context.Background(), "admin", "x")
	check("after successful login")
	svc.Logout()
	check("after logout")
}
