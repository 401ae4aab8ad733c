package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/dmakasi/mahudhurio/core"
)

// ErrInvalidCredentials is returned by AuthService implementations when the
// backend rejects the username/password pair.
var ErrInvalidCredentials = errors.New("invalid credentials")

// User-visible login messages, read back through Service.Err.
const (
	msgMissingCredentials = "Username and password are required."
	msgInvalidCredentials = "Invalid username or password."
	msgLoginFailed        = "Login failed. Please try again later."
)

// Persisted storage keys; fixed for compatibility with earlier clients.
const (
	storeKeyToken       = "authToken"
	storeKeyIdentity    = "userDetails"
	storeKeyPermissions = "userPermissions"
)

type (
	// AuthService validates credentials against the backend and returns the
	// opaque bearer credential plus the canonical account record.
	AuthService interface {
		Login(ctx context.Context, username, password string) (token string, acct Account, err error)
	}

	// UserService answers the authoritative permission list for the current
	// session.
	UserService interface {
		Permissions(ctx context.Context) ([]string, error)
	}

	// Store is the persisted key-value storage (storage/keyvalue implements
	// it). A failed Get is treated as an absent key.
	Store interface {
		Get(key string) ([]byte, error)
		Set(key string, value []byte) error
		Delete(keys ...string) error
	}

	Deps struct {
		Conf   *core.Config
		Logger core.Logger
		Auth   AuthService
		Users  UserService
		Store  Store          // optional; nil keeps the session memory-only
		Policy FallbackPolicy // optional; defaults to LegacyUsernamePolicy

		// TokenCheck, when set, vets the persisted credential at startup;
		// a false answer discards the stored session instead of restoring it.
		TokenCheck func(token string) bool
	}

	// Service is the single source of truth for "who is logged in and what
	// can they do". Safe for concurrent use.
	Service interface {
		Login(ctx context.Context, username, password string) bool
		Logout()
		HasPermission(perm string) bool
		HasAnyPermission(perms ...string) bool
		RefreshPermissions(ctx context.Context)
		SetBackendAvailable(available bool)
		HandleUnauthorized(path string)

		IsAuthenticated() bool
		Current() (Identity, bool)
		Token() string
		Permissions() PermissionSet
		State() State
		Loading() bool
		Err() string
		BackendAvailable() bool
		TakeResumePath() string
	}

	service struct {
		conf    *core.Config
		logger  core.Logger
		auth    AuthService
		users   UserService
		store   Store
		policy  FallbackPolicy
		nowFunc func() time.Time // mockable

		flight singleflight.Group

		mu               sync.RWMutex
		token            string
		ident            Identity
		perms            PermissionSet
		loading          bool
		errMsg           string
		offline          bool
		backendAvailable bool
		resumePath       string
		lastFetch        time.Time
	}
)

var _ Service = (*service)(nil)

func NewService(deps Deps) Service {
	svc := &service{
		conf:             deps.Conf,
		logger:           deps.Logger,
		auth:             deps.Auth,
		users:            deps.Users,
		store:            deps.Store,
		policy:           deps.Policy,
		nowFunc:          time.Now,
		perms:            NewPermissionSet(),
		backendAvailable: true,
	}
	if svc.logger == nil {
		svc.logger = core.NopLogger{}
	}
	if svc.policy == nil {
		svc.policy = NewLegacyUsernamePolicy()
	}
	svc.restore(deps.TokenCheck)
	return svc
}

// restore rebuilds the session from persisted storage; read once at startup.
func (svc *service) restore(tokenCheck func(string) bool) {
	if svc.store == nil {
		return
	}
	rawToken, err := svc.store.Get(storeKeyToken)
	if err != nil || len(rawToken) == 0 {
		return
	}
	token := string(rawToken)
	if tokenCheck != nil && !tokenCheck(token) {
		svc.logger.Info("session: discarding stale persisted credential")
		if err = svc.store.Delete(storeKeyToken, storeKeyIdentity, storeKeyPermissions); err != nil {
			svc.logger.Error("session: clearing persisted session", err)
		}
		return
	}

	var ident Identity
	rawIdent, err := svc.store.Get(storeKeyIdentity)
	if err != nil || json.Unmarshal(rawIdent, &ident) != nil || ident.Username == "" {
		// a token without an identity is unusable; drop both
		svc.logger.Warn("session: persisted token has no identity, discarding")
		if err = svc.store.Delete(storeKeyToken, storeKeyIdentity, storeKeyPermissions); err != nil {
			svc.logger.Error("session: clearing persisted session", err)
		}
		return
	}

	perms := NewPermissionSet()
	if rawPerms, err := svc.store.Get(storeKeyPermissions); err == nil {
		_ = json.Unmarshal(rawPerms, &perms)
	}
	if len(perms) == 0 {
		perms = svc.policy.Permissions(ident)
	}

	svc.token = token
	svc.ident = ident
	svc.perms = perms
	svc.logger.Debug("session: restored persisted session", map[string]interface{}{"username": ident.Username})
}

func (svc *service) Login(ctx context.Context, username, password string) bool {
	req := LoginRequest{Username: username, Password: password}
	if err := req.Validate(); err != nil {
		svc.setError(msgMissingCredentials)
		return false
	}

	svc.setLoading(true)
	defer svc.setLoading(false)

	lctx, cancel := context.WithTimeout(ctx, svc.conf.Backend.RequestTimeout)
	defer cancel()

	token, acct, err := svc.auth.Login(lctx, req.Username, req.Password)
	if err != nil {
		msg := msgLoginFailed
		if errors.Cause(err) == ErrInvalidCredentials {
			msg = msgInvalidCredentials
		}
		svc.logger.Warn("session: login failed", err, map[string]interface{}{"username": req.Username})

		svc.mu.Lock()
		svc.clearLocked()
		svc.errMsg = msg
		svc.mu.Unlock()
		svc.persist()
		return false
	}

	ident := Identity{
		ID:       acct.ID,
		Username: acct.Username,
		Email:    acct.Email,
		Role:     ParseRole(acct.Roles, req.Username),
	}
	if ident.Username == "" {
		ident.Username = req.Username
	}

	svc.mu.Lock()
	svc.token = token
	svc.ident = ident
	svc.perms = svc.policy.Permissions(ident)
	svc.errMsg = ""
	svc.offline = false
	svc.lastFetch = time.Time{}
	svc.mu.Unlock()
	svc.persist()

	svc.logger.Info("session: login successful", ident)

	// fetch the authoritative list in the background; the seeded defaults
	// keep the UI usable meanwhile
	go svc.RefreshPermissions(context.Background())
	return true
}

// Logout clears the session and its persisted entries. Idempotent.
func (svc *service) Logout() {
	svc.mu.Lock()
	svc.clearLocked()
	svc.errMsg = ""
	svc.resumePath = ""
	svc.mu.Unlock()
	svc.persist()
	svc.logger.Info("session: logged out")
}

// HandleUnauthorized is wired into the request layer: a 401 on any
// authenticated request is fatal to the session. The request path is kept so
// the login surface can restore it afterwards.
func (svc *service) HandleUnauthorized(path string) {
	svc.mu.Lock()
	wasAuthed := svc.token != ""
	if path != "" && path != "/login" {
		svc.resumePath = path
	}
	svc.clearLocked()
	svc.mu.Unlock()
	svc.persist()
	if wasAuthed {
		svc.logger.Warn("session: request rejected with 401, session cleared", map[string]interface{}{"path": path})
	}
}

// HasPermission reports whether the session holds perm. Admins always do.
func (svc *service) HasPermission(perm string) bool {
	svc.mu.RLock()
	defer svc.mu.RUnlock()
	if svc.token == "" {
		return false
	}
	if svc.ident.Role.IsAdmin() || svc.perms.Has(PermAdminAll) {
		return true
	}
	return svc.perms.Has(perm)
}

// HasAnyPermission reports whether the session holds any of perms. Admins
// always pass, even for an empty query; non-admins never pass an empty one.
func (svc *service) HasAnyPermission(perms ...string) bool {
	svc.mu.RLock()
	defer svc.mu.RUnlock()
	if svc.token == "" {
		return false
	}
	if svc.ident.Role.IsAdmin() {
		return true
	}
	if len(svc.perms) == 0 {
		return false
	}
	if svc.perms.Has(PermAdminAll) {
		return true
	}
	return svc.perms.HasAny(perms...)
}

// RefreshPermissions fetches the authoritative permission list. At most one
// network call goes out per cooldown window; concurrent callers share a
// single in-flight request. Failures never escape: the fallback policy is
// applied and the session goes offline.
func (svc *service) RefreshPermissions(ctx context.Context) {
	svc.mu.RLock()
	authed := svc.token != ""
	offline := svc.offline
	last := svc.lastFetch
	svc.mu.RUnlock()

	if !authed {
		return
	}
	if offline {
		// suppressed until a reachability probe succeeds
		return
	}
	if svc.nowFunc().Sub(last) < svc.conf.Backend.PermissionCooldown {
		svc.logger.Debug("session: skipping permission fetch, too recent")
		return
	}

	_, _, _ = svc.flight.Do("refresh", func() (interface{}, error) {
		svc.mu.Lock()
		if svc.token == "" || svc.nowFunc().Sub(svc.lastFetch) < svc.conf.Backend.PermissionCooldown {
			svc.mu.Unlock()
			return nil, nil
		}
		svc.lastFetch = svc.nowFunc()
		svc.mu.Unlock()

		fctx, cancel := context.WithTimeout(ctx, svc.conf.Backend.RequestTimeout)
		defer cancel()

		perms, err := svc.users.Permissions(fctx)
		if err != nil {
			svc.logger.Warn("session: permission fetch failed, applying fallback permissions", err)
			svc.mu.Lock()
			if svc.token != "" {
				svc.backendAvailable = false
				svc.offline = true
				svc.perms = svc.policy.Permissions(svc.ident)
			}
			svc.mu.Unlock()
			svc.persist()
			return nil, nil
		}

		ps := NewPermissionSet(perms...)
		svc.mu.Lock()
		if svc.token != "" {
			if svc.ident.Role.IsAdmin() {
				ps.Add(PermAdminAll)
			}
			svc.perms = ps
			svc.backendAvailable = true
			svc.offline = false
		}
		svc.mu.Unlock()
		svc.persist()
		return nil, nil
	})
}

// SetBackendAvailable is fed by the reachability prober. Coming back online
// lifts the offline suppression and retries the permission fetch.
func (svc *service) SetBackendAvailable(available bool) {
	if available {
		svc.mu.Lock()
		wasOffline := svc.offline
		svc.backendAvailable = true
		svc.offline = false
		if wasOffline {
			svc.lastFetch = time.Time{}
		}
		authed := svc.token != ""
		svc.mu.Unlock()
		if wasOffline && authed {
			go svc.RefreshPermissions(context.Background())
		}
		return
	}
	svc.mu.Lock()
	svc.backendAvailable = false
	if svc.token != "" {
		svc.offline = true
	}
	svc.mu.Unlock()
}

func (svc *service) IsAuthenticated() bool {
	svc.mu.RLock()
	defer svc.mu.RUnlock()
	return svc.token != ""
}

func (svc *service) Current() (Identity, bool) {
	svc.mu.RLock()
	defer svc.mu.RUnlock()
	return svc.ident, svc.token != ""
}

func (svc *service) Token() string {
	svc.mu.RLock()
	defer svc.mu.RUnlock()
	return svc.token
}

func (svc *service) Permissions() PermissionSet {
	svc.mu.RLock()
	defer svc.mu.RUnlock()
	return svc.perms.Clone()
}

func (svc *service) State() State {
	svc.mu.RLock()
	defer svc.mu.RUnlock()
	switch {
	case svc.token == "" && svc.loading:
		return StateAuthenticating
	case svc.token == "":
		return StateAnonymous
	case svc.offline:
		return StateOffline
	default:
		return StateOnline
	}
}

func (svc *service) Loading() bool {
	svc.mu.RLock()
	defer svc.mu.RUnlock()
	return svc.loading
}

// Err returns the last user-visible login error message, if any.
func (svc *service) Err() string {
	svc.mu.RLock()
	defer svc.mu.RUnlock()
	return svc.errMsg
}

func (svc *service) BackendAvailable() bool {
	svc.mu.RLock()
	defer svc.mu.RUnlock()
	return svc.backendAvailable
}

// TakeResumePath returns and clears the path captured before a forced
// logout, for post-login restoration.
func (svc *service) TakeResumePath() string {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	path := svc.resumePath
	svc.resumePath = ""
	return path
}

// clearLocked drops token, identity and permissions together; the caller
// holds svc.mu.
func (svc *service) clearLocked() {
	svc.token = ""
	svc.ident = Identity{}
	svc.perms = NewPermissionSet()
	svc.offline = false
	svc.lastFetch = time.Time{}
}

func (svc *service) setLoading(loading bool) {
	svc.mu.Lock()
	svc.loading = loading
	if loading {
		svc.errMsg = ""
	}
	svc.mu.Unlock()
}

func (svc *service) setError(msg string) {
	svc.mu.Lock()
	svc.errMsg = msg
	svc.mu.Unlock()
}

// persist mirrors the current state into the store; storage failures are
// logged, never surfaced.
func (svc *service) persist() {
	if svc.store == nil {
		return
	}
	svc.mu.RLock()
	token := svc.token
	ident := svc.ident
	perms := svc.perms.Sorted()
	svc.mu.RUnlock()

	if token == "" {
		if err := svc.store.Delete(storeKeyToken, storeKeyIdentity, storeKeyPermissions); err != nil {
			svc.logger.Error("session: clearing persisted session", err)
		}
		return
	}

	identJSON, err := json.Marshal(ident)
	if err != nil {
		svc.logger.Error("session: serializing identity", err)
		return
	}
	permsJSON, err := json.Marshal(perms)
	if err != nil {
		svc.logger.Error("session: serializing permissions", err)
		return
	}
	for key, val := range map[string][]byte{
		storeKeyToken:       []byte(token),
		storeKeyIdentity:    identJSON,
		storeKeyPermissions: permsJSON,
	} {
		if err = svc.store.Set(key, val); err != nil {
			svc.logger.Error("session: persisting session", err)
			return
		}
	}
}
