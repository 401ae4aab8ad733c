package main

import (
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"github.com/dmakasi/mahudhurio/core/session"
)

type (
	seedUser struct {
		ID           string
		Username     string
		Email        string
		PasswordHash []byte
		Roles        []string
	}

	userTable struct {
		mu    sync.RWMutex
		byID  map[string]seedUser
		names map[string]string // username -> ID
	}
)

func (usr seedUser) isAdmin() bool {
	for _, role := range usr.Roles {
		if role == string(session.RoleAdmin) {
			return true
		}
	}
	return false
}

// permissions derives the authoritative permission list the way the real
// backend resolves role grants.
func (usr seedUser) permissions() []string {
	if usr.isAdmin() {
		return []string{
			session.PermDashboardView, session.PermSearchAccess,
			session.PermUserView, session.PermUserCreate, session.PermUserEdit, session.PermUserDelete,
			session.PermRoleView, session.PermRoleCreate, session.PermRoleEdit, session.PermRoleDelete,
			session.PermStudentView, session.PermStudentCreate, session.PermStudentEdit, session.PermStudentDelete,
			session.PermAbsenceView, session.PermAbsenceCreate, session.PermAbsenceEdit, session.PermAbsenceDelete,
		}
	}

	perms := []string{
		session.PermDashboardView, session.PermStudentView, session.PermAbsenceView, session.PermSearchAccess,
	}
	for _, role := range usr.Roles {
		if role == "TEACHER" {
			perms = append(perms, session.PermStudentEdit, session.PermAbsenceCreate, session.PermAbsenceEdit)
		}
	}
	return perms
}

// seedUsers builds the fixture accounts; all passwords are "passwd".
func seedUsers() *userTable {
	t := &userTable{
		byID:  make(map[string]seedUser),
		names: make(map[string]string),
	}
	for _, seed := range []struct {
		username, email string
		roles           []string
	}{
		{"admin", "admin@mahudhurio.dev", []string{string(session.RoleAdmin)}},
		{"teacher1", "teacher1@mahudhurio.dev", []string{"TEACHER"}},
		{"student1", "student1@mahudhurio.dev", []string{string(session.RoleUser)}},
	} {
		// MinCost keeps fixture startup cheap
		hash, _ := bcrypt.GenerateFromPassword([]byte("passwd"), bcrypt.MinCost)
		usr := seedUser{
			ID:           uuid.NewString(),
			Username:     seed.username,
			Email:        seed.email,
			PasswordHash: hash,
			Roles:        seed.roles,
		}
		t.byID[usr.ID] = usr
		t.names[usr.Username] = usr.ID
	}
	return t
}

func (t *userTable) getByID(id string) (seedUser, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	usr, ok := t.byID[id]
	return usr, ok
}

func (t *userTable) getByUsername(uname string) (seedUser, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.names[uname]
	if !ok {
		return seedUser{}, false
	}
	return t.byID[id], true
}

// API

type (
	roleResponse struct {
		Name string `json:"name"`
	}

	userResponse struct {
		ID       string         `json:"id"`
		Username string         `json:"username"`
		Email    string         `json:"email"`
		Roles    []roleResponse `json:"roles"`
	}

	loginResponse struct {
		Token string `json:"token"`
	}
)

func newUserResponse(usr seedUser) userResponse {
	resp := userResponse{
		ID:       usr.ID,
		Username: usr.Username,
		Email:    usr.Email,
	}
	for _, role := range usr.Roles {
		resp.Roles = append(resp.Roles, roleResponse{Name: role})
	}
	return resp
}

func (s *server) registerUserAPI(g *echo.Group) {
	g.POST("/users/login", s.login)

	ag := g.Group("/user/me", s.authMiddleware())
	ag.GET("", s.me)
	ag.GET("/permissions", s.myPermissions)
}

// Handlers

func (s *server) login(ctx echo.Context) error {
	var data session.LoginRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to LoginRequest")
	}
	if err := data.Validate(); err != nil {
		return err
	}

	usr, ok := s.users.getByUsername(data.Username)
	if !ok {
		return errAuthenticationFailed
	}
	if bcrypt.CompareHashAndPassword(usr.PasswordHash, []byte(data.Password)) != nil {
		return errAuthenticationFailed
	}

	token, err := s.generateToken(s.getAccountClaims(usr))
	if err != nil {
		return errors.Wrap(err, "generating token")
	}
	return ctx.JSON(http.StatusOK, loginResponse{Token: token})
}

func (s *server) me(ctx echo.Context) error {
	usr, err := getContextUser(ctx)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, newUserResponse(usr))
}

func (s *server) myPermissions(ctx echo.Context) error {
	usr, err := getContextUser(ctx)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, usr.permissions())
}
