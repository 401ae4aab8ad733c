package main

import (
	"encoding/base64"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"github.com/dmakasi/mahudhurio/services/backend"
)

const contextUserKey = "user"

// getAccountClaims builds the authorization claims minted into login tokens.
// backend.Claims is the wire contract shared with clients.
func (s *server) getAccountClaims(usr seedUser) *backend.Claims {
	now := time.Now()
	conf := s.opts.Conf
	return &backend.Claims{
		StandardClaims: jwt.StandardClaims{
			Issuer:    conf.AppName,
			Subject:   usr.ID,
			ExpiresAt: now.Add(conf.Server.JWTExpirationDelta).Unix(),
			IssuedAt:  now.Unix(),
		},
		Username: usr.Username,
		Email:    usr.Email,
		IsAdmin:  usr.isAdmin(),
		Roles:    usr.Roles,
	}
}

// generateToken signs the claims into a JWT token string.
func (s *server) generateToken(claims *backend.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	ss, err := token.SignedString([]byte(s.opts.Conf.SecretKey))
	if err != nil {
		return "", errors.Wrap(err, "signing token")
	}
	return ss, nil
}

// authMiddleware accepts both credential schemes clients use: an HTTP Basic
// credential checked against the stored password hash, or a Bearer JWT
// previously minted by the login endpoint.
func (s *server) authMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			header := ctx.Request().Header.Get(echo.HeaderAuthorization)
			usr, err := s.authenticateHeader(header)
			if err != nil {
				return err
			}
			ctx.Set(contextUserKey, usr)
			return next(ctx)
		}
	}
}

func (s *server) authenticateHeader(header string) (seedUser, error) {
	if cred, ok := strings.CutPrefix(header, "Basic "); ok {
		return s.authenticateBasic(cred)
	}
	if raw, ok := strings.CutPrefix(header, "Bearer "); ok {
		return s.authenticateBearer(raw)
	}
	return seedUser{}, errUnauthorized
}

func (s *server) authenticateBasic(cred string) (seedUser, error) {
	raw, err := base64.StdEncoding.DecodeString(cred)
	if err != nil {
		return seedUser{}, errUnauthorized
	}
	uname, pwd, ok := strings.Cut(string(raw), ":")
	if !ok {
		return seedUser{}, errUnauthorized
	}

	usr, ok := s.users.getByUsername(uname)
	if !ok {
		return seedUser{}, errUnauthorized
	}
	if bcrypt.CompareHashAndPassword(usr.PasswordHash, []byte(pwd)) != nil {
		return seedUser{}, errUnauthorized
	}
	return usr, nil
}

func (s *server) authenticateBearer(raw string) (seedUser, error) {
	claims := new(backend.Claims)
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %q", t.Header["alg"])
		}
		return []byte(s.opts.Conf.SecretKey), nil
	})
	if err != nil || !token.Valid {
		return seedUser{}, errUnauthorized
	}

	usr, ok := s.users.getByID(claims.Subject)
	if !ok {
		return seedUser{}, errUnauthorized
	}
	return usr, nil
}

func getContextUser(ctx echo.Context) (seedUser, error) {
	if usr, ok := ctx.Get(contextUserKey).(seedUser); ok {
		return usr, nil
	}
	return seedUser{}, errUnauthorized
}
