package backend

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/pkg/errors"

	"github.com/dmakasi/mahudhurio/core/session"
)

// meResponse is the backend's canonical user record (GET /user/me).
type meResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Roles    []struct {
		Name string `json:"name"`
	} `json:"roles"`
}

func (me meResponse) account() session.Account {
	acct := session.Account{
		ID:       me.ID,
		Username: me.Username,
		Email:    me.Email,
	}
	for _, r := range me.Roles {
		acct.Roles = append(acct.Roles, r.Name)
	}
	return acct
}

// BasicToken builds the `Basic` Authorization value for the given credentials.
func BasicToken(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}

// BasicAuthService authenticates by probing /user/me with an HTTP Basic
// credential; the credential itself becomes the session token. This matches
// backends that keep per-request Basic authentication.
type BasicAuthService struct {
	client *Client
}

var _ session.AuthService = (*BasicAuthService)(nil)

func NewBasicAuthService(client *Client) *BasicAuthService {
	return &BasicAuthService{client: client}
}

func (svc *BasicAuthService) Login(ctx context.Context, username, password string) (string, session.Account, error) {
	token := BasicToken(username, password)

	var me meResponse
	if err := svc.client.GetWithAuth(ctx, "/user/me", token, &me); err != nil {
		if IsStatus(err, http.StatusUnauthorized) {
			return "", session.Account{}, errors.Wrap(session.ErrInvalidCredentials, username)
		}
		return "", session.Account{}, errors.Wrap(err, "validating credentials")
	}

	acct := me.account()
	if acct.Username == "" {
		acct.Username = username
	}
	return token, acct, nil
}

// Claims is the authorization payload carried by backend-minted JWTs.
type Claims struct {
	jwt.StandardClaims
	Username string   `json:"username,omitempty"`
	Email    string   `json:"email,omitempty"`
	IsAdmin  bool     `json:"is_admin,omitempty"`
	Roles    []string `json:"roles,omitempty"`
}

// loginResponse is the body of POST /users/login on token-issuing backends.
type loginResponse struct {
	Token string `json:"token"`
}

// JWTAuthService authenticates against backends that mint bearer tokens;
// the account record is read out of the token's (unverified) claims.
type JWTAuthService struct {
	client *Client
}

var _ session.AuthService = (*JWTAuthService)(nil)

func NewJWTAuthService(client *Client) *JWTAuthService {
	return &JWTAuthService{client: client}
}

func (svc *JWTAuthService) Login(ctx context.Context, username, password string) (string, session.Account, error) {
	var resp loginResponse
	err := svc.client.Post(ctx, "/users/login", session.LoginRequest{Username: username, Password: password}, &resp)
	if err != nil {
		if IsStatus(err, http.StatusUnauthorized) || IsStatus(err, http.StatusBadRequest) {
			return "", session.Account{}, errors.Wrap(session.ErrInvalidCredentials, username)
		}
		return "", session.Account{}, errors.Wrap(err, "logging in")
	}
	if resp.Token == "" {
		return "", session.Account{}, errors.New("login response carries no token")
	}

	claims, err := parseClaims(resp.Token)
	if err != nil {
		return "", session.Account{}, errors.Wrap(err, "reading token claims")
	}

	acct := session.Account{
		ID:       claims.Subject,
		Username: claims.Username,
		Email:    claims.Email,
		Roles:    claims.Roles,
	}
	if acct.Username == "" {
		acct.Username = username
	}
	if claims.IsAdmin && len(acct.Roles) == 0 {
		acct.Roles = []string{string(session.RoleAdmin)}
	}
	return "Bearer " + resp.Token, acct, nil
}

// parseClaims decodes without verifying; the backend verifies the signature,
// the client only needs the payload.
func parseClaims(token string) (*Claims, error) {
	claims := new(Claims)
	if _, _, err := new(jwt.Parser).ParseUnverified(token, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// TokenFresh vets a persisted credential at startup: Basic credentials do not
// expire client-side, bearer JWTs are checked against their exp claim.
// Suitable as session.Deps.TokenCheck.
func TokenFresh(token string) bool {
	raw, ok := strings.CutPrefix(token, "Bearer ")
	if !ok {
		return true // opaque credential, nothing to vet
	}
	claims, err := parseClaims(raw)
	if err != nil {
		return false
	}
	if claims.ExpiresAt == 0 {
		return true
	}
	return time.Now().Unix() < claims.ExpiresAt
}
