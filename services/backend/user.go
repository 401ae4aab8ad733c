package backend

import (
	"context"

	"github.com/pkg/errors"

	"github.com/dmakasi/mahudhurio/core/session"
)

// UserService reads the current user's record and authoritative permission
// list from the backend, using the session credential on the wire.
type UserService struct {
	client *Client
}

var _ session.UserService = (*UserService)(nil)

func NewUserService(client *Client) *UserService {
	return &UserService{client: client}
}

func (svc *UserService) Me(ctx context.Context) (session.Account, error) {
	var me meResponse
	if err := svc.client.Get(ctx, "/user/me", &me); err != nil {
		return session.Account{}, errors.Wrap(err, "fetching current user")
	}
	return me.account(), nil
}

func (svc *UserService) Permissions(ctx context.Context) ([]string, error) {
	var perms []string
	if err := svc.client.Get(ctx, "/user/me/permissions", &perms); err != nil {
		return nil, errors.Wrap(err, "fetching permissions")
	}
	return perms, nil
}
