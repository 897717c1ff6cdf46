package auth

import (
	"context"
	"net/http"

	"github.com/mqy/minichat/chatstore"
)

// User is an authenticated caller.
type User struct {
	Id   string
	Role chatstore.SenderRole
}

func (u *User) IsAdmin() bool {
	return u != nil && u.Role == chatstore.RoleAdmin
}

type Client interface {
	// Auth authenticate the user of an http request.
	Auth(r *http.Request) (*User, error)
}

type Identity interface {
	// CurrentUser returns nil, nil when signed out.
	CurrentUser(ctx context.Context) (*User, error)
}

// Static is a fixed identity, nil User means signed out.
type Static struct {
	User *User
}

func (s *Static) CurrentUser(ctx context.Context) (*User, error) {
	if s.User == nil {
		return nil, nil
	}
	u := *s.User
	return &u, nil
}
