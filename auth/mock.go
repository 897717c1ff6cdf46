package auth

import (
	"fmt"
	"net/http"

	"github.com/mqy/minichat/chatstore"
)

type MockClient struct {
	Client
}

func (c *MockClient) Auth(r *http.Request) (*User, error) {
	var uid, role string

	if c, err := r.Cookie("x-uid"); err == nil {
		uid = c.Value
	}
	if uid == "" {
		return nil, fmt.Errorf("empty x-uid from cookie")
	}

	if c, err := r.Cookie("x-role"); err == nil {
		role = c.Value
	}
	switch chatstore.SenderRole(role) {
	case "", chatstore.RoleParticipant:
		return &User{Id: uid, Role: chatstore.RoleParticipant}, nil
	case chatstore.RoleAdmin:
		return &User{Id: uid, Role: chatstore.RoleAdmin}, nil
	default:
		return nil, fmt.Errorf("unknown x-role `%s` from cookie", role)
	}
}
