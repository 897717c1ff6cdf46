package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/minichat/chatstore"
)

func TestMockClient(t *testing.T) {
	c := &MockClient{}

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	_, err := c.Auth(r)
	assert.Error(t, err)

	r.AddCookie(&http.Cookie{Name: "x-uid", Value: "u1"})
	u, err := c.Auth(r)
	require.NoError(t, err)
	assert.Equal(t, &User{Id: "u1", Role: chatstore.RoleParticipant}, u)
	assert.False(t, u.IsAdmin())

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.AddCookie(&http.Cookie{Name: "x-uid", Value: "a1"})
	r.AddCookie(&http.Cookie{Name: "x-role", Value: "admin"})
	u, err = c.Auth(r)
	require.NoError(t, err)
	assert.True(t, u.IsAdmin())

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.AddCookie(&http.Cookie{Name: "x-uid", Value: "a1"})
	r.AddCookie(&http.Cookie{Name: "x-role", Value: "root"})
	_, err = c.Auth(r)
	assert.Error(t, err)
}

func TestStatic(t *testing.T) {
	u, err := (&Static{}).CurrentUser(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, u)

	s := &Static{User: &User{Id: "u1", Role: chatstore.RoleParticipant}}
	u, err = s.CurrentUser(context.Background())
	require.NoError(t, err)
	u.Id = "changed"
	assert.Equal(t, "u1", s.User.Id)
}
