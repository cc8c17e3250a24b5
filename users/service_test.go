package users

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/taskmesh/auth"
	"github.com/c360/taskmesh/broker"
	"github.com/c360/taskmesh/envelope"
	"github.com/c360/taskmesh/errors"
	"github.com/c360/taskmesh/pkg/password"
	"github.com/c360/taskmesh/requestreply"
	"github.com/c360/taskmesh/responder"
)

func newService(t *testing.T, store Store) *Service {
	t.Helper()
	hasher, err := password.NewHasher(password.LightParams())
	require.NoError(t, err)
	s, err := NewService(store, hasher)
	require.NoError(t, err)
	return s
}

func remoteKind(t *testing.T, err error) string {
	t.Helper()
	var remote *envelope.RemoteError
	require.ErrorAs(t, err, &remote)
	return remote.Kind
}

func TestRegister(t *testing.T) {
	store := NewMemoryStore()
	s := newService(t, store)
	ctx := context.Background()

	reply, err := s.Register(ctx, RegisterRequest{Name: " Ada ", Email: " Ada@Example.COM ", Password: "password1"})
	require.NoError(t, err)
	require.NotEmpty(t, reply.SubjectID)

	u, err := store.Get(ctx, reply.SubjectID)
	require.NoError(t, err)
	assert.Equal(t, "Ada", u.Name)
	assert.Equal(t, "ada@example.com", u.Email)
	assert.NotEqual(t, "password1", u.PasswordHash)
	assert.False(t, u.CreatedAt.IsZero())
}

func TestRegister_Validation(t *testing.T) {
	s := newService(t, NewMemoryStore())

	for name, req := range map[string]RegisterRequest{
		"missing name":     {Email: "a@b.co", Password: "password1"},
		"missing email":    {Name: "A", Password: "password1"},
		"missing password": {Name: "A", Email: "a@b.co"},
		"invalid email":    {Name: "A", Email: "not-an-email", Password: "password1"},
		"short password":   {Name: "A", Email: "a@b.co", Password: "short"},
	} {
		req := req
		t.Run(name, func(t *testing.T) {
			_, err := s.Register(context.Background(), req)
			assert.Equal(t, envelope.RemoteBadRequest, remoteKind(t, err))
		})
	}
}

func TestRegister_DuplicateEmailIsConflict(t *testing.T) {
	s := newService(t, NewMemoryStore())
	ctx := context.Background()

	_, err := s.Register(ctx, RegisterRequest{Name: "A", Email: "a@b.co", Password: "password1"})
	require.NoError(t, err)

	_, err = s.Register(ctx, RegisterRequest{Name: "B", Email: "A@B.CO", Password: "password2"})
	assert.Equal(t, envelope.RemoteConflict, remoteKind(t, err))
}

func TestLogin(t *testing.T) {
	store := NewMemoryStore()
	s := newService(t, store)
	ctx := context.Background()

	reg, err := s.Register(ctx, RegisterRequest{Name: "A", Email: "a@b.co", Password: "password1"})
	require.NoError(t, err)

	reply, err := s.Login(ctx, LoginRequest{Email: "A@b.co", Password: "password1"})
	require.NoError(t, err)
	assert.Equal(t, reg.SubjectID, reply.SubjectID)

	u, err := store.Get(ctx, reg.SubjectID)
	require.NoError(t, err)
	assert.NotNil(t, u.LastLoginAt)
}

func TestLogin_FailuresAreIndistinguishable(t *testing.T) {
	s := newService(t, NewMemoryStore())
	ctx := context.Background()

	_, err := s.Register(ctx, RegisterRequest{Name: "A", Email: "a@b.co", Password: "password1"})
	require.NoError(t, err)

	_, wrongPassword := s.Login(ctx, LoginRequest{Email: "a@b.co", Password: "password2"})
	_, unknownEmail := s.Login(ctx, LoginRequest{Email: "nobody@b.co", Password: "password1"})

	require.Error(t, wrongPassword)
	require.Error(t, unknownEmail)
	assert.Equal(t, wrongPassword.Error(), unknownEmail.Error())
	assert.Equal(t, envelope.RemoteUnauthorized, remoteKind(t, wrongPassword))
	assert.Contains(t, wrongPassword.Error(), MsgInvalidLogin)
}

func TestLogin_MissingFields(t *testing.T) {
	s := newService(t, NewMemoryStore())

	_, err := s.Login(context.Background(), LoginRequest{Email: "a@b.co"})
	assert.Equal(t, envelope.RemoteBadRequest, remoteKind(t, err))
}

func TestFindAll_Paging(t *testing.T) {
	store := NewMemoryStore()
	s := newService(t, store)
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 25; i++ {
		require.NoError(t, store.Create(ctx, &User{
			ID:        fmt.Sprintf("u%02d", i),
			Name:      fmt.Sprintf("user %d", i),
			Email:     fmt.Sprintf("u%d@b.co", i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	reply, err := s.FindAll(ctx, FindAllRequest{})
	require.NoError(t, err)
	assert.Equal(t, 25, reply.Total)
	assert.Equal(t, DefaultPage, reply.Page)
	assert.Equal(t, DefaultLimit, reply.Limit)
	require.Len(t, reply.Users, 10)
	assert.Equal(t, "u00", reply.Users[0].ID)

	reply, err = s.FindAll(ctx, FindAllRequest{Page: 3, Limit: 10})
	require.NoError(t, err)
	require.Len(t, reply.Users, 5)
	assert.Equal(t, "u20", reply.Users[0].ID)

	reply, err = s.FindAll(ctx, FindAllRequest{Page: 9, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, reply.Users)
	assert.NotNil(t, reply.Users)

	reply, err = s.FindAll(ctx, FindAllRequest{Limit: 1000})
	require.NoError(t, err)
	assert.Equal(t, MaxLimit, reply.Limit)
	assert.Len(t, reply.Users, 25)
}

func TestFetchPrincipal(t *testing.T) {
	s := newService(t, NewMemoryStore())
	ctx := context.Background()

	reg, err := s.Register(ctx, RegisterRequest{Name: "A", Email: "a@b.co", Password: "password1"})
	require.NoError(t, err)

	reply, err := s.FetchPrincipal(ctx, auth.FetchPrincipalRequest{SubjectID: reg.SubjectID})
	require.NoError(t, err)
	assert.Equal(t, reg.SubjectID, reply.Principal.ID)
	assert.Equal(t, "a@b.co", reply.Principal.Email)

	_, err = s.FetchPrincipal(ctx, auth.FetchPrincipalRequest{SubjectID: "missing"})
	assert.Equal(t, envelope.RemoteNotFound, remoteKind(t, err))

	_, err = s.FetchPrincipal(ctx, auth.FetchPrincipalRequest{})
	assert.Equal(t, envelope.RemoteBadRequest, remoteKind(t, err))
}

// The service answers over the broker the same way it answers direct calls.
func TestMount_ServesOverBroker(t *testing.T) {
	b := broker.NewMemory()
	s := newService(t, NewMemoryStore())

	r := responder.New("users", b)
	require.NoError(t, s.Mount(r))
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop(time.Second)

	client := requestreply.New(b, requestreply.WithTimeout(2*time.Second))
	require.NoError(t, client.SubscribeToResponseOf(r.Topics()...))
	require.NoError(t, client.Connect(context.Background()))

	ctx := context.Background()
	reg, err := requestreply.Call[RegisterRequest, SubjectReply](ctx, client, envelope.TopicRegister,
		RegisterRequest{Name: "A", Email: "a@b.co", Password: "password1"})
	require.NoError(t, err)

	authority := auth.NewRemoteAuthority(client, "")
	principal, err := authority.FetchPrincipal(ctx, reg.SubjectID)
	require.NoError(t, err)
	assert.Equal(t, "A", principal.Name)

	_, err = requestreply.Call[LoginRequest, SubjectReply](ctx, client, envelope.TopicLogin,
		LoginRequest{Email: "a@b.co", Password: "nope-nope"})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindDownstream))
	assert.Equal(t, envelope.RemoteUnauthorized, errors.RemoteKindOf(err))
}
