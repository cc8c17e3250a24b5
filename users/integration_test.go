//go:build integration

package users

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/taskmesh/natsclient"
)

func TestIntegration_KVStoreOnJetStream(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream(), natsclient.WithKVBuckets("users"))
	ctx := context.Background()

	kv, err := tc.KVStore(ctx, "users")
	require.NoError(t, err)
	store := NewKVStore(kv)

	require.NoError(t, store.Create(ctx, testUser("u1", "a@b.co", time.Now().UTC())))
	assert.ErrorIs(t, store.Create(ctx, testUser("u2", "a@b.co", time.Now().UTC())), ErrEmailTaken)

	u, err := store.GetByEmail(ctx, "a@b.co")
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)

	require.NoError(t, store.TouchLogin(ctx, "u1", time.Now().UTC()))
	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.NotNil(t, list[0].LastLoginAt)
}
