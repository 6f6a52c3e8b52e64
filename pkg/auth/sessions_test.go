package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSessions(t *testing.T) (*SessionStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewSessionStore(client, time.Hour, "test"), mr
}

func TestSessionStore_CreateAndRotate(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestSessions(t)

	token, session, err := store.Create(ctx, 7)
	require.NoError(t, err)
	assert.NotEmpty(t, session.ID)
	assert.Equal(t, int64(7), session.UserID)

	next, rotated, err := store.Rotate(ctx, token)
	require.NoError(t, err)
	assert.NotEqual(t, token, next)
	assert.Equal(t, session.ID, rotated.ID)
	assert.Equal(t, int64(7), rotated.UserID)

	t.Run("replay is rejected", func(t *testing.T) {
		_, _, err := store.Rotate(ctx, token)
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("malformed token", func(t *testing.T) {
		_, _, err := store.Rotate(ctx, "bogus")
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("rotated token works once", func(t *testing.T) {
		_, _, err := store.Rotate(ctx, next)
		require.NoError(t, err)
	})
}

func TestSessionStore_Expiry(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestSessions(t)

	token, _, err := store.Create(ctx, 1)
	require.NoError(t, err)

	mr.FastForward(2 * time.Hour)

	_, _, err = store.Rotate(ctx, token)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionStore_Revoke(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestSessions(t)

	token, session, err := store.Create(ctx, 3)
	require.NoError(t, err)

	active, err := store.Active(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, active)

	require.NoError(t, store.Revoke(ctx, 3, session.ID))

	active, err = store.Active(ctx, session.ID)
	require.NoError(t, err)
	assert.False(t, active)

	_, _, err = store.Rotate(ctx, token)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// revoking again is harmless
	assert.NoError(t, store.Revoke(ctx, 3, session.ID))
}

func TestSessionStore_RevokeAllForUser(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestSessions(t)

	first, _, err := store.Create(ctx, 5)
	require.NoError(t, err)
	second, _, err := store.Create(ctx, 5)
	require.NoError(t, err)
	other, _, err := store.Create(ctx, 6)
	require.NoError(t, err)

	n, err := store.RevokeAllForUser(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, token := range []string{first, second} {
		_, _, err := store.Rotate(ctx, token)
		assert.ErrorIs(t, err, ErrSessionNotFound)
	}

	_, _, err = store.Rotate(ctx, other)
	assert.NoError(t, err, "other users keep their sessions")
}

func TestSessionStore_RedisDown(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestSessions(t)
	mr.Close()

	_, _, err := store.Create(ctx, 1)
	assert.Error(t, err)
}

func TestSessionStore_Get(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestSessions(t)

	token, created, err := store.Create(ctx, 4)
	require.NoError(t, err)

	got, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, int64(4), got.UserID)

	// rotation keeps the session reachable by ID
	_, _, err = store.Rotate(ctx, token)
	require.NoError(t, err)
	_, err = store.Get(ctx, created.ID)
	require.NoError(t, err)

	_, err = store.Get(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionStore_ListForUser(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestSessions(t)

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return clock }

	_, stale, err := store.Create(ctx, 9)
	require.NoError(t, err)
	mr.FastForward(40 * time.Minute)
	clock = clock.Add(40 * time.Minute)

	_, older, err := store.Create(ctx, 9)
	require.NoError(t, err)
	clock = clock.Add(time.Minute)
	_, newer, err := store.Create(ctx, 9)
	require.NoError(t, err)
	_, _, err = store.Create(ctx, 10)
	require.NoError(t, err)

	// the first session expires while the user's set lives on
	mr.FastForward(30 * time.Minute)

	sessions, err := store.ListForUser(ctx, 9)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, newer.ID, sessions[0].ID)
	assert.Equal(t, older.ID, sessions[1].ID)

	members, err := mr.SMembers("test:user:9")
	require.NoError(t, err)
	assert.NotContains(t, members, stale.ID)

	sessions, err = store.ListForUser(ctx, 99)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestSessionStore_List(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestSessions(t)

	_, a, err := store.Create(ctx, 1)
	require.NoError(t, err)
	_, b, err := store.Create(ctx, 2)
	require.NoError(t, err)
	_, c, err := store.Create(ctx, 2)
	require.NoError(t, err)
	require.NoError(t, store.Revoke(ctx, 2, c.ID))

	sessions, err := store.List(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.ID)
	}
	assert.ElementsMatch(t, []string{a.ID, b.ID}, ids)
}
