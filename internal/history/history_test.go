// ABOUTME: Tests for the history service
// ABOUTME: Covers limit clamping, owner scoping, and error mapping against both stores

package history

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/engine-gateway/internal/apperr"
	"github.com/2389/engine-gateway/internal/store"
)

func createTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestClampLimit(t *testing.T) {
	svc := NewService(store.NewMockStore(), Config{}, nil)

	assert.Equal(t, 50, svc.ClampLimit(0))
	assert.Equal(t, 50, svc.ClampLimit(-3))
	assert.Equal(t, 1, svc.ClampLimit(1))
	assert.Equal(t, 100, svc.ClampLimit(100))
	assert.Equal(t, 100, svc.ClampLimit(5000))

	custom := NewService(store.NewMockStore(), Config{DefaultLimit: 500, MaxLimit: 20}, nil)
	assert.Equal(t, 20, custom.ClampLimit(0), "default larger than max is capped")
}

func TestSaveAndList(t *testing.T) {
	svc := NewService(createTestStore(t), Config{}, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Save(ctx, "alice", "bq_agent", fmt.Sprintf("q%d", i), fmt.Sprintf("a%d", i))
		require.NoError(t, err)
	}
	_, err := svc.Save(ctx, "bob", "bq_agent", "bob-q", "bob-a")
	require.NoError(t, err)

	turns, err := svc.List(ctx, "alice", 2)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "q2", turns[0].Message, "newest first")
	assert.Equal(t, "q1", turns[1].Message)
	for _, turn := range turns {
		assert.Equal(t, "alice", turn.UserID)
	}

	empty, err := svc.List(ctx, "carol", 10)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestDelete_OwnershipRequired(t *testing.T) {
	svc := NewService(createTestStore(t), Config{}, nil)
	ctx := context.Background()

	id, err := svc.Save(ctx, "alice", "bq_agent", "q", "a")
	require.NoError(t, err)

	err = svc.Delete(ctx, "bob", id)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = svc.Get(ctx, "bob", id)
	assert.ErrorIs(t, err, ErrTurnNotFound)

	got, err := svc.Get(ctx, "alice", id)
	require.NoError(t, err)
	assert.Equal(t, "a", got.Response)

	require.NoError(t, svc.Delete(ctx, "alice", id))
	assert.ErrorIs(t, svc.Delete(ctx, "alice", id), ErrTurnNotFound)
}

func TestDeleteAll_OnlyOwner(t *testing.T) {
	svc := NewService(store.NewMockStore(), Config{}, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Save(ctx, "alice", "a", "q", "r")
		require.NoError(t, err)
	}
	_, err := svc.Save(ctx, "bob", "a", "q", "r")
	require.NoError(t, err)

	n, err := svc.DeleteAll(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"bob": 1}, stats)
}

func TestSave_PersistenceError(t *testing.T) {
	ms := store.NewMockStore()
	ms.SaveErr = errors.New("disk full at /var/lib/db")
	svc := NewService(ms, Config{}, nil)

	_, err := svc.Save(context.Background(), "alice", "a", "q", "r")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrPersistence)
	assert.Equal(t, "failed to save query history", apperr.PublicMessage(err))
}

type leakyStore struct {
	*store.MockStore
}

func (l leakyStore) ListTurns(ctx context.Context, userID string, limit int) ([]*store.Turn, error) {
	return []*store.Turn{
		{ID: "mine", UserID: userID},
		{ID: "theirs", UserID: "someone-else"},
	}, nil
}

func TestList_FiltersForeignTurns(t *testing.T) {
	svc := NewService(leakyStore{store.NewMockStore()}, Config{}, nil)

	turns, err := svc.List(context.Background(), "alice", 10)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "mine", turns[0].ID)
}
