package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestNewDBCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data", "nested")
	db, err := NewDB(filepath.Join(dir, "canteen.db"))
	require.NoError(t, err)
	defer db.Close()

	assert.DirExists(t, dir)
	assert.FileExists(t, filepath.Join(dir, "canteen.db"))
}

func TestTokenRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	tok, err := db.GetToken(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, tok)

	require.NoError(t, db.SaveToken(ctx, 1, "a", "u1"))
	require.NoError(t, db.SaveToken(ctx, 1, "b", "u1"))
	tok, err = db.GetToken(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "b", tok)

	require.NoError(t, db.DeleteToken(ctx, 1))
	tok, err = db.GetToken(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, tok)
}

func TestAttemptUpsert(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	rec, err := db.GetAttempt(ctx, 7)
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, db.SaveAttempt(ctx, AttemptRecord{ChatID: 7, ReservationID: "r1", TableID: "t1", DurationMinutes: 10, Status: "Pending"}))
	require.NoError(t, db.SaveAttempt(ctx, AttemptRecord{ChatID: 7, ReservationID: "r1", TableID: "t1", DurationMinutes: 10, Status: "Active"}))

	rec, err = db.GetAttempt(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "r1", rec.ReservationID)
	assert.Equal(t, "Active", rec.Status)
	assert.False(t, rec.UpdatedAt.IsZero())

	require.NoError(t, db.DeleteAttempt(ctx, 7))
	rec, err = db.GetAttempt(ctx, 7)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRecentActions(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	require.NoError(t, db.LogAction(ctx, Action{ChatID: 1, Op: "create", TableID: "t1", Outcome: "ok", CreatedAt: base}))
	require.NoError(t, db.LogAction(ctx, Action{ChatID: 1, Op: "cancel", TableID: "t1", ReservationID: "r1", Outcome: "ok", CreatedAt: base.Add(time.Minute)}))
	require.NoError(t, db.LogAction(ctx, Action{ChatID: 2, Op: "create", Outcome: "error"}))

	actions, err := db.RecentActions(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, "cancel", actions[0].Op)
	assert.Equal(t, "r1", actions[0].ReservationID)
	assert.Equal(t, "create", actions[1].Op)
	assert.Empty(t, actions[1].ReservationID)
}

func TestTokensAreKeptPerChat(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	tokens := make(map[int64]string)
	for i := 0; i < 20; i++ {
		chatID := gofakeit.Int64()
		tokens[chatID] = gofakeit.LetterN(32)
		require.NoError(t, db.SaveToken(ctx, chatID, tokens[chatID], gofakeit.UUID()))
	}
	for chatID, want := range tokens {
		got, err := db.GetToken(ctx, chatID)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}
