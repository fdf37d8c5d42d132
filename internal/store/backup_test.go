package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPerformBackup(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.SaveToken(ctx, 7, "tok", "u7"))

	dir := t.TempDir()
	svc := NewBackupService(db, BackupOptions{Dir: dir}, nil)
	path, err := svc.PerformBackup(ctx)
	require.NoError(t, err)

	copyDB, err := NewDB(path)
	require.NoError(t, err)
	defer copyDB.Close()
	tok, err := copyDB.GetToken(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "tok", tok)
}

func TestCleanupOldBackups(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "backup_old.db")
	fresh := filepath.Join(dir, "backup_new.db")
	other := filepath.Join(dir, "notes.txt")
	for _, p := range []string{old, fresh, other} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}
	past := time.Now().Add(-72 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))
	require.NoError(t, os.Chtimes(other, past, past))

	svc := NewBackupService(nil, BackupOptions{Dir: dir, Retention: 24 * time.Hour}, nil)
	svc.CleanupOldBackups()

	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)
	assert.FileExists(t, other)
}
