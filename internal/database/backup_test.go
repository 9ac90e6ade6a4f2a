package database

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"probooking/internal/config"
	"probooking/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackupService(t *testing.T) {
	db := setupTestDB(t)
	storagePath := filepath.Join(t.TempDir(), "backups")

	require.NoError(t, db.UpsertSettings(context.Background(), &models.BookingSettings{
		ProID: 7, LessonMinutes: 60, Timezone: "UTC", Active: true,
	}))

	cfg := config.BackupConfig{
		Enabled:       true,
		StoragePath:   storagePath,
		RetentionDays: 1,
	}
	logger := zerolog.Nop()
	s := NewBackupService(db, cfg, &logger)

	var backupPath string
	t.Run("PerformBackup", func(t *testing.T) {
		path, err := s.PerformBackup(context.Background())
		require.NoError(t, err)
		backupPath = path

		snapshot, err := sql.Open("sqlite3", path)
		require.NoError(t, err)
		defer snapshot.Close()

		var count int
		require.NoError(t, snapshot.QueryRow(`SELECT COUNT(*) FROM booking_settings`).Scan(&count))
		assert.Equal(t, 1, count)
	})

	t.Run("CleanupOldBackups", func(t *testing.T) {
		oldFile := filepath.Join(storagePath, backupPrefix+"old.db")
		require.NoError(t, os.WriteFile(oldFile, []byte("old"), 0o644))
		unrelated := filepath.Join(storagePath, "notes.txt")
		require.NoError(t, os.WriteFile(unrelated, []byte("keep"), 0o644))

		oldTime := time.Now().AddDate(0, 0, -2)
		require.NoError(t, os.Chtimes(oldFile, oldTime, oldTime))
		require.NoError(t, os.Chtimes(unrelated, oldTime, oldTime))

		s.CleanupOldBackups()

		assert.NoFileExists(t, oldFile)
		assert.FileExists(t, unrelated)
		assert.FileExists(t, backupPath)
	})
}

func TestBackupService_Disabled(t *testing.T) {
	logger := zerolog.Nop()
	s := NewBackupService(nil, config.BackupConfig{Enabled: false}, &logger)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NotPanics(t, func() { s.Start(ctx) })
}
