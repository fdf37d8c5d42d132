package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// BackupOptions configure periodic snapshots of the bot database.
type BackupOptions struct {
	Dir       string
	Interval  time.Duration
	Retention time.Duration
}

// BackupService writes consistent copies of the database with VACUUM INTO
// and prunes old ones.
type BackupService struct {
	db     *DB
	opts   BackupOptions
	logger *zerolog.Logger
	now    func() time.Time
}

func NewBackupService(db *DB, opts BackupOptions, logger *zerolog.Logger) *BackupService {
	if opts.Interval <= 0 {
		opts.Interval = 24 * time.Hour
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &BackupService{db: db, opts: opts, logger: logger, now: time.Now}
}

// Start backs up once, then on every interval until ctx is done.
func (s *BackupService) Start(ctx context.Context) {
	s.logger.Info().Str("dir", s.opts.Dir).Dur("interval", s.opts.Interval).Msg("Backup service started")

	if _, err := s.PerformBackup(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Initial backup failed")
	}

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.PerformBackup(ctx); err != nil {
				s.logger.Error().Err(err).Msg("Scheduled backup failed")
			}
			s.CleanupOldBackups()
		}
	}
}

// PerformBackup writes one snapshot and returns its path.
func (s *BackupService) PerformBackup(ctx context.Context) (string, error) {
	if err := os.MkdirAll(s.opts.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create backup directory: %w", err)
	}
	path := filepath.Join(s.opts.Dir, fmt.Sprintf("backup_%s.db", s.now().Format("20060102_150405")))
	// VACUUM INTO refuses to overwrite.
	_ = os.Remove(path)

	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return "", fmt.Errorf("vacuum into %s: %w", path, err)
	}
	s.logger.Info().Str("path", path).Msg("Backup completed")
	return path, nil
}

// CleanupOldBackups removes snapshots older than the retention window.
// A zero retention keeps everything.
func (s *BackupService) CleanupOldBackups() {
	if s.opts.Retention <= 0 {
		return
	}
	files, err := os.ReadDir(s.opts.Dir)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read backup directory for cleanup")
		return
	}

	cutoff := s.now().Add(-s.opts.Retention)
	for _, file := range files {
		if file.IsDir() || !strings.HasPrefix(file.Name(), "backup_") {
			continue
		}
		info, err := file.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			s.logger.Info().Str("file", file.Name()).Msg("Deleting old backup")
			_ = os.Remove(filepath.Join(s.opts.Dir, file.Name()))
		}
	}
}
