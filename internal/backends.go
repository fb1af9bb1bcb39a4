package internal

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/starford/pictura/internal/database"
	"github.com/starford/pictura/internal/storage"
)

// openDatabase connects the configured database driver.
func openDatabase(ctx context.Context, cfg DatabaseConfig) (database.Adapter, error) {
	switch cfg.Driver {
	case DatabasePostgres:
		return database.OpenPostgres(ctx, database.PostgresOptions{
			DSN:             cfg.Postgres.DSN,
			MaxConns:        cfg.Postgres.MaxConns,
			MaxConnIdleTime: cfg.Postgres.MaxConnIdleTime,
		})
	default:
		return database.OpenSQLite(cfg.SQLite.Path)
	}
}

// openStorage creates the configured blob store. fs is non-nil only for the
// filesystem driver, which is the one the watcher can observe.
func openStorage(ctx context.Context, cfg StorageConfig, logger *slog.Logger) (store storage.Provider, fs *storage.FS, err error) {
	switch cfg.Driver {
	case StorageMinIO:
		m, err := storage.NewMinIO(storage.MinIOOptions{
			Endpoint:  cfg.MinIO.Endpoint,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			UseSSL:    cfg.MinIO.UseSSL,
			Region:    cfg.MinIO.Region,
			Bucket:    cfg.MinIO.Bucket,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := m.EnsureBucket(ctx); err != nil {
			return nil, nil, fmt.Errorf("ensure bucket: %w", err)
		}
		logger.Info("Using MinIO storage",
			slog.String("endpoint", cfg.MinIO.Endpoint),
			slog.String("bucket", cfg.MinIO.Bucket))
		return m, nil, nil
	case StorageS3:
		s, err := storage.NewS3(ctx, storage.S3Options{
			Region:  cfg.S3.Region,
			Bucket:  cfg.S3.Bucket,
			Prefix:  cfg.S3.Prefix,
			Timeout: cfg.S3.Timeout,
		})
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Using S3 storage",
			slog.String("region", cfg.S3.Region),
			slog.String("bucket", cfg.S3.Bucket))
		return s, nil, nil
	default:
		if err := os.MkdirAll(cfg.FS.Path, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create image dir: %w", err)
		}
		f, err := storage.NewFS(cfg.FS.Path)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Using filesystem storage", slog.String("path", cfg.FS.Path))
		return f, f, nil
	}
}
