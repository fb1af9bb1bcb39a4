// Package watcher keeps the database in step with a filesystem image store
// that other processes may modify.
package watcher

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/pictura/internal/apperr"
	"github.com/starford/pictura/internal/checksum"
	"github.com/starford/pictura/internal/database"
	"github.com/starford/pictura/internal/imaging"
	"github.com/starford/pictura/internal/models"
	"github.com/starford/pictura/internal/sse"
	"github.com/starford/pictura/internal/storage"
)

// Callback is called after a watcher-driven database change with one of
// sse.ImageCreated or sse.ImageDeleted.
type Callback func(kind, user, imageIdentifier string)

// Watch follows changes below the store root until ctx is cancelled. Blobs
// removed from disk are deleted from the database together with their short
// links; valid blobs that appear without a record are registered.
//
// New directories created at runtime are added to the watch list.
func Watch(ctx context.Context, db database.Adapter, store *storage.FS, logger *slog.Logger, cb Callback) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	root := store.Root()
	if err := addDirsRecursive(w, root); err != nil {
		return err
	}
	logger.Info("watcher: started", slog.String("root", root))

	for {
		select {
		case <-ctx.Done():
			logger.Info("watcher: stopped")
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}

			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
					if addErr := addDirsRecursive(w, ev.Name); addErr != nil {
						logger.Warn("watcher: add new dir failed",
							slog.String("path", ev.Name),
							slog.String("error", addErr.Error()))
					}
					scanDir(ctx, db, store, ev.Name, logger, cb)
					continue
				}
			}

			user, id, ok := store.Locate(ev.Name)
			if !ok {
				continue
			}

			switch {
			case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
				register(ctx, db, store, user, id, logger, cb)
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				forget(ctx, db, user, id, logger, cb)
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

// Scan registers every valid blob below the store root that has no
// database record. It returns the number of images registered.
func Scan(ctx context.Context, db database.Adapter, store *storage.FS, logger *slog.Logger) int {
	return scanDir(ctx, db, store, store.Root(), logger, nil)
}

func scanDir(ctx context.Context, db database.Adapter, store *storage.FS, dir string, logger *slog.Logger, cb Callback) int {
	n := 0
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if user, id, ok := store.Locate(path); ok && register(ctx, db, store, user, id, logger, cb) {
			n++
		}
		return nil
	})
	return n
}

// register records a blob found on disk. Blobs whose content does not hash
// to their identifier are ignored.
func register(ctx context.Context, db database.Adapter, store *storage.FS, user, id string, logger *slog.Logger, cb Callback) bool {
	exists, err := db.ImageExists(ctx, user, id)
	if err != nil || exists {
		return false
	}
	blob, err := store.Load(ctx, user, id)
	if err != nil {
		return false
	}
	if checksum.MD5(blob) != id {
		logger.Debug("watcher: checksum mismatch", slog.String("user", user), slog.String("image", id))
		return false
	}
	info, err := imaging.Inspect(blob)
	if err != nil {
		logger.Debug("watcher: not an image", slog.String("user", user), slog.String("image", id))
		return false
	}
	err = db.InsertImage(ctx, &models.Image{
		User:            user,
		ImageIdentifier: id,
		Checksum:        id,
		MimeType:        info.MimeType,
		Extension:       info.Extension,
		Size:            int64(len(blob)),
		Width:           info.Width,
		Height:          info.Height,
	})
	if err != nil {
		logger.Warn("watcher: register failed", slog.String("image", id), slog.String("error", err.Error()))
		return false
	}
	logger.Debug("watcher: registered", slog.String("user", user), slog.String("image", id))
	if cb != nil {
		cb(sse.ImageCreated, user, id)
	}
	return true
}

// forget drops the record and short links of a blob removed from disk.
func forget(ctx context.Context, db database.Adapter, user, id string, logger *slog.Logger, cb Callback) {
	err := db.DeleteImage(ctx, user, id)
	if errors.Is(err, apperr.ErrNotFound) {
		return
	}
	if err != nil {
		logger.Warn("watcher: delete failed", slog.String("image", id), slog.String("error", err.Error()))
		return
	}
	if err := db.DeleteShortURLs(ctx, user, id); err != nil {
		logger.Warn("watcher: delete short urls failed", slog.String("image", id), slog.String("error", err.Error()))
	}
	logger.Debug("watcher: deleted", slog.String("user", user), slog.String("image", id))
	if cb != nil {
		cb(sse.ImageDeleted, user, id)
	}
}

// addDirsRecursive adds root and all its subdirectories to the watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}
