package internal

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/starford/pictura/internal/testutil"
)

func TestRunRequiresConfig(t *testing.T) {
	if err := Run(context.Background()); !errors.Is(err, errConfigRequired) {
		t.Fatalf("Run without config = %v", err)
	}
	if err := RunMCP(context.Background()); !errors.Is(err, errConfigRequired) {
		t.Fatalf("RunMCP without config = %v", err)
	}
}

func TestOpenFilesystemBackends(t *testing.T) {
	dir := t.TempDir()
	cfg := validConfig()
	cfg.Database.SQLite.Path = filepath.Join(dir, "pictura.db")
	cfg.Storage.FS.Path = filepath.Join(dir, "images", "nested")

	db, err := openDatabase(context.Background(), cfg.Database)
	if err != nil {
		t.Fatalf("openDatabase: %v", err)
	}
	defer db.Close()

	store, fs, err := openStorage(context.Background(), cfg.Storage, slog.Default())
	if err != nil {
		t.Fatalf("openStorage: %v", err)
	}
	if fs == nil || store == nil {
		t.Fatal("filesystem driver should expose the FS provider")
	}
	if fs.Root() == "" {
		t.Error("empty root")
	}
	if err := store.Status(context.Background()); err != nil {
		t.Errorf("storage status: %v", err)
	}
}

func TestReadyHandler(t *testing.T) {
	db := testutil.TestDB(t)
	_, store := testutil.TestStorage(t)

	w := httptest.NewRecorder()
	readyHandler(db, store)(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"status":"ok"`) {
		t.Errorf("body = %s", w.Body.String())
	}

	db.Close()
	w = httptest.NewRecorder()
	readyHandler(db, store)(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("closed database: status = %d", w.Code)
	}
}
