// ABOUTME: Tests for SQLite-specific store behavior
// ABOUTME: Covers file creation, driver selection, and reopen persistence

package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	// Verify the database file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestNewSQLiteStoreWithDriver_Unsupported(t *testing.T) {
	_, err := NewSQLiteStoreWithDriver("postgres", filepath.Join(t.TempDir(), "x.db"))
	if err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestNewSQLiteStoreWithDriver_CGO(t *testing.T) {
	store, err := NewSQLiteStoreWithDriver(DriverCGO, filepath.Join(t.TempDir(), "cgo.db"))
	if err != nil {
		t.Skipf("cgo sqlite3 driver unavailable: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.SaveTurn(ctx, &Turn{ID: "t1", UserID: "u", AgentName: "a", Message: "m", Response: "r"}); err != nil {
		t.Fatalf("SaveTurn failed: %v", err)
	}
	turns, err := store.ListTurns(ctx, "u", 10)
	if err != nil {
		t.Fatalf("ListTurns failed: %v", err)
	}
	if len(turns) != 1 {
		t.Errorf("expected 1 turn, got %d", len(turns))
	}
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	first, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	if err := first.CreateUser(ctx, &User{ID: "u1", Email: "a@example.com", PasswordHash: "h", Active: true}); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	if err := first.SaveTurn(ctx, &Turn{ID: "t1", UserID: "u1", AgentName: "a", Message: "m", Response: "r"}); err != nil {
		t.Fatalf("SaveTurn failed: %v", err)
	}
	first.Close()

	// Reopening runs migrations again; they must be idempotent.
	second, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer second.Close()

	if _, err := second.GetUserByEmail(ctx, "a@example.com"); err != nil {
		t.Errorf("user lost after reopen: %v", err)
	}
	if _, err := second.GetTurn(ctx, "u1", "t1"); err != nil {
		t.Errorf("turn lost after reopen: %v", err)
	}
}

func TestSQLiteStore_Ping(t *testing.T) {
	store := newTestStore(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}
