package service

import (
	"context"
	"path/filepath"
	"testing"

	"candy-panel/internal/credential"
	"candy-panel/internal/database"

	"gorm.io/gorm"
)

func setupServiceTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	tdb := filepath.Join(t.TempDir(), "test.db")
	db, err := database.Open("sqlite", tdb)
	if err != nil {
		t.Fatalf("failed to init test db: %v", err)
	}
	if err := database.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}
	t.Cleanup(func() { _ = database.Close(db) })
	return db
}

func newTestRegistry(t *testing.T) (*ServerRegistry, *credential.Store) {
	t.Helper()
	creds := credential.NewStore()
	return NewServerRegistry(setupServiceTestDB(t), creds), creds
}

func mustRegister(t *testing.T, r *ServerRegistry, name, ip string) uint {
	t.Helper()
	s, err := r.Register(context.Background(), RegisterRequest{Name: name, IPAddress: ip, AgentPort: 1212, APIKey: "key-" + name})
	if err != nil {
		t.Fatalf("Register %s failed: %v", name, err)
	}
	return s.ID
}
