package auth

import (
	"path/filepath"
	"testing"

	"github.com/saltyorg/reqflow/internal/database"
)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestGenerateAPIKey(t *testing.T) {
	a, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey failed: %v", err)
	}
	b, _ := GenerateAPIKey()
	if len(a) != APIKeyLength*2 {
		t.Fatalf("expected %d hex chars, got %d", APIKeyLength*2, len(a))
	}
	if a == b {
		t.Fatalf("expected distinct keys")
	}
}

func TestRotateAndValidate(t *testing.T) {
	svc := NewAPIKeyService(openTestDB(t))
	if svc.Enabled() {
		t.Fatalf("expected no key configured on a fresh database")
	}
	if ok, _ := svc.Validate("anything"); ok {
		t.Fatalf("expected validation to fail without a key")
	}

	key, err := svc.Rotate()
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	if !svc.Enabled() {
		t.Fatalf("expected key configured after rotate")
	}
	for range 2 {
		ok, err := svc.Validate(key)
		if err != nil || !ok {
			t.Fatalf("expected key valid, got %v (err %v)", ok, err)
		}
	}
	if ok, _ := svc.Validate(key + "x"); ok {
		t.Fatalf("expected wrong key rejected")
	}

	newKey, err := svc.Rotate()
	if err != nil {
		t.Fatalf("second Rotate failed: %v", err)
	}
	if ok, _ := svc.Validate(key); ok {
		t.Fatalf("expected old key rejected after rotation")
	}
	if ok, _ := svc.Validate(newKey); !ok {
		t.Fatalf("expected new key valid")
	}
}
