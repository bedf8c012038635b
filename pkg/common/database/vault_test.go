package database

import (
	"path/filepath"
	"testing"

	"github.com/synaptica-ai/medshield/pkg/common/config"
)

func TestOpenVaultSQLiteCreatesDirectory(t *testing.T) {
	cfg := &config.Config{
		VaultDriver:     "sqlite",
		VaultSQLitePath: filepath.Join(t.TempDir(), "nested", "vault.db"),
	}

	db, err := OpenVault(cfg)
	if err != nil {
		t.Fatalf("open vault: %v", err)
	}
	defer Close(db)

	if err := db.Exec("SELECT 1").Error; err != nil {
		t.Fatalf("ping vault: %v", err)
	}
}

func TestOpenVaultRejectsUnknownDriver(t *testing.T) {
	if _, err := OpenVault(&config.Config{VaultDriver: "oracle"}); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
