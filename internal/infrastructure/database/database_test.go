package database

import (
	"strings"
	"testing"
	"time"
)

func TestMigrationFiles_Ordered(t *testing.T) {
	files, err := MigrationFiles()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := []string{
		"migrations/001_create_gateway_audit_log.sql",
		"migrations/002_create_issuers.sql",
		"migrations/003_create_emission_sequences.sql",
		"migrations/004_create_tax_documents.sql",
		"migrations/005_add_tax_documents_emit_pending.sql",
	}
	if len(files) != len(expected) {
		t.Fatalf("expected %d migrations, got %d: %v", len(expected), len(files), files)
	}
	for i := range expected {
		if files[i] != expected[i] {
			t.Errorf("migration %d: expected %s, got %s", i, expected[i], files[i])
		}
	}
}

func TestMigrationFiles_CreateTables(t *testing.T) {
	tables := map[string]string{
		"migrations/001_create_gateway_audit_log.sql":  "gateway_audit_log",
		"migrations/002_create_issuers.sql":            "issuers",
		"migrations/003_create_emission_sequences.sql": "emission_sequences",
		"migrations/004_create_tax_documents.sql":      "tax_documents",
	}
	for file, table := range tables {
		b, err := migrationsFS.ReadFile(file)
		if err != nil {
			t.Fatalf("read %s: %v", file, err)
		}
		if !strings.Contains(string(b), "CREATE TABLE IF NOT EXISTS "+table) {
			t.Errorf("%s does not create %s", file, table)
		}
	}
}

func TestMigrationFiles_EmitPendingColumn(t *testing.T) {
	b, err := migrationsFS.ReadFile("migrations/005_add_tax_documents_emit_pending.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	if !strings.Contains(string(b), "ADD COLUMN IF NOT EXISTS emit_pending BOOLEAN NOT NULL DEFAULT FALSE") {
		t.Errorf("migration does not add emit_pending: %s", b)
	}
}

func TestConfig_ConnString(t *testing.T) {
	cfg := Config{
		Host:            "localhost",
		Port:            5432,
		Database:        "facturacion",
		User:            "app",
		Password:        "pw",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	}

	got := cfg.ConnString()
	for _, part := range []string{"host=localhost", "port=5432", "dbname=facturacion", "sslmode=disable", "pool_max_conns=25", "pool_min_conns=5", "pool_max_conn_lifetime=30m0s"} {
		if !strings.Contains(got, part) {
			t.Errorf("expected %q in %q", part, got)
		}
	}
}
