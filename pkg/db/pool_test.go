package db

import (
	"context"
	"strings"
	"testing"
)

const poolTestPrefix = "db:pool_test"

func TestNewPool_InvalidURL(t *testing.T) {
	ctx := context.Background()
	pool, err := NewPool(ctx, "invalid://not-a-valid-database-url")
	if err == nil {
		if pool != nil {
			pool.Close()
		}
		t.Fatalf("%s - expected error for invalid URL", poolTestPrefix)
	}
	if pool != nil {
		t.Errorf("%s - expected nil pool on error", poolTestPrefix)
	}
}

func TestNewPool_EmptyURL(t *testing.T) {
	ctx := context.Background()
	pool, err := NewPool(ctx, "")
	if err == nil {
		if pool != nil {
			pool.Close()
		}
		t.Fatalf("%s - expected error for empty URL", poolTestPrefix)
	}
}

func TestDescribeMigrationStatus(t *testing.T) {
	applied := DescribeMigrationStatus(true, 1, "migrations")
	if !strings.Contains(applied, "applied (schema present, 1 migration files in migrations)") {
		t.Errorf("%s - unexpected applied status: %q", poolTestPrefix, applied)
	}
	pending := DescribeMigrationStatus(false, 2, "m")
	if !strings.Contains(pending, "not applied") || !strings.Contains(pending, "kiwibus migrate up") {
		t.Errorf("%s - unexpected pending status: %q", poolTestPrefix, pending)
	}
}
