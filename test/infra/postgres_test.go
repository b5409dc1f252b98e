package infra

import (
	"context"
	"strings"
	"testing"
)

func TestAcquirePrefersExplicitDSN(t *testing.T) {
	t.Setenv("STRESS_TEST_PG_DSN", "postgres://env@127.0.0.1/stress")
	t.Setenv("DATABASE_URL", "postgres://env@127.0.0.1/app")

	db, err := Acquire(context.Background(), "postgres://flag@127.0.0.1/given", "unused")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if db.DSN != "postgres://flag@127.0.0.1/given" || !db.Shared {
		t.Fatalf("expected the explicit shared dsn, got %+v", db)
	}
	if err := db.Close(context.Background()); err != nil {
		t.Fatalf("close without container: %v", err)
	}

	db, err = Acquire(context.Background(), "", "unused")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if db.DSN != "postgres://env@127.0.0.1/stress" {
		t.Fatalf("expected STRESS_TEST_PG_DSN to win over DATABASE_URL, got %s", db.DSN)
	}
}

func TestAdminDSNsHonourOverride(t *testing.T) {
	t.Setenv("PG_ADMIN_DSN", "postgres://admin@db.internal:5432/postgres")
	dsns := adminDSNs()
	if dsns[0] != "postgres://admin@db.internal:5432/postgres" {
		t.Fatalf("expected override first, got %v", dsns)
	}
	for _, dsn := range dsns[1:] {
		if !strings.Contains(dsn, "127.0.0.1:5432") {
			t.Fatalf("expected local fallbacks, got %s", dsn)
		}
	}
}
