package migrate_test

import (
	"context"
	"testing"

	"buildline/internal/db"
	"buildline/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	ctx := context.Background()
	first, err := migrate.Migrate(ctx, conn)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if first < 1 {
		t.Fatalf("expected at least one migration, got version %d", first)
	}
	second, err := migrate.Migrate(ctx, conn)
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if second != first {
		t.Fatalf("version moved from %d to %d", first, second)
	}
	applied, err := migrate.List(ctx, conn)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(applied) != 1 || applied[0].Version != 1 || applied[0].Name != "init" {
		t.Fatalf("unexpected ledger: %+v", applied)
	}
	pending, err := migrate.Pending(ctx, conn)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected nothing pending, got %+v", pending)
	}
	for _, table := range []string{"agents", "builds", "build_steps", "events"} {
		var name string
		if err := conn.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name); err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}
