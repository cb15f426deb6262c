package migrate

import (
	"context"
	"strings"
	"testing"
	"testing/fstest"

	"buildline/internal/db"
)

func TestLoadOrdersAndRejectsBadNames(t *testing.T) {
	ms, err := load(fstest.MapFS{
		"sql/0002_steps.sql": {Data: []byte("CREATE TABLE b(id TEXT);")},
		"sql/0001_init.sql":  {Data: []byte("CREATE TABLE a(id TEXT);")},
		"sql/README.md":      {Data: []byte("ignored")},
	}, "sql")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(ms) != 2 || ms[0].Version != 1 || ms[1].Name != "steps" {
		t.Fatalf("unexpected migrations: %+v", ms)
	}

	for name, fsys := range map[string]fstest.MapFS{
		"no version": {"sql/init.sql": {Data: []byte("")}},
		"duplicate": {
			"sql/0001_a.sql": {Data: []byte("")},
			"sql/0001_b.sql": {Data: []byte("")},
		},
	} {
		if _, err := load(fsys, "sql"); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestApplyRecordsEachMigrationOnce(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	ctx := context.Background()
	first := []Migration{{Version: 1, Name: "a", SQL: "CREATE TABLE a(id TEXT);"}}
	if v, err := apply(ctx, conn, first); err != nil || v != 1 {
		t.Fatalf("apply first: %d, %v", v, err)
	}

	next := append(first,
		Migration{Version: 2, Name: "b", SQL: "CREATE TABLE b(id TEXT);"},
		Migration{Version: 3, Name: "broken", SQL: "CREATE TABLE nope("},
	)
	v, err := apply(ctx, conn, next)
	if err == nil || !strings.Contains(err.Error(), "0003_broken") {
		t.Fatalf("expected failure naming the broken migration, got %v", err)
	}
	if v != 2 {
		t.Fatalf("expected version 2 kept after failure, got %d", v)
	}
	done, err := List(ctx, conn)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(done) != 2 || done[1].Name != "b" {
		t.Fatalf("unexpected ledger: %+v", done)
	}
}
