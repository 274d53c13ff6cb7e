package sqlite

import (
	"context"
	"testing"
)

func TestOpenAndMigrate(t *testing.T) {
	db, err := Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if err := Migrate(db); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	// 再次迁移应为空操作
	if err := Migrate(db); err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}

	for _, table := range []string{"channels", "relayed_messages", "admins"} {
		var count int
		err := db.Get(&count, "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table)
		if err != nil {
			t.Fatalf("query sqlite_master failed: %v", err)
		}
		if count != 1 {
			t.Fatalf("table %s missing", table)
		}
	}
}
