package store_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"petstudio/internal/store"
)

// openTestStore 在临时目录里建一个 SQLite 库，时钟固定在 now 指向的值。
func openTestStore(t *testing.T) (*store.Store, *time.Time) {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "petstudio.db") + "?_pragma=busy_timeout(1000)"

	db, err := store.OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := store.EnsureSQLiteSchema(db); err != nil {
		t.Fatalf("EnsureSQLiteSchema: %v", err)
	}

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	st := store.New(db)
	st.SetDialect(store.DialectSQLite)
	st.SetClock(func() time.Time { return now })
	return st, &now
}

func TestSQLiteBootstrap_AdminUserRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "petstudio.db")

	db, err := store.OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer db.Close()

	if err := store.EnsureSQLiteSchema(db); err != nil {
		t.Fatalf("EnsureSQLiteSchema: %v", err)
	}
	// 再跑一次，确保幂等。
	if err := store.EnsureSQLiteSchema(db); err != nil {
		t.Fatalf("EnsureSQLiteSchema (2): %v", err)
	}

	st := store.New(db)
	st.SetDialect(store.DialectSQLite)

	ctx := context.Background()
	id, err := st.CreateAdminUser(ctx, "root", []byte("pw-hash"))
	if err != nil {
		t.Fatalf("CreateAdminUser: %v", err)
	}
	if _, err := st.CreateAdminUser(ctx, "root", []byte("pw-hash")); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	u, err := st.GetAdminUserByUsername(ctx, "root")
	if err != nil {
		t.Fatalf("GetAdminUserByUsername: %v", err)
	}
	if u.ID != id {
		t.Fatalf("admin id mismatch: got %d want %d", u.ID, id)
	}
	if u.CreatedAt.IsZero() || u.UpdatedAt.IsZero() {
		t.Fatalf("expected created_at/updated_at to be parsed, got created_at=%v updated_at=%v", u.CreatedAt, u.UpdatedAt)
	}
	if _, err := st.GetAdminUserByUsername(ctx, "nobody"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestParseDatabaseURL(t *testing.T) {
	cases := []struct {
		in     string
		driver string
		dsn    string
		bad    bool
	}{
		{in: "sqlite://./data/petstudio.db", driver: "sqlite", dsn: "./data/petstudio.db"},
		{in: "mysql://u:p@tcp(127.0.0.1:3306)/pet", driver: "mysql", dsn: "u:p@tcp(127.0.0.1:3306)/pet"},
		{in: "u:p@tcp(db:3306)/pet?charset=utf8mb4", driver: "mysql", dsn: "u:p@tcp(db:3306)/pet?charset=utf8mb4"},
		{in: "", bad: true},
		{in: "sqlite://", bad: true},
		{in: "postgres://x", bad: true},
	}
	for _, tc := range cases {
		driver, dsn, err := store.ParseDatabaseURL(tc.in)
		if tc.bad {
			if err == nil {
				t.Fatalf("ParseDatabaseURL(%q) expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseDatabaseURL(%q): %v", tc.in, err)
		}
		if driver != tc.driver || dsn != tc.dsn {
			t.Fatalf("ParseDatabaseURL(%q) = %q,%q want %q,%q", tc.in, driver, dsn, tc.driver, tc.dsn)
		}
	}
}
