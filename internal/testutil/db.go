// Package testutil provides shared database helpers for package tests.
package testutil

import (
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// OpenDB opens an isolated in-memory sqlite database and migrates the
// given models. Production SQL uses FOR UPDATE / SKIP LOCKED row
// claims; sqlite has no row locks, so the clauses are stripped before
// execution and MaxOpenConns(1) serializes access instead.
func OpenDB(t *testing.T, models ...any) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}

	stripLocking := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			sql = strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			sql = strings.ReplaceAll(sql, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(sql)
		}
	}
	db.Callback().Query().Before("gorm:query").Register("sqlite_strip_for_update", stripLocking)
	db.Callback().Row().Before("gorm:row").Register("sqlite_strip_for_update_row", stripLocking)
	db.Callback().Raw().Before("gorm:raw").Register("sqlite_strip_for_update_raw", stripLocking)

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if len(models) > 0 {
		if err := db.AutoMigrate(models...); err != nil {
			t.Fatalf("failed to migrate: %v", err)
		}
	}
	return db
}
