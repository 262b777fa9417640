package db

import (
	"context"
	"testing"
	"testing/fstest"
)

func TestLoadMigrations_SortsByVersion(t *testing.T) {
	src := fstest.MapFS{
		"010_indexes.sql":  {Data: []byte("SELECT 10;")},
		"002_bookings.sql": {Data: []byte("SELECT 2;")},
		"001_rooms.sql":    {Data: []byte("SELECT 1;")},
	}

	migrations, err := NewMigrator(nil, src).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}

	want := []int{1, 2, 10}
	for i, v := range want {
		if migrations[i].Version != v {
			t.Errorf("migrations[%d].Version = %d, want %d", i, migrations[i].Version, v)
		}
	}
	if migrations[0].Name != "001_rooms.sql" || migrations[0].SQL != "SELECT 1;" {
		t.Errorf("unexpected first migration: %+v", migrations[0])
	}
}

func TestLoadMigrations_SkipsNonMigrations(t *testing.T) {
	src := fstest.MapFS{
		"001_rooms.sql":    {Data: []byte("SELECT 1;")},
		"README.md":        {Data: []byte("docs")},
		"nounderscore.sql": {Data: []byte("SELECT 0;")},
		"abc_letters.sql":  {Data: []byte("SELECT 0;")},
		"sub/002_x.sql":    {Data: []byte("SELECT 2;")},
	}

	migrations, err := NewMigrator(nil, src).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 1 {
		t.Fatalf("expected 1 migration, got %d: %+v", len(migrations), migrations)
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	src := fstest.MapFS{
		"001_rooms.sql": {Data: []byte("SELECT 1;")},
		"001_other.sql": {Data: []byte("SELECT 1;")},
	}
	if _, err := NewMigrator(nil, src).LoadMigrations(); err == nil {
		t.Fatal("expected error for duplicate version")
	}
}

func TestMigratorUp_RejectsUnsafeSchema(t *testing.T) {
	m := NewMigrator(nil, fstest.MapFS{})
	if _, err := m.Up(context.Background(), "tenant_a; DROP TABLE rooms"); err == nil {
		t.Fatal("expected error for unsafe schema name")
	}
	if _, err := m.Status(context.Background(), "bad-schema"); err == nil {
		t.Fatal("expected error for unsafe schema name")
	}
}
