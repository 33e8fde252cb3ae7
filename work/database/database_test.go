package database

import (
	"path/filepath"
	"testing"

	"stepzz-proxy/work/types"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "nested", "test.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSettingsUpsert(t *testing.T) {
	db := openTestDB(t)

	if _, found, err := db.GetSetting("playlist_secret"); err != nil || found {
		t.Fatalf("GetSetting() on empty db = found %v, err %v", found, err)
	}
	if err := db.SetSetting("playlist_secret", "one"); err != nil {
		t.Fatalf("SetSetting() error = %v", err)
	}
	if err := db.SetSetting("playlist_secret", "two"); err != nil {
		t.Fatalf("SetSetting() error = %v", err)
	}

	value, found, err := db.GetSetting("playlist_secret")
	if err != nil || !found || value != "two" {
		t.Fatalf("GetSetting() = %q, %v, %v; want two", value, found, err)
	}
}

func TestCatalogRoundTripKeepsOrder(t *testing.T) {
	db := openTestDB(t)

	first := []types.Channel{
		{ID: "9", Name: "Nine"},
		{ID: "1", Name: "One", Tags: []string{"news", "uk"}, Logo: "http://logo/1.png", Locator: "http://up/1"},
	}
	if err := db.SaveCatalog(first); err != nil {
		t.Fatalf("SaveCatalog() error = %v", err)
	}

	second := []types.Channel{{ID: "2", Name: "Two"}, {ID: "1", Name: "One"}}
	if err := db.SaveCatalog(second); err != nil {
		t.Fatalf("SaveCatalog() error = %v", err)
	}

	got, err := db.LoadCatalog()
	if err != nil {
		t.Fatalf("LoadCatalog() error = %v", err)
	}
	if len(got) != 2 || got[0].ID != "2" || got[1].ID != "1" {
		t.Fatalf("LoadCatalog() = %+v, want second snapshot in order", got)
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	db.Close()

	db, err = Open(path)
	if err != nil {
		t.Fatalf("second Open() error = %v", err)
	}
	defer db.Close()

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("schema_migrations rows = %d, want 1", count)
	}
}
