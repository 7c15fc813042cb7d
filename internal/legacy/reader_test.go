package legacy

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"
)

func openFixture(t *testing.T) *Reader {
	t.Helper()
	path := filepath.Join(t.TempDir(), "legacy.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	stmts := []string{
		`CREATE TABLE tbl_district (district_id INTEGER PRIMARY KEY, district_code TEXT, district_name TEXT)`,
		`INSERT INTO tbl_district VALUES (2, 'MBR', 'Mbarara')`,
		`INSERT INTO tbl_district VALUES (1, 'KBL', 'Kabale')`,
		`INSERT INTO tbl_district VALUES (3, NULL, NULL)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("fixture: %v", err)
		}
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := Open("sqlite", path, 30*time.Second)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestAllReadsOrdered(t *testing.T) {
	r := openFixture(t)
	rows, err := r.All(context.Background(), "tbl_district", "district_id")
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	if id, _ := rows[0].Int64("district_id"); id != 1 {
		t.Fatalf("first row id = %d, want 1 (ordered)", id)
	}
	if got := rows[0].String("district_code"); got != "KBL" {
		t.Fatalf("code = %q", got)
	}
	if rows[2].Has("district_code") {
		t.Fatal("NULL column must report absent")
	}
	if got := rows[2].String("district_name"); got != "" {
		t.Fatalf("NULL name = %q, want empty", got)
	}
}

func TestQueryWithArgs(t *testing.T) {
	r := openFixture(t)
	rows, err := r.Query(context.Background(), "tbl_district",
		"SELECT * FROM tbl_district WHERE district_code = ?", "MBR")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 || rows[0].String("district_name") != "Mbarara" {
		t.Fatalf("rows = %+v", rows)
	}
	if rows[0].Table != "tbl_district" {
		t.Fatalf("table tag = %q", rows[0].Table)
	}
}

func TestCount(t *testing.T) {
	r := openFixture(t)
	n, err := r.Count(context.Background(), "tbl_district")
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("count = %d, want 3", n)
	}
}

func TestDescribe(t *testing.T) {
	r := openFixture(t)
	cols, err := r.Describe(context.Background(), "tbl_district")
	if err != nil {
		t.Fatal(err)
	}
	if len(cols) != 3 || cols[0].Name != "district_id" {
		t.Fatalf("columns = %+v", cols)
	}
}

func TestIdentifierValidation(t *testing.T) {
	r := openFixture(t)
	if _, err := r.All(context.Background(), "tbl_district; DROP TABLE x", "district_id"); err == nil {
		t.Fatal("want error for invalid table identifier")
	}
	if _, err := r.Count(context.Background(), "1bad"); err == nil {
		t.Fatal("want error for invalid identifier")
	}
}

func TestRecordAccessors(t *testing.T) {
	rec := Record{Table: "t", Values: map[string]any{
		"s":  []byte(" padded "),
		"i":  "42",
		"f":  int64(7),
		"no": nil,
	}}
	if got := rec.String("s"); got != "padded" {
		t.Fatalf("String = %q", got)
	}
	if n, ok := rec.Int64("i"); !ok || n != 42 {
		t.Fatalf("Int64 = %d %v", n, ok)
	}
	if f, ok := rec.Float64("f"); !ok || f != 7 {
		t.Fatalf("Float64 = %v %v", f, ok)
	}
	if _, ok := rec.Int64("no"); ok {
		t.Fatal("nil column parsed as int")
	}
	if _, ok := rec.Int64("missing"); ok {
		t.Fatal("missing column parsed as int")
	}
}
