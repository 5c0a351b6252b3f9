package sqlmigrate

import (
	"testing"
	"testing/fstest"
)

func TestLoadSortsAndSplits(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_index.sql":  {Data: []byte("CREATE INDEX b ON t (x);")},
		"0001_create.sql": {Data: []byte("-- comment\nCREATE TABLE t (x INT);\n\nINSERT INTO t VALUES (1);\n")},
		"README.md":       {Data: []byte("ignored")},
		"0003_empty.sql":  {Data: []byte("  ;  ")},
	}

	migrations, err := Load(fsys)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(migrations))
	}
	if migrations[0].Version != "0001" || migrations[1].Version != "0002" {
		t.Fatalf("unexpected order: %+v", migrations)
	}
	if len(migrations[0].Statements) != 2 || migrations[0].Statements[0] != "CREATE TABLE t (x INT)" {
		t.Fatalf("unexpected statements: %q", migrations[0].Statements)
	}
}

func TestParseVersion(t *testing.T) {
	cases := map[string]string{
		"0001_create_readings.sql": "0001",
		"0007.sql":                 "0007",
		"plain":                    "plain",
	}
	for in, want := range cases {
		if got := parseVersion(in); got != want {
			t.Errorf("parseVersion(%q) = %q, want %q", in, got, want)
		}
	}
}
