package migrate

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestSanitizeName(t *testing.T) {
	cases := map[string]string{
		"Add Ticket Index": "add_ticket_index",
		"  drop-old-col  ": "drop_old_col",
		"weird!!chars":     "weird_chars",
		"___":              "",
	}
	for in, want := range cases {
		if got := sanitizeName(in); got != want {
			t.Errorf("sanitizeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestVersionTaken(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "20250601120000_seed.sql", gooseUpMarker+"\n"+gooseDownMarker+"\n")

	clash, err := versionTaken(dir, "20250601120000")
	if err != nil {
		t.Fatalf("versionTaken: %v", err)
	}
	if clash != "20250601120000_seed.sql" {
		t.Fatalf("expected clash with seed file, got %q", clash)
	}

	clash, err = versionTaken(dir, "20250601120001")
	if err != nil {
		t.Fatalf("versionTaken: %v", err)
	}
	if clash != "" {
		t.Fatalf("expected no clash, got %q", clash)
	}
}

func TestCreateSQLMigrationProducesValidFile(t *testing.T) {
	dir := t.TempDir()

	path, err := CreateSQLMigration(dir, "Add Ticket Index")
	if err != nil {
		t.Fatalf("CreateSQLMigration: %v", err)
	}
	if !strings.Contains(filepath.Base(path), "_add_ticket_index.sql") {
		t.Fatalf("unexpected filename %q", path)
	}

	// The skeleton must pass the same checks the CLI validate runs.
	if err := ValidateDir(dir); err != nil {
		t.Fatalf("generated migration failed validation: %v", err)
	}
}

func TestCreateSQLMigrationRejectsEmptyName(t *testing.T) {
	if _, err := CreateSQLMigration(t.TempDir(), "!!!"); err == nil {
		t.Fatal("expected fully sanitized-away name to fail")
	}
}
