package migrate

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var sqlFileRe = regexp.MustCompile(`^(\d{14})_[a-z0-9_]+\.sql$`)

const (
	gooseUpMarker   = "-- +goose Up"
	gooseDownMarker = "-- +goose Down"
)

// ValidateDir checks migration filenames and goose section markers.
// An empty directory fails validation; the repo ships at least the
// tickets baseline.
func ValidateDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("dir is required")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read dir %q: %w", dir, err)
	}

	seen := map[string]string{} // version -> filename

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		m := sqlFileRe.FindStringSubmatch(name)
		if m == nil {
			return fmt.Errorf("invalid migration filename %q (expected YYYYMMDDHHMMSS_name.sql)", name)
		}

		version := m[1]
		if prev, ok := seen[version]; ok {
			return fmt.Errorf("duplicate migration version %s in %q and %q", version, prev, name)
		}
		seen[version] = name

		if err := validateMarkers(filepath.Join(dir, name)); err != nil {
			return err
		}
	}

	if len(seen) == 0 {
		return fmt.Errorf("no .sql migrations found in %q", dir)
	}
	return nil
}

func validateMarkers(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file %q: %w", path, err)
	}

	name := filepath.Base(path)
	txt := string(b)
	up := strings.Index(txt, gooseUpMarker)
	down := strings.Index(txt, gooseDownMarker)
	switch {
	case up < 0:
		return fmt.Errorf("migration %q missing %q", name, gooseUpMarker)
	case down < 0:
		return fmt.Errorf("migration %q missing %q", name, gooseDownMarker)
	case down < up:
		return fmt.Errorf("migration %q has %q before %q", name, gooseDownMarker, gooseUpMarker)
	}
	return nil
}
