package store

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

var docketMigrations = filepath.Join("..", "..", "db", "migrations")

func TestMigrationVersionsArePaired(t *testing.T) {
	entries, err := os.ReadDir(docketMigrations)
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}

	pattern := regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)
	seen := map[string]map[string]string{}
	for _, entry := range entries {
		match := pattern.FindStringSubmatch(entry.Name())
		if entry.IsDir() || match == nil {
			continue
		}
		version, direction := match[1], match[2]
		if seen[version] == nil {
			seen[version] = map[string]string{}
		}
		if prev, ok := seen[version][direction]; ok {
			t.Fatalf("version %s has two %s files: %s and %s", version, direction, prev, entry.Name())
		}
		seen[version][direction] = entry.Name()
	}
	if len(seen) == 0 {
		t.Fatal("no migrations discovered")
	}
	for version, files := range seen {
		if files["up"] == "" || files["down"] == "" {
			t.Fatalf("version %s is missing a direction: %v", version, files)
		}
	}
}

func TestInitialMigrationDefinesDocketSchema(t *testing.T) {
	up := readMigration(t, "0001_init.up.sql")
	for _, want := range []string{
		"CREATE TABLE IF NOT EXISTS members",
		"CREATE TABLE IF NOT EXISTS formal_proposals",
		"CREATE TABLE IF NOT EXISTS suggestions",
		"CREATE TABLE IF NOT EXISTS endorsement_invitations",
		// duplicate-merge guard lookup
		"CREATE INDEX IF NOT EXISTS idx_formal_proposals_fingerprint",
		"source_fingerprint TEXT",
		"consumed_by_formal_id BIGINT NULL REFERENCES formal_proposals(id)",
		"merge_source_ids BIGINT[]",
		"version INTEGER NOT NULL",
		"UNIQUE (suggestion_id, invitee_ref)",
	} {
		if !strings.Contains(up, want) {
			t.Errorf("0001_init.up.sql lacks %q", want)
		}
	}

	// formal_proposals is referenced by suggestions, so it has to come first
	if strings.Index(up, "TABLE IF NOT EXISTS formal_proposals") > strings.Index(up, "TABLE IF NOT EXISTS suggestions") {
		t.Error("formal_proposals must be created before suggestions")
	}

	down := readMigration(t, "0001_init.down.sql")
	order := []string{"endorsement_invitations", "suggestions", "formal_proposals", "members"}
	last := -1
	for _, table := range order {
		at := strings.Index(down, "DROP TABLE IF EXISTS "+table+";")
		if at < 0 {
			t.Fatalf("0001_init.down.sql does not drop %s", table)
		}
		if at < last {
			t.Fatalf("0001_init.down.sql drops %s before a table that depends on it", table)
		}
		last = at
	}
}

func readMigration(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(docketMigrations, name))
	if err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	return string(data)
}
