package storage

import (
	"io/fs"
	"regexp"
	"sort"
	"strings"
	"testing"
)

// lastWeightType returns the column type the newest up migration of the
// dialect gives expense_beneficiaries.weight.
func lastWeightType(t *testing.T, dialect Dialect) string {
	t.Helper()
	files, err := fs.Glob(migrationsFS, "migrations/"+string(dialect)+"/*.up.sql")
	if err != nil {
		t.Fatalf("glob migrations: %v", err)
	}
	sort.Strings(files)

	declared := regexp.MustCompile(`(?m)^\s*weight\s+([A-Z]+(?:\(\d+,\s*\d+\))?)`)
	altered := regexp.MustCompile(`ALTER COLUMN weight TYPE ([A-Z]+(?:\(\d+,\s*\d+\))?)`)
	var typ string
	for _, name := range files {
		body, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		for _, re := range []*regexp.Regexp{declared, altered} {
			if m := re.FindSubmatch(body); m != nil {
				typ = string(m[1])
			}
		}
	}
	return typ
}

func TestMigrations_WeightsKeepEveryDecimal(t *testing.T) {
	if got := lastWeightType(t, Postgres); got != "NUMERIC" {
		t.Errorf("postgres weight column = %q, want unconstrained NUMERIC", got)
	}
	if got := lastWeightType(t, SQLite); !strings.EqualFold(got, "TEXT") {
		t.Errorf("sqlite weight column = %q, want TEXT", got)
	}
}

func TestMigrations_EveryUpHasDown(t *testing.T) {
	for _, dialect := range []Dialect{SQLite, Postgres} {
		ups, _ := fs.Glob(migrationsFS, "migrations/"+string(dialect)+"/*.up.sql")
		for _, up := range ups {
			down := strings.TrimSuffix(up, ".up.sql") + ".down.sql"
			if _, err := fs.Stat(migrationsFS, down); err != nil {
				t.Errorf("%s has no down migration", up)
			}
		}
	}
}
