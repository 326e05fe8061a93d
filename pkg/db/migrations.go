package db

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

const migrationsLogPrefix = "db:migrations"

// TraceTable holds mirrored bus traffic.
const TraceTable = "bus_trace"

// ErrNoTraceSchema is returned when a migration set never creates TraceTable.
var ErrNoTraceSchema = errors.New("no migration creates the " + TraceTable + " table")

var createsTraceTable = regexp.MustCompile(`(?i)\bCREATE\s+TABLE\s+(IF\s+NOT\s+EXISTS\s+)?("?public"?\.)?"?` + TraceTable + `"?[\s(]`)

// Migration is one .sql file of the trace schema.
type Migration struct {
	Name string
	SQL  string
}

// LoadTraceMigrations reads the .sql files in dir in name order. Blank files
// are skipped, and the set must create the trace table.
func LoadTraceMigrations(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to read migration dir %s: %w", migrationsLogPrefix, dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".sql" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var out []Migration
	hasTable := false
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%s - failed to read %s: %w", migrationsLogPrefix, path, err)
		}
		sql := string(data)
		if strings.TrimSpace(sql) == "" {
			slog.Debug(fmt.Sprintf("%s - skipping empty migration %s", migrationsLogPrefix, name))
			continue
		}
		hasTable = hasTable || createsTraceTable.MatchString(sql)
		out = append(out, Migration{Name: name, SQL: sql})
	}
	if !hasTable {
		return nil, fmt.Errorf("%s - %s: %w", migrationsLogPrefix, dir, ErrNoTraceSchema)
	}
	slog.Info(fmt.Sprintf("%s - Loaded %d trace migrations from %s", migrationsLogPrefix, len(out), dir))
	return out, nil
}
