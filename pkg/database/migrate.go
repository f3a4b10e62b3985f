package database

import (
	"fmt"
	"io/fs"
	"sort"

	dbsql "bursar/pkg/database/sql"
	"bursar/pkg/logging"
)

// ApplySchema executes the embedded schema files in lexical order. All
// statements are idempotent (CREATE ... IF NOT EXISTS), so running at
// every startup is safe.
func ApplySchema(db PostgresConn, logger logging.Logger) error {
	entries, err := fs.ReadDir(dbsql.Content, "schema")
	if err != nil {
		return fmt.Errorf("failed to read embedded schema: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		ddl, err := fs.ReadFile(dbsql.Content, "schema/"+name)
		if err != nil {
			return fmt.Errorf("failed to read schema file %s: %w", name, err)
		}
		if _, err := db.Exec(string(ddl)); err != nil {
			return fmt.Errorf("failed to apply schema file %s: %w", name, err)
		}
		logger.WithField("file", name).Debug("Applied schema file")
	}
	return nil
}
