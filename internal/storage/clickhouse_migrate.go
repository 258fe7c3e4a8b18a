package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/worktime-compliance/internal/logging"
)

const createMigrationsTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		filename   String,
		applied_at DateTime DEFAULT now()
	) ENGINE = ReplacingMergeTree(applied_at)
	ORDER BY filename
`

// RunClickHouseMigrations applies the .sql files in migrationsPath in name
// order. Applied files are recorded in schema_migrations and skipped on the
// next run.
func RunClickHouseMigrations(ctx context.Context, db *ClickHouseDB, migrationsPath string) (int, error) {
	logger := logging.FromContext(ctx).WithField("migrations", migrationsPath)

	if err := db.Exec(ctx, createMigrationsTable); err != nil {
		return 0, fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	applied, err := appliedClickHouseMigrations(ctx, db)
	if err != nil {
		return 0, err
	}

	files, err := os.ReadDir(migrationsPath)
	if err != nil {
		return 0, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var sqlFiles []string
	for _, file := range files {
		if !file.IsDir() && strings.HasSuffix(file.Name(), ".sql") {
			sqlFiles = append(sqlFiles, file.Name())
		}
	}
	sort.Strings(sqlFiles)

	count := 0
	for _, filename := range sqlFiles {
		if applied[filename] {
			continue
		}

		content, err := os.ReadFile(filepath.Join(migrationsPath, filename)) // #nosec G304 - path built from trusted migrations dir
		if err != nil {
			return count, fmt.Errorf("failed to read migration file %s: %w", filename, err)
		}

		for i, stmt := range splitSQLStatements(string(content)) {
			if err := db.Exec(ctx, stmt); err != nil {
				return count, fmt.Errorf("failed to execute statement %d in %s: %w", i+1, filename, err)
			}
		}

		if err := db.Exec(ctx, `INSERT INTO schema_migrations (filename) VALUES (?)`, filename); err != nil {
			return count, fmt.Errorf("failed to record migration %s: %w", filename, err)
		}

		logger.WithField("file", filename).Info("Applied ClickHouse migration")
		count++
	}

	return count, nil
}

func appliedClickHouseMigrations(ctx context.Context, db *ClickHouseDB) (map[string]bool, error) {
	rows, err := db.Conn().Query(ctx, `SELECT filename FROM schema_migrations FINAL`)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan schema_migrations: %w", err)
		}
		applied[name] = true
	}
	return applied, rows.Err()
}

// splitSQLStatements splits a migration file on statement-terminating
// semicolons, dropping comment-only lines and the trailing semicolon.
func splitSQLStatements(content string) []string {
	var statements []string
	var current strings.Builder

	flush := func() {
		stmt := strings.TrimSuffix(strings.TrimSpace(current.String()), ";")
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			statements = append(statements, stmt)
		}
		current.Reset()
	}

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}

		current.WriteString(line)
		current.WriteString("\n")

		if strings.HasSuffix(trimmed, ";") {
			flush()
		}
	}
	flush()

	return statements
}
