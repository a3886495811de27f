package mysql

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"

	"OpenCGM-Host/deploy/migrations"
)

const (
	createSchemaLedger = `CREATE TABLE IF NOT EXISTS credential_schema (
    version INT NOT NULL PRIMARY KEY,
    script VARCHAR(255) NOT NULL,
    applied_at BIGINT NOT NULL
)`
	selectSchemaVersions = `SELECT version FROM credential_schema`
	recordSchemaVersion  = `INSERT INTO credential_schema (version, script, applied_at) VALUES (?, ?, ?)`
)

var errSchemaScript = errors.New("invalid schema script")

// schemaScript is one numbered SQL file of the vault schema, e.g.
// 0001_plugin_credentials.sql.
type schemaScript struct {
	version    int
	file       string
	statements []string
}

// migrateSchema brings the vault tables up to the newest embedded script.
// Each script runs in its own transaction together with its ledger row.
func (s *CredentialStore) migrateSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createSchemaLedger); err != nil {
		return fmt.Errorf("create schema ledger: %w", err)
	}
	done, err := s.schemaVersions(ctx)
	if err != nil {
		return err
	}
	scripts, err := loadSchemaScripts(migrations.Files)
	if err != nil {
		return err
	}
	for _, script := range scripts {
		if done[script.version] {
			continue
		}
		if err := s.applySchemaScript(ctx, script); err != nil {
			return err
		}
	}
	return nil
}

func (s *CredentialStore) schemaVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := s.db.QueryContext(ctx, selectSchemaVersions)
	if err != nil {
		return nil, fmt.Errorf("read schema ledger: %w", err)
	}
	defer rows.Close()

	done := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan schema ledger: %w", err)
		}
		done[v] = true
	}
	return done, rows.Err()
}

func (s *CredentialStore) applySchemaScript(ctx context.Context, script schemaScript) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("schema %s: begin: %w", script.file, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for i, stmt := range script.statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema %s: statement %d: %w", script.file, i+1, err)
		}
	}
	if _, err = tx.ExecContext(ctx, recordSchemaVersion, script.version, script.file, time.Now().Unix()); err != nil {
		return fmt.Errorf("schema %s: record version: %w", script.file, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("schema %s: commit: %w", script.file, err)
	}
	return nil
}

// loadSchemaScripts reads every *.sql file at the root of fsys, ordered by
// version. Scripts without statements are skipped.
func loadSchemaScripts(fsys fs.FS) ([]schemaScript, error) {
	files, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("list schema scripts: %w", err)
	}
	seen := make(map[int]string, len(files))
	var scripts []schemaScript
	for _, file := range files {
		version, err := scriptVersion(file)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("%w: %s and %s share version %d", errSchemaScript, prev, file, version)
		}
		seen[version] = file

		body, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("read schema script %s: %w", file, err)
		}
		if stmts := sqlStatements(string(body)); len(stmts) > 0 {
			scripts = append(scripts, schemaScript{version: version, file: file, statements: stmts})
		}
	}
	slices.SortFunc(scripts, func(a, b schemaScript) int { return a.version - b.version })
	return scripts, nil
}

// scriptVersion parses the numeric prefix of a script name.
func scriptVersion(file string) (int, error) {
	stem := strings.TrimSuffix(path.Base(file), ".sql")
	prefix, _, _ := strings.Cut(stem, "_")
	v, err := strconv.Atoi(prefix)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%w: %s has no positive version prefix", errSchemaScript, file)
	}
	return v, nil
}

// sqlStatements splits a script on semicolons after dropping "--" comment
// lines. Statements must not embed semicolons in literals.
func sqlStatements(script string) []string {
	var body strings.Builder
	for line := range strings.Lines(script) {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		body.WriteString(line)
	}
	var stmts []string
	for _, part := range strings.Split(body.String(), ";") {
		if stmt := strings.TrimSpace(part); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}
