package store

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// identRe matches the table and column identifiers the engine will quote
// into SQL. Everything else is rejected before any statement is built.
var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// systemTables may never be read as sources or replaced as destinations.
var systemTables = map[string]bool{
	"scripts": true,
	"jobs":    true,
}

// ValidateTableName checks a source table identifier.
func ValidateTableName(name string) error {
	if len(name) == 0 || len(name) > 255 || !identRe.MatchString(name) {
		return fmt.Errorf("invalid table name: %q", name)
	}
	if strings.HasPrefix(name, "sqlite_") {
		return fmt.Errorf("invalid table name: %q", name)
	}
	return nil
}

// ValidateDestinationName checks a destination table identifier, which
// additionally may not shadow the engine's own tables.
func ValidateDestinationName(name string) error {
	if err := ValidateTableName(name); err != nil {
		return err
	}
	if systemTables[name] {
		return fmt.Errorf("%q is a reserved table name", name)
	}
	return nil
}

// ValidateColumnName checks a column identifier returned by a transform.
func ValidateColumnName(name string) error {
	if len(name) == 0 || len(name) > 255 || !identRe.MatchString(name) {
		return fmt.Errorf("invalid column name: %q", name)
	}
	return nil
}

func quoteIdent(name string) string { return `"` + name + `"` }

// RowCount returns the number of rows in a user table.
func (s *Store) RowCount(ctx context.Context, table string) (int64, error) {
	if err := ValidateTableName(table); err != nil {
		return 0, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+quoteIdent(table))
	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

// ReadChunk reads up to limit rows of a user table starting at offset, in
// rowid order so consecutive chunks partition the table deterministically.
// Values come back as driver-native Go values with []byte normalized to
// string.
func (s *Store) ReadChunk(ctx context.Context, table string, limit, offset int64) ([]string, [][]any, error) {
	if err := ValidateTableName(table); err != nil {
		return nil, nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT * FROM `+quoteIdent(table)+` ORDER BY rowid LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s: %w", table, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	var out [][]any
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		out = append(out, values)
	}
	return columns, out, rows.Err()
}

// StagingTable names the staging location for a job's destination.
func StagingTable(destTable, jobID string) string {
	return destTable + "__stg_" + strings.ReplaceAll(jobID, "-", "")
}

// CreateStaging creates an empty staging table with the given columns,
// replacing any leftover from a previous attempt of the same job.
func (s *Store) CreateStaging(ctx context.Context, staging string, columns []string) error {
	if err := ValidateTableName(staging); err != nil {
		return err
	}
	if len(columns) == 0 {
		return fmt.Errorf("staging table needs at least one column")
	}
	quoted := make([]string, len(columns))
	for i, c := range columns {
		if err := ValidateColumnName(c); err != nil {
			return err
		}
		quoted[i] = quoteIdent(c)
	}
	if _, err := s.db.ExecContext(ctx, `DROP TABLE IF EXISTS `+quoteIdent(staging)); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`CREATE TABLE `+quoteIdent(staging)+` (`+strings.Join(quoted, ", ")+`)`)
	if err != nil {
		return fmt.Errorf("failed to create staging table: %w", err)
	}
	return nil
}

// AppendRows appends rows to the staging table in one transaction,
// preserving their order.
func (s *Store) AppendRows(ctx context.Context, staging string, columns []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	if err := ValidateTableName(staging); err != nil {
		return err
	}
	placeholders := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"
	stmt := `INSERT INTO ` + quoteIdent(staging) + ` VALUES ` + placeholders

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	prepared, err := tx.PrepareContext(ctx, stmt)
	if err != nil {
		return err
	}
	defer prepared.Close()

	for _, r := range rows {
		if len(r) != len(columns) {
			return fmt.Errorf("row has %d values, want %d", len(r), len(columns))
		}
		if _, err := prepared.ExecContext(ctx, r...); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}
	return tx.Commit()
}

// SwapStaging atomically publishes the staging table as the destination.
// No partially written destination is ever visible: the destination either
// keeps its previous contents or becomes the complete staged result.
func (s *Store) SwapStaging(ctx context.Context, staging, destTable string) error {
	if err := ValidateDestinationName(destTable); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS `+quoteIdent(destTable)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`ALTER TABLE `+quoteIdent(staging)+` RENAME TO `+quoteIdent(destTable)); err != nil {
		return fmt.Errorf("failed to publish destination table: %w", err)
	}
	return tx.Commit()
}

// DropStaging removes a staging table after a failed or cancelled job.
func (s *Store) DropStaging(ctx context.Context, staging string) error {
	if err := ValidateTableName(staging); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DROP TABLE IF EXISTS `+quoteIdent(staging))
	return err
}
