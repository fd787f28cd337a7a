// Package storage is the thin contract over the database that the rest of
// the orchestration core builds on: atomic single-row updates, indexed
// scans, and bulk deletes over the five well-known tables.
//
// Rows cross this boundary as map[string]any. The typed stores in
// engine/* own the mapping between rows and their structs; this package
// only guarantees the operation semantics, in particular that UpdateIf is
// a compare-and-swap serialized against concurrent writers on the same
// key (SQLite holds a single writer lock, so a predicate evaluated inside
// one UPDATE statement is atomic).
package storage

import (
	"database/sql"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nomarr/nomarr/errors"
)

// NowMS returns the current wall clock in milliseconds, the unit every
// timestamp column in the schema uses.
func NowMS() int64 {
	return time.Now().UnixMilli()
}

// Row is a single table row keyed by column name.
type Row map[string]any

// Tables the contract covers. Operations against any other name fail.
var knownTables = map[string]bool{
	"jobs":           true,
	"health":         true,
	"worker_kv":      true,
	"claims":         true,
	"restart_policy": true,
}

// DB wraps a process-local sql.DB with the storage operation set.
type DB struct {
	sql *sql.DB
	log *zap.SugaredLogger
}

// New wraps an opened connection. The caller keeps ownership of closing it.
func New(sqlDB *sql.DB, log *zap.SugaredLogger) *DB {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &DB{sql: sqlDB, log: log.Named("storage")}
}

// SQL exposes the underlying connection for the few operations (joins,
// group-bys, glob deletes) that the generic contract does not cover.
func (d *DB) SQL() *sql.DB {
	return d.sql
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	return d.sql.Close()
}

// Insert adds a row and returns the generated rowid. A duplicate primary
// key fails.
func (d *DB) Insert(table string, row Row) (int64, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}
	cols, args := splitRow(row)
	query := "INSERT INTO " + table + " (" + joinCols(cols) + ") VALUES (" + placeholders(len(cols)) + ")"
	res, err := d.sql.Exec(query, args...)
	if err != nil {
		return 0, errors.Wrapf(err, "insert into %s", table)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrapf(err, "insert id for %s", table)
	}
	return id, nil
}

// Upsert writes the full row, replacing an existing row with the same
// values in keyCols.
func (d *DB) Upsert(table string, keyCols []string, row Row) error {
	if err := checkTable(table); err != nil {
		return err
	}
	cols, args := splitRow(row)

	var updates []string
	for _, c := range cols {
		if contains(keyCols, c) {
			continue
		}
		updates = append(updates, c+" = excluded."+c)
	}

	query := "INSERT INTO " + table + " (" + joinCols(cols) + ") VALUES (" + placeholders(len(cols)) + ")" +
		" ON CONFLICT(" + joinCols(keyCols) + ") DO UPDATE SET " + strings.Join(updates, ", ")
	if _, err := d.sql.Exec(query, args...); err != nil {
		return errors.Wrapf(err, "upsert into %s", table)
	}
	return nil
}

// UpdateIf applies patch to the row matching key only if the current row
// satisfies pred. Returns whether the update was applied. A nil value in
// pred matches NULL.
func (d *DB) UpdateIf(table string, key Row, pred Row, patch Row) (bool, error) {
	if err := checkTable(table); err != nil {
		return false, err
	}
	setCols, setArgs := splitRow(patch)

	var sets []string
	for _, c := range setCols {
		sets = append(sets, c+" = ?")
	}

	whereClause, whereArgs := buildWhere(mergeRows(key, pred))

	query := "UPDATE " + table + " SET " + strings.Join(sets, ", ") + " WHERE " + whereClause
	res, err := d.sql.Exec(query, append(setArgs, whereArgs...)...)
	if err != nil {
		return false, errors.Wrapf(err, "conditional update of %s", table)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrapf(err, "rows affected for %s", table)
	}
	return n == 1, nil
}

// Get returns the row matching key, or nil if absent.
func (d *DB) Get(table string, key Row) (Row, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	whereClause, whereArgs := buildWhere(key)
	query := "SELECT * FROM " + table + " WHERE " + whereClause + " LIMIT 1"

	rows, err := d.sql.Query(query, whereArgs...)
	if err != nil {
		return nil, errors.Wrapf(err, "get from %s", table)
	}
	defer rows.Close()

	result, err := scanRows(rows)
	if err != nil {
		return nil, errors.Wrapf(err, "scan row from %s", table)
	}
	if len(result) == 0 {
		return nil, nil
	}
	return result[0], nil
}

// ScanQuery describes a filtered, ordered, paginated scan.
type ScanQuery struct {
	Filter  Row    // equality filter; nil values match NULL
	OrderBy string // raw ORDER BY expression, e.g. "created_at ASC, id ASC"
	Limit   int    // 0 = no limit
	Offset  int
}

// Scan returns matching rows plus the total match count ignoring
// limit/offset.
func (d *DB) Scan(table string, q ScanQuery) ([]Row, int, error) {
	if err := checkTable(table); err != nil {
		return nil, 0, err
	}

	whereClause, whereArgs := buildWhere(q.Filter)
	where := ""
	if whereClause != "" {
		where = " WHERE " + whereClause
	}

	var total int
	if err := d.sql.QueryRow("SELECT COUNT(*) FROM "+table+where, whereArgs...).Scan(&total); err != nil {
		return nil, 0, errors.Wrapf(err, "count %s", table)
	}

	query := "SELECT * FROM " + table + where
	if q.OrderBy != "" {
		query += " ORDER BY " + q.OrderBy
	}
	if q.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		whereArgs = append(whereArgs, q.Limit, q.Offset)
	}

	rows, err := d.sql.Query(query, whereArgs...)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "scan %s", table)
	}
	defer rows.Close()

	result, err := scanRows(rows)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "scan rows from %s", table)
	}
	return result, total, nil
}

// Delete removes rows matching filter and returns the count deleted. An
// empty filter truncates the table.
func (d *DB) Delete(table string, filter Row) (int64, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}
	whereClause, whereArgs := buildWhere(filter)
	query := "DELETE FROM " + table
	if whereClause != "" {
		query += " WHERE " + whereClause
	}
	res, err := d.sql.Exec(query, whereArgs...)
	if err != nil {
		return 0, errors.Wrapf(err, "delete from %s", table)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrapf(err, "rows affected deleting from %s", table)
	}
	return n, nil
}

// Tx runs fn inside a transaction, committing on nil and rolling back on
// error.
func (d *DB) Tx(fn func(tx *sql.Tx) error) error {
	tx, err := d.sql.Begin()
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			d.log.Warnw("Transaction rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit transaction")
	}
	return nil
}

func checkTable(table string) error {
	if !knownTables[table] {
		return errors.Newf("unknown table: %s", table)
	}
	return nil
}

// splitRow returns columns in sorted order with matching args, so
// generated SQL is deterministic.
func splitRow(row Row) ([]string, []any) {
	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	args := make([]any, 0, len(cols))
	for _, c := range cols {
		args = append(args, row[c])
	}
	return cols, args
}

func buildWhere(filter Row) (string, []any) {
	if len(filter) == 0 {
		return "", nil
	}
	cols, _ := splitRow(filter)
	var clauses []string
	var args []any
	for _, c := range cols {
		if filter[c] == nil {
			clauses = append(clauses, c+" IS NULL")
			continue
		}
		clauses = append(clauses, c+" = ?")
		args = append(args, filter[c])
	}
	return strings.Join(clauses, " AND "), args
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var result []Row
	for rows.Next() {
		values := make([]any, len(cols))
		targets := make([]any, len(cols))
		for i := range values {
			targets[i] = &values[i]
		}
		if err := rows.Scan(targets...); err != nil {
			return nil, err
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			row[c] = values[i]
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

func joinCols(cols []string) string {
	return strings.Join(cols, ", ")
}

func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func mergeRows(a, b Row) Row {
	merged := make(Row, len(a)+len(b))
	for k, v := range a {
		merged[k] = v
	}
	for k, v := range b {
		merged[k] = v
	}
	return merged
}
