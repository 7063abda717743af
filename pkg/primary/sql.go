package primary

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	_ "github.com/go-sql-driver/mysql"
	"github.com/goccy/go-json"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/supporttools/RecoveryGuard/pkg/recovery/types"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// dialect captures the SQL differences between supported drivers
type dialect struct {
	driverName  string
	quoteChar   string
	placeholder func(n int) string
}

var dialects = map[string]dialect{
	"postgres": {driverName: "postgres", quoteChar: `"`, placeholder: dollarPlaceholder},
	"pgx":      {driverName: "pgx", quoteChar: `"`, placeholder: dollarPlaceholder},
	"mysql":    {driverName: "mysql", quoteChar: "`", placeholder: func(int) string { return "?" }},
}

func dollarPlaceholder(n int) string { return fmt.Sprintf("$%d", n) }

// maxBindParams is the placeholder limit of a single PostgreSQL or MySQL statement
const maxBindParams = 65535

// SQLStore implements Store over database/sql
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	// maxParams caps the placeholders of one INSERT
	maxParams int
}

// Open connects to the primary database using one of the postgres, pgx
// or mysql drivers.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported primary database driver: %s", driver)
	}

	db, err := sql.Open(d.driverName, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open primary database")
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping primary database")
	}

	return &SQLStore{db: db, dialect: d, maxParams: maxBindParams}, nil
}

// NewSQLStore wraps an existing connection pool
func NewSQLStore(db *sql.DB, driver string) (*SQLStore, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported primary database driver: %s", driver)
	}
	return &SQLStore{db: db, dialect: d, maxParams: maxBindParams}, nil
}

// quote validates and quotes an identifier, including schema-qualified names
func (s *SQLStore) quote(ident string) (string, error) {
	if !identPattern.MatchString(ident) {
		return "", fmt.Errorf("invalid identifier %q", ident)
	}
	parts := strings.Split(ident, ".")
	for i, p := range parts {
		parts[i] = s.dialect.quoteChar + p + s.dialect.quoteChar
	}
	return strings.Join(parts, "."), nil
}

// where builds a WHERE clause with placeholders starting at n
func (s *SQLStore) where(filter Filter, n int) (string, []interface{}, error) {
	if len(filter) == 0 {
		return "", nil, nil
	}

	cols := make([]string, 0, len(filter))
	for c := range filter {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	conds := make([]string, 0, len(cols))
	args := make([]interface{}, 0, len(cols))
	for _, c := range cols {
		q, err := s.quote(c)
		if err != nil {
			return "", nil, err
		}
		conds = append(conds, fmt.Sprintf("%s = %s", q, s.dialect.placeholder(n)))
		args = append(args, toDriverValue(filter[c]))
		n++
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

// Select reads rows from table
func (s *SQLStore) Select(ctx context.Context, table string, q Query) ([]types.Row, error) {
	qt, err := s.quote(table)
	if err != nil {
		return nil, err
	}
	where, args, err := s.where(q.Filter, 1)
	if err != nil {
		return nil, err
	}

	query := "SELECT * FROM " + qt + where
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query %s", table)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read columns of %s", table)
	}

	var (
		out    []types.Row
		binary []bool
	)
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errors.Wrapf(err, "failed to scan row of %s", table)
		}

		row := make(types.Row, len(cols))
		for i, c := range cols {
			if b, ok := values[i].([]byte); ok {
				if binary == nil {
					binary = binaryColumns(rows)
				}
				row[c] = byteValue(b, i < len(binary) && binary[i])
				continue
			}
			row[c] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to iterate rows of %s", table)
	}
	return out, nil
}

// binaryTypes are column types whose values are raw bytes, never text
var binaryTypes = map[string]bool{
	"BYTEA": true, "BLOB": true, "TINYBLOB": true, "MEDIUMBLOB": true, "LONGBLOB": true,
	"BINARY": true, "VARBINARY": true, "BIT": true, "GEOMETRY": true,
}

// binaryColumns flags the columns the driver reports as binary. It is only
// consulted once a row holds a []byte value.
func binaryColumns(rows *sql.Rows) []bool {
	cts, err := rows.ColumnTypes()
	if err != nil {
		return []bool{}
	}
	out := make([]bool, len(cts))
	for i, ct := range cts {
		out[i] = binaryTypes[strings.ToUpper(ct.DatabaseTypeName())]
	}
	return out
}

// byteValue keeps binary columns and non-UTF-8 data as []byte so the backup
// holds the exact bytes; textual data becomes a string.
func byteValue(b []byte, binary bool) interface{} {
	if binary || !utf8.Valid(b) {
		out := make([]byte, len(b))
		copy(out, b)
		return out
	}
	return string(b)
}

// Insert writes rows with multi-row statements. Columns are the union of
// all row keys; a row missing a column inserts NULL for it. Rows are split
// so no statement exceeds the driver's placeholder limit.
func (s *SQLStore) Insert(ctx context.Context, table string, rows []types.Row) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	qt, err := s.quote(table)
	if err != nil {
		return 0, err
	}

	colSet := make(map[string]struct{})
	for _, r := range rows {
		for c := range r {
			colSet[c] = struct{}{}
		}
	}
	cols := make([]string, 0, len(colSet))
	for c := range colSet {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	if len(cols) == 0 {
		return 0, fmt.Errorf("rows for %s have no columns", table)
	}

	quoted := make([]string, len(cols))
	for i, c := range cols {
		if quoted[i], err = s.quote(c); err != nil {
			return 0, err
		}
	}

	perStatement := len(rows)
	if s.maxParams > 0 {
		perStatement = s.maxParams / len(cols)
		if perStatement < 1 {
			return 0, fmt.Errorf("table %s has %d columns, more than the %d placeholders one statement allows",
				table, len(cols), s.maxParams)
		}
	}

	var total int64
	for start := 0; start < len(rows); start += perStatement {
		end := start + perStatement
		if end > len(rows) {
			end = len(rows)
		}
		n, err := s.insertChunk(ctx, qt, table, cols, quoted, rows[start:end])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (s *SQLStore) insertChunk(ctx context.Context, qt, table string, cols, quoted []string, rows []types.Row) (int64, error) {
	args := make([]interface{}, 0, len(rows)*len(cols))
	tuples := make([]string, 0, len(rows))
	n := 1
	for _, r := range rows {
		ph := make([]string, len(cols))
		for i, c := range cols {
			ph[i] = s.dialect.placeholder(n)
			args = append(args, toDriverValue(r[c]))
			n++
		}
		tuples = append(tuples, "("+strings.Join(ph, ", ")+")")
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", qt, strings.Join(quoted, ", "), strings.Join(tuples, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to insert into %s", table)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return int64(len(rows)), nil
	}
	return affected, nil
}

// Delete removes rows matching filter
func (s *SQLStore) Delete(ctx context.Context, table string, filter Filter) (int64, error) {
	qt, err := s.quote(table)
	if err != nil {
		return 0, err
	}
	where, args, err := s.where(filter, 1)
	if err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, "DELETE FROM "+qt+where, args...)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to delete from %s", table)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read affected rows")
	}
	return affected, nil
}

// Ping runs a single-row read against table
func (s *SQLStore) Ping(ctx context.Context, table string) error {
	_, err := s.Select(ctx, table, Query{Limit: 1})
	return err
}

// Close closes the connection pool
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// toDriverValue converts decoded JSON values into something database/sql accepts
func toDriverValue(v interface{}) interface{} {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case map[string]interface{}, []interface{}:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	default:
		return v
	}
}
