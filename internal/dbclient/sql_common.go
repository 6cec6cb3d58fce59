package dbclient

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// placeholder renders the n-th (1-based) bind parameter.
type placeholder func(n int) string

func questionMarks(int) string  { return "?" }
func dollarNumbers(n int) string { return fmt.Sprintf("$%d", n) }

// sqlConnector is the shared implementation for MySQL, Postgres, and SQLite.
type sqlConnector struct {
	driverName string
	db         *sql.DB
	bind       placeholder

	mu         sync.Mutex
	activeRows *sql.Rows
	cancel     context.CancelFunc
	columns    []string
	fetched    int
}

// newSQLConnector creates a generic SQL connector.
func newSQLConnector(driverName, dsn string, bind placeholder) (*sqlConnector, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driverName, err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(10 * time.Minute)

	return &sqlConnector{driverName: driverName, db: db, bind: bind}, nil
}

func (c *sqlConnector) TestConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return c.db.PingContext(ctx)
}

// isReadQuery detects if a query is a read (SELECT, WITH, SHOW, DESCRIBE, EXPLAIN, PRAGMA).
func isReadQuery(query string) bool {
	q := strings.ToUpper(strings.TrimSpace(query))
	for _, prefix := range []string{"SELECT", "WITH", "SHOW", "DESCRIBE", "EXPLAIN", "PRAGMA"} {
		if strings.HasPrefix(q, prefix) {
			return true
		}
	}
	return false
}

func (c *sqlConnector) Execute(ctx context.Context, query string, fetchSize int) (*QueryPage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closeCursorLocked()

	if !isReadQuery(query) {
		return nil, errors.New("execute: only read queries open a cursor")
	}
	if fetchSize <= 0 {
		fetchSize = 100
	}

	// The cursor outlives this call, so it gets its own deadline.
	qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Minute)
	rows, err := c.db.QueryContext(qctx, query)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("query: %w", err)
	}

	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		cancel()
		return nil, fmt.Errorf("columns: %w", err)
	}

	c.activeRows = rows
	c.cancel = cancel
	c.columns = cols
	c.fetched = 0

	return c.fetchBatchLocked(ctx, fetchSize)
}

func (c *sqlConnector) FetchMore(ctx context.Context, fetchSize int) (*QueryPage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.activeRows == nil {
		return nil, errors.New("no active cursor, execute a query first")
	}
	if fetchSize <= 0 {
		fetchSize = 100
	}
	return c.fetchBatchLocked(ctx, fetchSize)
}

// fetchBatchLocked reads up to fetchSize rows from the active cursor.
// Must be called while holding c.mu.
func (c *sqlConnector) fetchBatchLocked(ctx context.Context, fetchSize int) (*QueryPage, error) {
	var resultRows [][]any
	numCols := len(c.columns)

	for i := 0; i < fetchSize; i++ {
		if err := ctx.Err(); err != nil {
			c.closeCursorLocked()
			return nil, err
		}
		if !c.activeRows.Next() {
			break
		}
		values := make([]any, numCols)
		ptrs := make([]any, numCols)
		for j := range values {
			ptrs[j] = &values[j]
		}
		if err := c.activeRows.Scan(ptrs...); err != nil {
			c.closeCursorLocked()
			return nil, fmt.Errorf("scan row: %w", err)
		}

		row := make([]any, numCols)
		for j, v := range values {
			row[j] = formatValue(v)
		}
		resultRows = append(resultRows, row)
	}

	c.fetched += len(resultRows)

	if err := c.activeRows.Err(); err != nil {
		c.closeCursorLocked()
		return nil, fmt.Errorf("iterate: %w", err)
	}

	hasMore := len(resultRows) == fetchSize
	if !hasMore {
		c.closeCursorLocked()
	}

	return &QueryPage{
		Columns:      c.columns,
		Rows:         resultRows,
		TotalFetched: c.fetched,
		HasMore:      hasMore,
	}, nil
}

// formatValue converts driver values into plain Go values the builder
// understands.
func formatValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case []byte:
		return string(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	default:
		return val
	}
}

// ── Writes ─────────────────────────────────────────────────

func (c *sqlConnector) Insert(ctx context.Context, table string, cols []Column) error {
	if !ValidIdent(table) {
		return fmt.Errorf("invalid table name %q", table)
	}
	if len(cols) == 0 {
		return errors.New("insert: no columns")
	}
	names := make([]string, len(cols))
	marks := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		if !ValidIdent(col.Name) {
			return fmt.Errorf("invalid column name %q", col.Name)
		}
		names[i] = col.Name
		marks[i] = c.bind(i + 1)
		args[i] = col.Value
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(names, ", "), strings.Join(marks, ", "))

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := c.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert %s: %w", table, err)
	}
	return nil
}

func (c *sqlConnector) Update(ctx context.Context, table string, set, where []Column) (int64, error) {
	if !ValidIdent(table) {
		return 0, fmt.Errorf("invalid table name %q", table)
	}
	if len(set) == 0 || len(where) == 0 {
		return 0, errors.New("update: set and where columns are required")
	}
	args := make([]any, 0, len(set)+len(where))
	clause := func(cols []Column) ([]string, error) {
		parts := make([]string, len(cols))
		for i, col := range cols {
			if !ValidIdent(col.Name) {
				return nil, fmt.Errorf("invalid column name %q", col.Name)
			}
			args = append(args, col.Value)
			parts[i] = fmt.Sprintf("%s = %s", col.Name, c.bind(len(args)))
		}
		return parts, nil
	}
	setParts, err := clause(set)
	if err != nil {
		return 0, err
	}
	whereParts, err := clause(where)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		table, strings.Join(setParts, ", "), strings.Join(whereParts, " AND "))

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("update %s: %w", table, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ── Introspection ──────────────────────────────────────────

func (c *sqlConnector) Introspect(ctx context.Context) (*SchemaInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if c.driverName == "sqlite" {
		return c.introspectSQLite(ctx)
	}
	return c.introspectInfoSchema(ctx)
}

// introspectInfoSchema works for MySQL and Postgres via INFORMATION_SCHEMA.
func (c *sqlConnector) introspectInfoSchema(ctx context.Context) (*SchemaInfo, error) {
	tableQuery := `SELECT TABLE_NAME FROM INFORMATION_SCHEMA.TABLES
		 WHERE TABLE_SCHEMA = CURRENT_SCHEMA() ORDER BY TABLE_NAME`
	if c.driverName == "mysql" {
		tableQuery = `SELECT TABLE_NAME FROM INFORMATION_SCHEMA.TABLES
		 WHERE TABLE_SCHEMA = DATABASE() ORDER BY TABLE_NAME`
	}
	tableNames, err := c.queryStrings(ctx, tableQuery)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}

	schema := &SchemaInfo{}
	for _, tbl := range tableNames {
		info := TableInfo{Name: tbl}
		rows, err := c.db.QueryContext(ctx,
			`SELECT COLUMN_NAME, DATA_TYPE FROM INFORMATION_SCHEMA.COLUMNS
			 WHERE TABLE_NAME = `+c.bind(1)+` ORDER BY ORDINAL_POSITION`, tbl)
		if err == nil {
			for rows.Next() {
				var ci ColumnInfo
				if rows.Scan(&ci.Name, &ci.Type) == nil {
					info.Columns = append(info.Columns, ci)
				}
			}
			rows.Close()
		}
		schema.Tables = append(schema.Tables, info)
	}
	return schema, nil
}

// introspectSQLite uses sqlite_master + PRAGMA table_info.
func (c *sqlConnector) introspectSQLite(ctx context.Context) (*SchemaInfo, error) {
	tableNames, err := c.queryStrings(ctx,
		`SELECT name FROM sqlite_master WHERE type IN ('table', 'view') AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}

	schema := &SchemaInfo{}
	for _, tbl := range tableNames {
		info := TableInfo{Name: tbl}
		rows, err := c.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info('%s')", strings.ReplaceAll(tbl, "'", "''")))
		if err == nil {
			for rows.Next() {
				var cid, notNull, pk int
				var name, colType string
				var dflt sql.NullString
				if rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk) == nil {
					info.Columns = append(info.Columns, ColumnInfo{Name: name, Type: colType})
				}
			}
			rows.Close()
		}
		schema.Tables = append(schema.Tables, info)
	}
	return schema, nil
}

func (c *sqlConnector) queryStrings(ctx context.Context, query string) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (c *sqlConnector) Close() error {
	c.mu.Lock()
	c.closeCursorLocked()
	c.mu.Unlock()
	return c.db.Close()
}

func (c *sqlConnector) closeCursorLocked() {
	if c.activeRows != nil {
		c.activeRows.Close()
		c.activeRows = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}
