// Package dbclient talks to the databases the relay reads visits from and
// writes statuses back to.
package dbclient

import (
	"context"
	"fmt"
	"regexp"

	"go.uber.org/zap"

	"visitrelay/internal/domain"
)

// QueryPage is a batch of rows fetched from a query cursor.
type QueryPage struct {
	Columns      []string `json:"columns"`
	Rows         [][]any  `json:"rows"`
	TotalFetched int      `json:"totalFetched"` // total rows fetched so far
	HasMore      bool     `json:"hasMore"`      // cursor has more rows
}

// Maps returns the page rows keyed by column name.
func (p *QueryPage) Maps() []map[string]any {
	out := make([]map[string]any, 0, len(p.Rows))
	for _, row := range p.Rows {
		m := make(map[string]any, len(p.Columns))
		for i, col := range p.Columns {
			if i < len(row) {
				m[col] = row[i]
			}
		}
		out = append(out, m)
	}
	return out
}

// SchemaInfo lists the tables (or collections) of a database.
type SchemaInfo struct {
	Tables []TableInfo `json:"tables"`
}

// TableInfo describes a table/collection.
type TableInfo struct {
	Name    string       `json:"name"`
	Columns []ColumnInfo `json:"columns"`
}

// ColumnInfo describes a column/field.
type ColumnInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Column is one named value of an insert, update or filter. Order is kept
// in the generated statement.
type Column struct {
	Name  string
	Value any
}

// Connector abstracts interaction with an external database.
type Connector interface {
	// TestConnection verifies connectivity.
	TestConnection(ctx context.Context) error

	// Execute runs a read query and returns the first batch of rows.
	Execute(ctx context.Context, query string, fetchSize int) (*QueryPage, error)

	// FetchMore continues reading from the open cursor.
	FetchMore(ctx context.Context, fetchSize int) (*QueryPage, error)

	// Insert adds one row to table.
	Insert(ctx context.Context, table string, cols []Column) error

	// Update sets columns on the rows matching every where column and
	// returns the number of rows changed.
	Update(ctx context.Context, table string, set, where []Column) (int64, error)

	// Introspect returns the tables and their columns.
	Introspect(ctx context.Context) (*SchemaInfo, error)

	// Close closes the connection and any open cursors.
	Close() error
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*(\.[A-Za-z_][A-Za-z0-9_$]*)?$`)

// ValidIdent reports whether s is a plain, optionally schema-qualified,
// identifier that can be placed in a statement as is.
func ValidIdent(s string) bool {
	return identPattern.MatchString(s)
}

// QualifiedName joins schema and name, checking both.
func QualifiedName(schema, name string) (string, error) {
	q := name
	if schema != "" {
		q = schema + "." + name
	}
	if !ValidIdent(q) {
		return "", fmt.Errorf("invalid table name %q", q)
	}
	return q, nil
}

// NewConnector creates a Connector for the given database connection.
func NewConnector(conn *domain.DatabaseConnection, password string, logger *zap.Logger) (Connector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch conn.Driver {
	case domain.DatabaseDriverSQLite:
		return newSQLiteConnector(conn)
	case domain.DatabaseDriverMySQL:
		return newSQLConnector("mysql", buildMySQLDSN(conn, password), questionMarks)
	case domain.DatabaseDriverPostgres:
		return newSQLConnector("postgres", buildPostgresDSN(conn, password), dollarNumbers)
	case domain.DatabaseDriverMongoDB:
		return newMongoConnector(conn, password, logger.Named("mongo"))
	default:
		return nil, fmt.Errorf("unsupported driver: %s", conn.Driver)
	}
}
