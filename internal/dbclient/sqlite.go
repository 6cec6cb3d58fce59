package dbclient

import (
	_ "modernc.org/sqlite"

	"visitrelay/internal/domain"
)

// newSQLiteConnector opens a SQLite file (Host holds the path) in WAL mode
// with a busy timeout.
func newSQLiteConnector(conn *domain.DatabaseConnection) (*sqlConnector, error) {
	dsn := conn.Host + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	return newSQLConnector("sqlite", dsn, questionMarks)
}
