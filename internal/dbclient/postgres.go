package dbclient

import (
	"fmt"
	"strings"

	_ "github.com/lib/pq"

	"visitrelay/internal/domain"
)

// buildPostgresDSN constructs a Postgres connection string from a DatabaseConnection.
func buildPostgresDSN(conn *domain.DatabaseConnection, password string) string {
	port := conn.Port
	if port == 0 {
		port = 5432
	}
	sslMode := conn.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		conn.Host, port, conn.Username, quoteDSNValue(password), conn.Database, sslMode,
	)
}

// quoteDSNValue quotes a key/value connection string value when it holds
// spaces or quotes.
func quoteDSNValue(v string) string {
	if v == "" || !strings.ContainsAny(v, ` '\`) {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}
