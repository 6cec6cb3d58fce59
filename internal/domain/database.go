package domain

import (
	"fmt"
	"strings"
	"time"
)

// DatabaseDriver represents the type of database engine.
type DatabaseDriver string

const (
	DatabaseDriverMySQL    DatabaseDriver = "mysql"
	DatabaseDriverPostgres DatabaseDriver = "postgres"
	DatabaseDriverMongoDB  DatabaseDriver = "mongodb"
	DatabaseDriverSQLite   DatabaseDriver = "sqlite"
)

// ParseDriver accepts the driver names and their common aliases.
func ParseDriver(s string) (DatabaseDriver, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mysql", "mariadb":
		return DatabaseDriverMySQL, nil
	case "postgres", "postgresql", "pg":
		return DatabaseDriverPostgres, nil
	case "mongodb", "mongo":
		return DatabaseDriverMongoDB, nil
	case "sqlite", "sqlite3":
		return DatabaseDriverSQLite, nil
	}
	return "", fmt.Errorf("unsupported driver: %q", s)
}

// DatabaseConnection is a named source profile. The password is kept out
// of the profile and resolved from the secret store by profile name.
type DatabaseConnection struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Driver    DatabaseDriver `json:"driver"`
	Host      string         `json:"host"`     // hostname, URI (mongodb) or file path (sqlite)
	Port      int            `json:"port"`     // 0 for the driver default
	Database  string         `json:"database"` // db name or empty for sqlite
	Username  string         `json:"username"`
	SSLMode   string         `json:"sslMode"`
	ExtraJSON string         `json:"extraJson"` // driver-specific options
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// DatabaseConnectionStore manages CRUD operations for source profiles.
type DatabaseConnectionStore interface {
	CreateConnection(c *DatabaseConnection) error
	GetConnection(id string) (*DatabaseConnection, error)
	GetConnectionByName(name string) (*DatabaseConnection, error)
	ListConnections() ([]DatabaseConnection, error)
	UpdateConnection(c *DatabaseConnection) error
	DeleteConnection(id string) error
}
