package config

import (
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// OpenLocalDatabase opens a SQLite file (or "file::memory:") for ops tools run
// away from the MySQL deployment, and installs it as the global DB.
func OpenLocalDatabase(dsn string) (*gorm.DB, error) {
	conn, err := gorm.Open(sqlite.Open(dsn), GormConfig())
	if err != nil {
		return nil, err
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)
	SetDB(conn)
	return conn, nil
}

// ConnectFromFlags opens the local SQLite database when dsn is set and the
// configured MySQL database otherwise.
func ConnectFromFlags(dsn string) (*gorm.DB, error) {
	if dsn != "" {
		return OpenLocalDatabase(dsn)
	}
	ConnectDatabaseWithRetry()
	return GetDB(), nil
}
