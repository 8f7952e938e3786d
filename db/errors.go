package db

import (
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/teranos/tock/errors"
)

// ErrDatabaseClosed is returned when a store is used after the master closed its database.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed reports whether err comes from a database that is already closed,
// either as ErrDatabaseClosed or as database/sql's own untyped error.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}
	return strings.Contains(err.Error(), "sql: database is closed")
}

// IsBusy reports whether err is SQLite refusing a write because another
// connection (a CLI command, a second master) holds the lock past the busy timeout.
func IsBusy(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
}
