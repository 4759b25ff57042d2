//go:build cgosqlite

package store

import (
	_ "github.com/mattn/go-sqlite3"
)

// driverName selects the cgo SQLite driver (build with -tags cgosqlite).
const driverName = "sqlite3"
