//go:build !cgosqlite

package store

import (
	_ "modernc.org/sqlite"
)

// driverName selects the pure-Go SQLite driver.
const driverName = "sqlite"
