// ABOUTME: Registers the SQLite database/sql drivers the store can open
// ABOUTME: "sqlite" is pure Go (modernc.org/sqlite), "sqlite3" needs cgo (mattn/go-sqlite3)

package store

import (
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)
