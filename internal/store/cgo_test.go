// ABOUTME: Reports to the store tests that this binary was built with cgo
// ABOUTME: The cgo-only sqlite3 driver is exercised only when this is true

//go:build cgo

package store

const cgoEnabled = true
