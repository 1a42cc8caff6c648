// ABOUTME: Reports to the store tests that this binary was built without cgo
// ABOUTME: The sqlite3 driver is a stub in such builds and its tests skip

//go:build !cgo

package store

const cgoEnabled = false
