// Package migrations embeds the SQLite schema for reading history.
package migrations

import "embed"

// FS holds the SQLite migration files.
//
//go:embed *.sql
var FS embed.FS
