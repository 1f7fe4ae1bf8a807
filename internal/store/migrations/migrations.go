// Package migrations embeds the SQLite schema of the local store.
package migrations

import "embed"

// FS holds the V<n>__<name>.up.sql / .down.sql files.
//
//go:embed *.sql
var FS embed.FS
