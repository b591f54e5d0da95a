// Package dbmigrations exposes embedded SQL migrations for pgoutbox binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into pgoutbox binaries.
//
//go:embed *.sql
var Files embed.FS
