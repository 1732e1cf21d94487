// Package dbmigrations exposes the embedded SQL migrations for the queue database.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into beacon binaries.
//
//go:embed *.sql
var Files embed.FS
