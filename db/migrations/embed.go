// Package dbmigrations exposes embedded SQL migrations for paygate binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into paygate binaries.
//
//go:embed *.sql
var Files embed.FS
