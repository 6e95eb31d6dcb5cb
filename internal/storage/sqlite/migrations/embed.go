package migrations

import "embed"

// FS holds the key-value store schema migrations.
//
//go:embed *.sql
var FS embed.FS
