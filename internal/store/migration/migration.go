// Package migration holds the SQL scripts that build the store schema.
// Scripts run in lexical order; the applied count is kept in pragma user_version.
package migration

import "embed"

// Scripts are the migration scripts.
//
//go:embed *.sql
var Scripts embed.FS
