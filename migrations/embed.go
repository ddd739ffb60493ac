// Package migrations holds the Postgres schema as ordered SQL files. They are
// embedded so the binary can migrate without the source tree present.
package migrations

import "embed"

// FS holds every *.sql file in this directory, applied in lexical order by
// storage.DB.RunMigrations.
//
//go:embed *.sql
var FS embed.FS
