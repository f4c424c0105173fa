// Package migrations embeds the SQL schema for each store backend.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed sqlite/*.sql postgres/*.sql
var files embed.FS

// RequiredSchemaVersion is the schema version this binary expects.
const RequiredSchemaVersion uint = 1

// SQLite returns the sqlite migration tree.
func SQLite() fs.FS { return sub("sqlite") }

// Postgres returns the postgres migration tree.
func Postgres() fs.FS { return sub("postgres") }

func sub(dir string) fs.FS {
	f, err := fs.Sub(files, dir)
	if err != nil {
		panic("migrations: " + err.Error())
	}
	return f
}
