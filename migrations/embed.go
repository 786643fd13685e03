// Package migrations embeds the engine's SQL schema files so migration
// runs work regardless of working directory.
package migrations

import "embed"

// FS is the embedded migrations filesystem, containing every .sql file
// in this directory (e.g. 001_initial.sql).
//
//go:embed *.sql
var FS embed.FS
