// Package migrations embeds the PostgreSQL schema so it applies regardless
// of working directory.
package migrations

import "embed"

// FS holds every .sql file in this directory (e.g. 001_initial.sql).
//
//go:embed *.sql
var FS embed.FS
