// Package migrations embeds the SQL schema so binaries can apply it on start.
package migrations

import "embed"

// Postgres holds the Call Record Store DDL, applied in file name order.
//
//go:embed postgres/*.sql
var Postgres embed.FS

// PostgresDir is the directory inside Postgres holding the scripts.
const PostgresDir = "postgres"
