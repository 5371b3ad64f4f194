// Package schema embeds the DDL for each storage backend.
package schema

import _ "embed"

//go:embed postgres.sql
var Postgres string

//go:embed sqlite.sql
var SQLite string
