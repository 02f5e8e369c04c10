// Package migrations embeds the goose SQL files for the Postgres slot store.
package migrations

import "embed"

// FS holds the *.sql migrations.
//
//go:embed *.sql
var FS embed.FS
