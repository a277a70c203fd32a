package migrations

import "embed"

// FS holds the goose SQL migrations applied at startup and by cmd/migrate
//
//go:embed *.sql
var FS embed.FS
