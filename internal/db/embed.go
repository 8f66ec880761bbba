package db

import "embed"

// migrationFS embeds the goose migrations for every supported dialect, one
// directory per driver. Nothing needs to exist on disk at runtime.
//
//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFS embed.FS
