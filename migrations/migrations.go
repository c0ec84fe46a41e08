// Package migrations embeds the schema for the telemetry store.
package migrations

import "embed"

// Embedded migration files bundled at compile time
// The agent creates its own store on first run without external files
//
//go:embed sqlite/*.sql
var SqliteMigrations embed.FS

//go:embed postgres/*.sql
var PostgresMigrations embed.FS
