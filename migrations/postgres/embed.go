// Package migrations embeds SQL migration files.
package migrations

import "embed"

// QueueFS contains the schema of the Postgres-backed delivery queue.
//
//go:embed queue/*.sql
var QueueFS embed.FS

// QueueDir is the directory within QueueFS where migrations live.
const QueueDir = "queue"
