package migrations

import "embed"

// Roots of the per-database migration directories inside FS.
const (
	WriteRoot     = "write"
	EventsRoot    = "events"
	GraphRoot     = "graph"
	DocumentsRoot = "documents"
)

//go:embed write/*.sql events/*.sql graph/*.sql documents/*.sql
var FS embed.FS
