// Package migrations embeds the SQL migrations so the binaries can apply
// them without a checkout (order matters: 001, 002, ...).
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS

// Ordered lists the migration files in apply order.
var Ordered = []string{
	"001_init.sql",
	"002_indexes.sql",
}
