// Package migrations embeds the per-practice schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
