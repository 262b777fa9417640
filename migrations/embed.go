// Package migrations embeds the tenant schema migrations so the server binary
// can create and upgrade tenant schemas without a migrations directory on disk.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
