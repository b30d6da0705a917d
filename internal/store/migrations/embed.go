// Package migrations holds the cache.db schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
