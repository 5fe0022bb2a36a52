// Package migrations carries the SQL schema of the sync store.
// The files are embedded so the binaries can migrate without a checkout.
package migrations

import "embed"

// FS holds every *.up.sql and *.down.sql file of this directory
//
//go:embed *.sql
var FS embed.FS
