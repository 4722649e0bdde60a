// Package migrations exposes the aircraft-service schema files.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

// Init is the full schema, applied by integration tests.
func Init() (string, error) {
	b, err := FS.ReadFile("001_init.sql")
	return string(b), err
}
