// Package sql ships the canonical database schema with the binary so that
// deployments and integration tests always run against the same DDL.
package sql

import (
	"embed"
)

//go:embed schema/*.sql
var Content embed.FS
