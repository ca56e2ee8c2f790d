package db

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSchemaPermissionMaskIsUnbounded(t *testing.T) {
	assert.Regexp(t, regexp.MustCompile(`permissions_mask\s+NUMERIC\s+NOT NULL`), schemaSQL)
	assert.NotRegexp(t, regexp.MustCompile(`NUMERIC\s*\(`), schemaSQL)
	assert.Contains(t, schemaSQL, "ALTER TABLE roles ALTER COLUMN permissions_mask TYPE NUMERIC;")
}
