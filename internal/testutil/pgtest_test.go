package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUpSection(t *testing.T) {
	migration := `-- +goose Up
CREATE TABLE IF NOT EXISTS t (id TEXT);

-- +goose Down
DROP TABLE t;
`
	got := upSection(migration)
	assert.Contains(t, got, "CREATE TABLE")
	assert.NotContains(t, got, "DROP TABLE")

	assert.Equal(t, "SELECT 1;", upSection("SELECT 1;"))
}

func TestFindMigrationsDir(t *testing.T) {
	dir := findMigrationsDir(t)
	assert.Contains(t, dir, "migrations")
}
