// Package sqlcheck splits SQL text into statements and classifies them.
package sqlcheck

import (
	"errors"

	"github.com/cuihairu/execgate/internal/domain"
)

var ErrEmpty = errors.New("empty statement")

// Statement is one parsed statement.
type Statement struct {
	Text   string
	Select bool
}

// Parser splits text into statements. A syntax error is returned as an error,
// never as a panic.
type Parser interface {
	Split(sql string) ([]Statement, error)
}

// ForDialect picks a parser for the database type; unknown types use Postgres.
func ForDialect(t domain.DatabaseType) Parser {
	switch t {
	case domain.DatabaseMySQL:
		return MySQL{}
	default:
		return Postgres{}
	}
}
