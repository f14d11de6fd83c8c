package sqlcheck

import (
	"errors"
	"strings"
	"sync"

	"vitess.io/vitess/go/vt/sqlparser"
)

// mysqlServerVersion selects the grammar features (CTEs, window functions).
const mysqlServerVersion = "8.0.40"

var (
	mysqlOnce   sync.Once
	mysqlParser *sqlparser.Parser
	mysqlErr    error
)

func vitess() (*sqlparser.Parser, error) {
	mysqlOnce.Do(func() {
		mysqlParser, mysqlErr = sqlparser.New(sqlparser.Options{MySQLServerVersion: mysqlServerVersion})
	})
	return mysqlParser, mysqlErr
}

// MySQL uses the Vitess MySQL grammar.
type MySQL struct{}

func (MySQL) Split(sql string) ([]Statement, error) {
	if strings.TrimSpace(sql) == "" {
		return nil, ErrEmpty
	}
	p, err := vitess()
	if err != nil {
		return nil, err
	}
	pieces, err := p.SplitStatementToPieces(sql)
	if err != nil {
		return nil, err
	}
	out := make([]Statement, 0, len(pieces))
	for _, piece := range pieces {
		stmt, err := p.Parse(piece)
		if errors.Is(err, sqlparser.ErrEmpty) {
			// comment-only piece
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, Statement{Text: sqlparser.String(stmt), Select: isSelect(stmt)})
	}
	return out, nil
}

func isSelect(stmt sqlparser.Statement) bool {
	switch stmt.(type) {
	case *sqlparser.Select, *sqlparser.Union:
		return true
	}
	return false
}
