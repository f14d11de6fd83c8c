package sqlcheck

import (
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v5"
)

// Postgres uses the server's own grammar through libpg_query.
type Postgres struct{}

func (Postgres) Split(sql string) ([]Statement, error) {
	if strings.TrimSpace(sql) == "" {
		return nil, ErrEmpty
	}
	res, err := pg_query.Parse(sql)
	if err != nil {
		return nil, err
	}
	out := make([]Statement, 0, len(res.GetStmts()))
	for _, raw := range res.GetStmts() {
		out = append(out, Statement{
			Text:   textOf(sql, raw.GetStmtLocation(), raw.GetStmtLen()),
			Select: raw.GetStmt().GetSelectStmt() != nil,
		})
	}
	return out, nil
}

// textOf cuts a statement out of the source. A zero length means "to the end".
func textOf(sql string, loc, n int32) string {
	start := int(loc)
	if start < 0 || start > len(sql) {
		return ""
	}
	end := len(sql)
	if n > 0 && start+int(n) <= len(sql) {
		end = start + int(n)
	}
	return strings.TrimSpace(sql[start:end])
}
