// Package export guards bulk CSV export of query results.
package export

import (
	"fmt"
	"strings"

	"github.com/cuihairu/execgate/internal/domain"
	"github.com/cuihairu/execgate/internal/eventlog"
	"github.com/cuihairu/execgate/internal/sqlcheck"
	"github.com/cuihairu/execgate/internal/status"
)

// Rejection reasons, one per check.
const (
	ReasonNotDatasource   = "only datasource requests can be downloaded"
	ReasonNotApproved     = "not approved yet"
	ReasonExecuted        = "already executed the maximum number of times"
	ReasonEmptyQuery      = "query can't be empty"
	ReasonMultiStatements = "more than one statement"
	ReasonNotSelect       = "only select queries can be downloaded"
	reasonParsePrefix     = "could not parse query: "
)

// Gate runs the export checks in order and stops at the first failure.
type Gate struct {
	resolver *status.Resolver
	parsers  func(domain.DatabaseType) sqlcheck.Parser
}

type Option func(*Gate)

// WithParsers overrides the dialect to parser mapping.
func WithParsers(f func(domain.DatabaseType) sqlcheck.Parser) Option {
	return func(g *Gate) { g.parsers = f }
}

func NewGate(r *status.Resolver, opts ...Option) *Gate {
	if r == nil {
		r = status.NewResolver()
	}
	g := &Gate{resolver: r, parsers: sqlcheck.ForDialect}
	for _, o := range opts {
		o(g)
	}
	return g
}

// CanExportCSV reports whether the results of req may be exported. query is
// only consulted for TemporaryAccess requests; an empty string means absent.
func (g *Gate) CanExportCSV(req domain.Request, events eventlog.Snapshot, query string) (bool, string) {
	ds, ok := req.(*domain.DatasourceRequest)
	if !ok || ds.Connection == nil {
		return false, ReasonNotDatasource
	}
	res := g.resolver.Resolve(req, events)
	if res.Review != status.Approved {
		return false, ReasonNotApproved
	}
	if res.Execution == status.Executed {
		return false, ReasonExecuted
	}

	var text string
	switch ds.Kind {
	case domain.SingleExecution:
		text = trimStatement(domain.Current(ds, events.Events()).(*domain.DatasourceRequest).Statement)
	case domain.TemporaryAccess:
		text = trimStatement(query)
	default:
		panic(fmt.Sprintf("export: unknown request kind %q", ds.Kind))
	}
	if text == "" {
		return false, ReasonEmptyQuery
	}

	stmts, err := g.parsers(ds.Connection.DatabaseType).Split(text)
	if err != nil {
		return false, reasonParsePrefix + err.Error()
	}
	if len(stmts) > 1 {
		return false, ReasonMultiStatements
	}
	if len(stmts) == 0 || !stmts[0].Select {
		return false, ReasonNotSelect
	}
	return true, ""
}

func trimStatement(s string) string {
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), ";"))
}
