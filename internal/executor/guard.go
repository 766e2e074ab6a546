package executor

import (
	"sort"
	"strings"

	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
	_ "github.com/pingcap/tidb/pkg/types/parser_driver" // Register TiDB parser driver.
	"github.com/pkg/errors"
)

// Guard vets SQL before it reaches the snapshot: exactly one statement, and
// it must be SELECT-class. Everything else is rejected locally so mutating
// statements never touch the driver.
type Guard struct{}

// NewGuard returns a Guard. It is safe for concurrent use; a parser is
// created per call because the TiDB parser is not goroutine-safe.
func NewGuard() *Guard {
	return &Guard{}
}

// Vet parses sqlText and returns the statement node, or a Failure describing
// why the text may not run.
func (g *Guard) Vet(sqlText string) (ast.StmtNode, *Failure) {
	if strings.TrimSpace(sqlText) == "" {
		return nil, &Failure{Kind: KindSyntax, Err: errors.New("empty statement")}
	}
	stmts, _, err := parser.New().Parse(sqlText, "", "")
	if err != nil {
		return nil, &Failure{Kind: KindSyntax, Err: err}
	}
	if len(stmts) == 0 {
		return nil, &Failure{Kind: KindSyntax, Err: errors.New("no statement found")}
	}
	if len(stmts) > 1 {
		return nil, &Failure{Kind: KindUnsafe, Err: errors.Errorf("%d statements in one submission", len(stmts))}
	}
	stmt := stmts[0]
	switch stmt.(type) {
	case *ast.SelectStmt, *ast.SetOprStmt:
		return stmt, nil
	default:
		return nil, &Failure{Kind: KindUnsafe, Err: errors.Errorf("%T is not a SELECT", stmt)}
	}
}

// ReferencedTables lists the distinct table names a statement touches,
// lowercased and sorted.
func ReferencedTables(stmt ast.StmtNode) []string {
	if stmt == nil {
		return nil
	}
	collector := &tableCollector{tables: map[string]struct{}{}}
	stmt.Accept(collector)
	names := make([]string, 0, len(collector.tables))
	for name := range collector.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type tableCollector struct {
	tables map[string]struct{}
}

func (c *tableCollector) Enter(in ast.Node) (ast.Node, bool) {
	if t, ok := in.(*ast.TableName); ok {
		name := strings.ToLower(t.Name.O)
		if name != "" {
			c.tables[name] = struct{}{}
		}
	}
	return in, false
}

func (c *tableCollector) Leave(in ast.Node) (ast.Node, bool) {
	return in, true
}
