package executor

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"squill/internal/config"
	"squill/internal/util"

	"github.com/go-sql-driver/mysql"
	"github.com/pingcap/tidb/pkg/parser/ast"
	"github.com/pkg/errors"
)

// Executor runs vetted SELECT statements against the read-only snapshot.
// Each execution gets its own timeout and read-only transaction, so parallel
// case runs never observe partial state from a sibling.
type Executor struct {
	db       *sql.DB
	dsn      string
	database string
	timeout  time.Duration
	pingWait time.Duration
	maxRows  int
	guard    *Guard
}

// Open connects to the snapshot database described by cfg. The connection is
// verified lazily; call Ping before a run to fail fast on infrastructure.
func Open(cfg config.SnapshotConfig) (*Executor, error) {
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "open snapshot")
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Executor{
		db:       db,
		dsn:      cfg.DSN,
		database: cfg.Database,
		timeout:  time.Duration(cfg.StatementTimeoutMs) * time.Millisecond,
		pingWait: time.Duration(cfg.PingTimeoutMs) * time.Millisecond,
		maxRows:  cfg.MaxResultRows,
		guard:    NewGuard(),
	}, nil
}

// Close releases the connection pool.
func (e *Executor) Close() error {
	return e.db.Close()
}

// Ping verifies the snapshot is reachable. A down server and a missing
// snapshot database are both fatal, but the message tells them apart.
func (e *Executor) Ping(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, e.pingWait)
	defer cancel()
	err := e.db.PingContext(pctx)
	if err == nil {
		return nil
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == 1049 {
		return &Failure{Kind: KindUnreachable, Err: errors.Errorf("snapshot database %q does not exist", e.database)}
	}
	if server, serverErr := sql.Open("mysql", config.ServerDSN(e.dsn)); serverErr == nil {
		defer util.CloseWithErr(server, "server probe")
		if server.PingContext(pctx) == nil {
			return &Failure{Kind: KindUnreachable, Err: errors.Wrapf(err, "server is up but snapshot database %q is not usable", e.database)}
		}
	}
	return &Failure{Kind: KindUnreachable, Err: err}
}

// Execute vets sqlText, then runs it inside a read-only transaction under the
// statement timeout. Mutating statements are rejected before any driver call.
func (e *Executor) Execute(ctx context.Context, sqlText string) (*Result, error) {
	stmt, failure := e.guard.Vet(sqlText)
	if failure != nil {
		return nil, failure
	}
	qctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	tx, err := e.db.BeginTx(qctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, ClassifyQueryError(err)
	}
	defer func() { _ = tx.Rollback() }()
	rows, err := tx.QueryContext(qctx, sqlText)
	if err != nil {
		return nil, classifyWithTables(err, stmt)
	}
	defer util.CloseWithErr(rows, "snapshot rows")
	res, err := scanResult(rows, e.maxRows)
	if err != nil {
		return nil, ClassifyQueryError(err)
	}
	return res, nil
}

// classifyWithTables classifies err and, on a schema mismatch, names the
// tables the statement referenced so the recorded reason points at the gap
// between the generated query and the snapshot.
func classifyWithTables(err error, stmt ast.StmtNode) *Failure {
	failure := ClassifyQueryError(err)
	if failure != nil && failure.Kind == KindSchemaMismatch {
		if tables := ReferencedTables(stmt); len(tables) > 0 {
			failure.Err = errors.Wrapf(failure.Err, "statement references %s", strings.Join(tables, ", "))
		}
	}
	return failure
}

// Tables lists base tables visible in the snapshot database.
func (e *Executor) Tables(ctx context.Context) ([]string, error) {
	qctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	rows, err := e.db.QueryContext(qctx,
		"SELECT table_name FROM information_schema.tables WHERE table_schema = "+e.schemaExpr()+" AND table_type = 'BASE TABLE' ORDER BY table_name",
		e.schemaArgs()...)
	if err != nil {
		return nil, ClassifyQueryError(err)
	}
	defer util.CloseWithErr(rows, "table rows")
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// ColumnInfo describes one column of a snapshot table.
type ColumnInfo struct {
	Name string
	Type string
}

// Columns lists the columns of a snapshot table in ordinal order.
func (e *Executor) Columns(ctx context.Context, table string) ([]ColumnInfo, error) {
	qctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	args := append(e.schemaArgs(), table)
	rows, err := e.db.QueryContext(qctx,
		"SELECT column_name, data_type FROM information_schema.columns WHERE table_schema = "+e.schemaExpr()+" AND table_name = ? ORDER BY ordinal_position",
		args...)
	if err != nil {
		return nil, ClassifyQueryError(err)
	}
	defer util.CloseWithErr(rows, "column rows")
	var cols []ColumnInfo
	for rows.Next() {
		var col ColumnInfo
		if err := rows.Scan(&col.Name, &col.Type); err != nil {
			return nil, err
		}
		cols = append(cols, col)
	}
	return cols, rows.Err()
}

func (e *Executor) schemaExpr() string {
	if e.database == "" {
		return "DATABASE()"
	}
	return "?"
}

func (e *Executor) schemaArgs() []any {
	if e.database == "" {
		return nil
	}
	return []any{e.database}
}

func scanResult(rows *sql.Rows, maxRows int) (*Result, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	dbTypes := make([]string, len(colTypes))
	for i, ct := range colTypes {
		dbTypes[i] = ct.DatabaseTypeName()
	}
	res := &Result{Columns: cols}
	values := make([][]byte, len(cols))
	scanArgs := make([]any, len(cols))
	for i := range values {
		scanArgs[i] = &values[i]
	}
	for rows.Next() {
		if maxRows > 0 && len(res.Rows) >= maxRows {
			res.Truncated = true
			break
		}
		if err := rows.Scan(scanArgs...); err != nil {
			return nil, err
		}
		row := make([]Value, len(cols))
		for i, raw := range values {
			row[i] = NewValue(raw, dbTypes[i])
		}
		res.Rows = append(res.Rows, row)
	}
	return res, rows.Err()
}
