package executor

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// Kind names a class of execution failure.
type Kind string

const (
	// KindSyntax covers SQL the snapshot (or the local parser) rejects.
	KindSyntax Kind = "syntax_error"
	// KindUnsafe covers statements that are not a single SELECT.
	KindUnsafe Kind = "unsafe_query"
	// KindTimeout covers executions that exceed the statement timeout.
	KindTimeout Kind = "execution_timeout"
	// KindSchemaMismatch covers references to tables or columns absent
	// from the snapshot.
	KindSchemaMismatch Kind = "schema_mismatch"
	// KindExecution covers the remaining per-query runtime errors.
	KindExecution Kind = "execution_error"
	// KindUnreachable means the snapshot itself cannot be reached. It is
	// the only kind that aborts a whole run.
	KindUnreachable Kind = "snapshot_unreachable"
)

// Failure classifies a rejected or failed execution.
type Failure struct {
	Kind Kind
	Err  error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Fatal reports whether the failure must abort the whole run instead of
// being recorded against a single sample.
func (f *Failure) Fatal() bool { return f.Kind == KindUnreachable }

// AsFailure extracts a *Failure from an error chain.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// mysql error codes that mean the query referenced schema objects missing
// from the snapshot.
// 1049 unknown database, 1054 unknown column, 1109 unknown table in field
// list, 1146 table doesn't exist.
var schemaMismatchCodes = map[uint16]struct{}{
	1049: {},
	1054: {},
	1109: {},
	1146: {},
}

// 1317 query interrupted (kill / deadline), 3024 server-side query timeout.
var timeoutCodes = map[uint16]struct{}{
	1317: {},
	3024: {},
}

// ClassifyQueryError maps a driver error onto the failure taxonomy.
func ClassifyQueryError(err error) *Failure {
	if err == nil {
		return nil
	}
	var failure *Failure
	if errors.As(err, &failure) {
		return failure
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Failure{Kind: KindTimeout, Err: err}
	}
	if isUnreachableErr(err) {
		return &Failure{Kind: KindUnreachable, Err: err}
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		if mysqlErr.Number == 1064 {
			return &Failure{Kind: KindSyntax, Err: err}
		}
		if _, ok := schemaMismatchCodes[mysqlErr.Number]; ok {
			return &Failure{Kind: KindSchemaMismatch, Err: err}
		}
		if _, ok := timeoutCodes[mysqlErr.Number]; ok {
			return &Failure{Kind: KindTimeout, Err: err}
		}
		return &Failure{Kind: KindExecution, Err: err}
	}
	return &Failure{Kind: KindExecution, Err: err}
}

func isUnreachableErr(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host")
}
