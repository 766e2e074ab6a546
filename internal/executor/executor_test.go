package executor

import (
	"context"
	"database/sql/driver"
	"fmt"
	"strings"
	"testing"

	"squill/internal/config"

	"github.com/go-sql-driver/mysql"
)

func TestGuardAcceptsSelects(t *testing.T) {
	guard := NewGuard()
	queries := []string{
		"SELECT 1",
		"SELECT year, SUM(population) FROM population_data GROUP BY year",
		"SELECT p.year FROM population_data p JOIN region r ON r.id = p.region_id WHERE r.name = 'World'",
		"WITH latest AS (SELECT MAX(year) y FROM population_data) SELECT * FROM latest",
		"SELECT 1 UNION SELECT 2",
	}
	for _, q := range queries {
		if _, failure := guard.Vet(q); failure != nil {
			t.Fatalf("vet %q: %v", q, failure)
		}
	}
}

func TestGuardRejectsUnsafe(t *testing.T) {
	guard := NewGuard()
	queries := []string{
		"DELETE FROM population_data",
		"UPDATE population_data SET population = 0 WHERE year = 2020",
		"INSERT INTO population_data (year) VALUES (2020)",
		"DROP TABLE population_data",
		"TRUNCATE TABLE population_data",
		"SELECT 1; SELECT 2",
	}
	for _, q := range queries {
		_, failure := guard.Vet(q)
		if failure == nil {
			t.Fatalf("vet %q: expected failure", q)
		}
		if failure.Kind != KindUnsafe {
			t.Fatalf("vet %q: kind=%s want %s", q, failure.Kind, KindUnsafe)
		}
	}
}

func TestGuardRejectsBadSyntax(t *testing.T) {
	guard := NewGuard()
	for _, q := range []string{"", "   ", "SELEC 1", "SELECT FROM WHERE"} {
		_, failure := guard.Vet(q)
		if failure == nil {
			t.Fatalf("vet %q: expected failure", q)
		}
		if failure.Kind != KindSyntax {
			t.Fatalf("vet %q: kind=%s want %s", q, failure.Kind, KindSyntax)
		}
	}
}

func TestExecuteRejectsUnsafeBeforeDialing(t *testing.T) {
	// Port 1 is never listening; if the guard let the statement through,
	// Execute would fail with an unreachable error instead of unsafe_query.
	exec, err := Open(config.SnapshotConfig{
		DSN:                "root:@tcp(127.0.0.1:1)/climate_snapshot",
		Database:           "climate_snapshot",
		StatementTimeoutMs: 1000,
		PingTimeoutMs:      100,
		MaxResultRows:      10,
		MaxOpenConns:       1,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer exec.Close()

	_, err = exec.Execute(context.Background(), "DELETE FROM population_data")
	failure, ok := AsFailure(err)
	if !ok {
		t.Fatalf("expected failure, got %v", err)
	}
	if failure.Kind != KindUnsafe {
		t.Fatalf("kind=%s want %s", failure.Kind, KindUnsafe)
	}
}

func TestReferencedTables(t *testing.T) {
	guard := NewGuard()
	stmt, failure := guard.Vet("SELECT p.year FROM population_data p JOIN region r ON r.id = p.region_id")
	if failure != nil {
		t.Fatalf("vet: %v", failure)
	}
	tables := ReferencedTables(stmt)
	if len(tables) != 2 || tables[0] != "population_data" || tables[1] != "region" {
		t.Fatalf("tables=%v", tables)
	}
}

func TestClassifySchemaMismatchNamesTables(t *testing.T) {
	guard := NewGuard()
	stmt, failure := guard.Vet("SELECT * FROM population_data JOIN region ON 1=1")
	if failure != nil {
		t.Fatalf("vet: %v", failure)
	}
	mismatch := &mysql.MySQLError{Number: 1146, Message: "Table 'climate.region' doesn't exist"}
	got := classifyWithTables(mismatch, stmt)
	if got.Kind != KindSchemaMismatch {
		t.Fatalf("kind=%s", got.Kind)
	}
	if !strings.Contains(got.Error(), "population_data, region") {
		t.Fatalf("reason %q does not name the referenced tables", got.Error())
	}
	timeout := classifyWithTables(&mysql.MySQLError{Number: 1317, Message: "interrupted"}, stmt)
	if strings.Contains(timeout.Error(), "references") {
		t.Fatalf("timeout reason %q should not name tables", timeout.Error())
	}
}

func TestClassifyQueryError(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{&mysql.MySQLError{Number: 1064, Message: "syntax error"}, KindSyntax},
		{&mysql.MySQLError{Number: 1146, Message: "Table 'climate.populaton' doesn't exist"}, KindSchemaMismatch},
		{&mysql.MySQLError{Number: 1054, Message: "Unknown column 'pop' in 'field list'"}, KindSchemaMismatch},
		{&mysql.MySQLError{Number: 1049, Message: "Unknown database"}, KindSchemaMismatch},
		{&mysql.MySQLError{Number: 1317, Message: "Query execution was interrupted"}, KindTimeout},
		{&mysql.MySQLError{Number: 1690, Message: "out of range"}, KindExecution},
		{fmt.Errorf("query: %w", context.DeadlineExceeded), KindTimeout},
		{driver.ErrBadConn, KindUnreachable},
		{fmt.Errorf("dial tcp: connection refused"), KindUnreachable},
		{fmt.Errorf("some runtime error"), KindExecution},
	}
	for _, tt := range tests {
		failure := ClassifyQueryError(tt.err)
		if failure == nil {
			t.Fatalf("classify %v: nil failure", tt.err)
		}
		if failure.Kind != tt.want {
			t.Fatalf("classify %v: kind=%s want %s", tt.err, failure.Kind, tt.want)
		}
	}
	if ClassifyQueryError(nil) != nil {
		t.Fatalf("classify nil should be nil")
	}
}

func TestClassifyPassesThroughFailure(t *testing.T) {
	orig := &Failure{Kind: KindUnsafe}
	if got := ClassifyQueryError(fmt.Errorf("wrapped: %w", orig)); got.Kind != KindUnsafe {
		t.Fatalf("kind=%s", got.Kind)
	}
}

func TestFailureFatal(t *testing.T) {
	if !(&Failure{Kind: KindUnreachable}).Fatal() {
		t.Fatalf("unreachable should be fatal")
	}
	for _, kind := range []Kind{KindSyntax, KindUnsafe, KindTimeout, KindSchemaMismatch, KindExecution} {
		if (&Failure{Kind: kind}).Fatal() {
			t.Fatalf("%s should not be fatal", kind)
		}
	}
}

func TestNewValueFamilies(t *testing.T) {
	if v := NewValue(nil, "INT"); !v.Null || v.Family != FamilyNull {
		t.Fatalf("null value: %+v", v)
	}
	if v := NewValue([]byte("42"), "BIGINT"); !v.IsNumber() || v.Num != 42 {
		t.Fatalf("int value: %+v", v)
	}
	if v := NewValue([]byte("1408526449"), "DECIMAL"); !v.IsNumber() || v.Num != 1408526449 {
		t.Fatalf("decimal value: %+v", v)
	}
	if v := NewValue([]byte("World"), "VARCHAR"); v.Family != FamilyString || v.Text != "World" {
		t.Fatalf("string value: %+v", v)
	}
	if v := NewValue([]byte("2020-01-01"), "DATE"); v.Family != FamilyTime {
		t.Fatalf("date value: %+v", v)
	}
	// Unparseable numerics degrade to strings instead of comparing as zero.
	if v := NewValue([]byte("12x"), "INT"); v.Family != FamilyString {
		t.Fatalf("bad numeric value: %+v", v)
	}
	if v := NewValue([]byte("x"), "GEOMETRY"); v.Family != FamilyOther {
		t.Fatalf("unknown type value: %+v", v)
	}
}

func TestResultColumnIndex(t *testing.T) {
	res := &Result{Columns: []string{"year", "china_population", "us_population"}}
	if idx := res.ColumnIndex("china_population"); idx != 1 {
		t.Fatalf("idx=%d", idx)
	}
	if idx := res.ColumnIndex("missing"); idx != -1 {
		t.Fatalf("idx=%d", idx)
	}
}
