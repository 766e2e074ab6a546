package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"squill/internal/backend"
	"squill/internal/config"
	"squill/internal/executor"
	"squill/internal/oracle"
	"squill/internal/recorder"
	"squill/internal/registry"
	"squill/internal/report"

	"github.com/pkg/errors"
)

const testCases = `cases:
  - id: q1-city-count
    question: "How many cities have population over 100?"
    oracle:
      - type: row_count
        exact: 1
  - id: q2-city-list
    question: "List all cities over 100"
    oracle:
      - type: row_count
        min: 1
`

const testConfigV1 = `id: v1-baseline
seq: 1
notes: "schema descriptions only"
artifacts:
  - kind: description
    scope: city
    text: "city(id, name, population)"
`

const testConfigV2 = `id: v2-with-example
seq: 2
parent: v1-baseline
artifacts:
  - kind: description
    scope: city
    text: "city(id, name, population)"
  - kind: example
    question: "How many rows does city have?"
    sql: "SELECT COUNT(*) FROM city"
`

func writeTestRegistry(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"cases.yaml":      testCases,
		"configs/v1.yaml": testConfigV1,
		"configs/v2.yaml": testConfigV2,
	}
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", path, err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	return dir
}

// testHarness builds a runner config plus real registry, store, and reporter
// on temp dirs. Tests plug in their backend and executor fakes.
func testHarness(t *testing.T) (config.Config, Deps) {
	t.Helper()
	regDir := writeTestRegistry(t)
	reg, err := registry.Load(regDir)
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	store, err := recorder.Open(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	outputDir := t.TempDir()
	cfg := config.Config{
		RegistryDir:    regDir,
		OutputDir:      outputDir,
		SamplesPerCase: 2,
		Workers:        2,
	}
	deps := Deps{
		Registry: reg,
		Store:    store,
		Reporter: report.New(outputDir, 20),
	}
	return cfg, deps
}

type fakeBackend struct {
	mu    sync.Mutex
	calls int
	fn    func(req backend.Request, call int) (*backend.Response, error)
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Translate(_ context.Context, req backend.Request) (*backend.Response, error) {
	f.mu.Lock()
	call := f.calls
	f.calls++
	f.mu.Unlock()
	return f.fn(req, call)
}

func respondWith(sqlText string) *fakeBackend {
	return &fakeBackend{fn: func(backend.Request, int) (*backend.Response, error) {
		return &backend.Response{
			SQL:         sqlText,
			RawResponse: `{"sql":"` + sqlText + `"}`,
			Usage:       backend.Usage{PromptTokens: 100, CompletionTokens: 10, CostUSD: 0.001},
		}, nil
	}}
}

type fakeExec struct {
	mu      sync.Mutex
	results map[string]*executor.Result
	errs    map[string]error
	pingErr error
}

func (f *fakeExec) Execute(_ context.Context, sqlText string) (*executor.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[sqlText]; ok {
		return nil, err
	}
	if res, ok := f.results[sqlText]; ok {
		return res, nil
	}
	return nil, &executor.Failure{Kind: executor.KindSchemaMismatch, Err: errors.Errorf("no fixture for %q", sqlText)}
}

func (f *fakeExec) Ping(context.Context) error { return f.pingErr }

func (f *fakeExec) Close() error { return nil }

func countRows(n int) *executor.Result {
	rows := make([][]executor.Value, n)
	for i := range rows {
		rows[i] = []executor.Value{executor.NumberValue(float64(100 + i))}
	}
	return &executor.Result{Columns: []string{"cnt"}, Rows: rows}
}

func rateFor(t *testing.T, rates []recorder.Rate, caseID string) recorder.Rate {
	t.Helper()
	for _, r := range rates {
		if r.CaseID == caseID {
			return r
		}
	}
	t.Fatalf("no rate for case %s in %+v", caseID, rates)
	return recorder.Rate{}
}

func TestRunRecordsEverySample(t *testing.T) {
	cfg, deps := testHarness(t)
	deps.Backend = respondWith("GOOD")
	deps.Executor = &fakeExec{results: map[string]*executor.Result{"GOOD": countRows(1)}}

	outcome, err := New(cfg, deps).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if outcome.Run.ConfigID != "v2-with-example" {
		t.Fatalf("expected latest version as target, got %s", outcome.Run.ConfigID)
	}
	records, err := deps.Store.RecordsForRun(outcome.Run.ID)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("2 cases x 2 samples = 4 records, got %d", len(records))
	}
	q1 := rateFor(t, outcome.Rates, "q1-city-count")
	if q1.Pass != 2 || q1.Fail != 0 {
		t.Fatalf("q1 rate: %+v", q1)
	}
	// Baseline v1 has no recorded runs yet, so nothing can regress.
	if len(outcome.Regressions) != 0 {
		t.Fatalf("unexpected regressions: %+v", outcome.Regressions)
	}

	if _, err := os.Stat(filepath.Join(outcome.RunDir, "summary.json")); err != nil {
		t.Fatalf("summary.json: %v", err)
	}
	if _, err := os.Stat(filepath.Join(outcome.RunDir, "cases", "q1-city-count", "sample_00.json")); err != nil {
		t.Fatalf("sample artifact: %v", err)
	}
	if outcome.Summary.PromptTokens != 400 {
		t.Fatalf("usage not folded into summary: %+v", outcome.Summary.PromptTokens)
	}
}

func TestRunFlagsRegressionAgainstPreviousVersion(t *testing.T) {
	cfg, deps := testHarness(t)
	ex := &fakeExec{results: map[string]*executor.Result{
		"GOOD": countRows(1),
		"BAD":  countRows(2),
	}}
	deps.Executor = ex

	// First run pins the old version and passes everything.
	v1cfg := cfg
	v1cfg.ConfigVersion = "v1-baseline"
	deps.Backend = respondWith("GOOD")
	first, err := New(v1cfg, deps).Run(context.Background())
	if err != nil {
		t.Fatalf("baseline run: %v", err)
	}
	if len(first.Regressions) != 0 {
		t.Fatalf("baseline run regressed: %+v", first.Regressions)
	}

	// Second run targets the latest version with a worse translation:
	// two result rows fail q1's exact count but still satisfy q2's minimum.
	deps.Backend = respondWith("BAD")
	second, err := New(cfg, deps).Run(context.Background())
	if err != nil {
		t.Fatalf("current run: %v", err)
	}

	if len(second.Regressions) != 1 {
		t.Fatalf("expected exactly one regression, got %+v", second.Regressions)
	}
	reg := second.Regressions[0]
	if reg.CaseID != "q1-city-count" || reg.Before != 1.0 || reg.After != 0.0 {
		t.Fatalf("unexpected regression: %+v", reg)
	}
	if second.Summary.BaselineRunID != first.Run.ID {
		t.Fatalf("baseline run id %q, want %q", second.Summary.BaselineRunID, first.Run.ID)
	}
	q2 := rateFor(t, second.Rates, "q2-city-list")
	if q2.Pass != 2 {
		t.Fatalf("q2 should still pass on min bound: %+v", q2)
	}
}

func TestBackendFailuresAreRecordedNotFatal(t *testing.T) {
	cfg, deps := testHarness(t)
	deps.Executor = &fakeExec{}
	deps.Backend = &fakeBackend{fn: func(backend.Request, int) (*backend.Response, error) {
		return nil, &backend.Failure{Kind: backend.KindRefused, Err: errors.New("question outside schema")}
	}}

	outcome, err := New(cfg, deps).Run(context.Background())
	if err != nil {
		t.Fatalf("adapter failures must not abort the run: %v", err)
	}

	records, err := deps.Store.RecordsForRun(outcome.Run.ID)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("every refused sample must be recorded, got %d records", len(records))
	}
	for _, rec := range records {
		if rec.Outcome != oracle.Fail {
			t.Fatalf("refused sample recorded as %s", rec.Outcome)
		}
		if !strings.Contains(rec.Reason, "backend_refused") {
			t.Fatalf("reason should name the failure kind: %q", rec.Reason)
		}
		if rec.FailureKind != string(backend.KindRefused) {
			t.Fatalf("failure kind = %q, want %s", rec.FailureKind, backend.KindRefused)
		}
		if rec.SQL != "" {
			t.Fatalf("refused sample has no SQL, got %q", rec.SQL)
		}
	}
}

func TestExecutorFailuresBecomeFailedSamples(t *testing.T) {
	cfg, deps := testHarness(t)
	deps.Backend = respondWith("DROP TABLE city")
	deps.Executor = &fakeExec{errs: map[string]error{
		"DROP TABLE city": &executor.Failure{Kind: executor.KindUnsafe, Err: errors.New("only a single SELECT is allowed")},
	}}

	outcome, err := New(cfg, deps).Run(context.Background())
	if err != nil {
		t.Fatalf("unsafe SQL must fail the sample, not the run: %v", err)
	}
	q1 := rateFor(t, outcome.Rates, "q1-city-count")
	if q1.Fail != 2 || q1.Pass != 0 {
		t.Fatalf("q1 rate: %+v", q1)
	}
	records, _ := deps.Store.RecordsForRun(outcome.Run.ID)
	for _, rec := range records {
		if !strings.Contains(rec.Reason, "unsafe_query") {
			t.Fatalf("reason should carry the failure kind: %q", rec.Reason)
		}
		if rec.FailureKind != string(executor.KindUnsafe) {
			t.Fatalf("failure kind = %q, want %s", rec.FailureKind, executor.KindUnsafe)
		}
	}
}

func TestUnreachableSnapshotAbortsRun(t *testing.T) {
	cfg, deps := testHarness(t)
	deps.Backend = respondWith("GOOD")
	deps.Executor = &fakeExec{errs: map[string]error{
		"GOOD": &executor.Failure{Kind: executor.KindUnreachable, Err: errors.New("dial tcp 10.0.0.5:4000: connection refused")},
	}}

	outcome, err := New(cfg, deps).Run(context.Background())
	if err == nil {
		t.Fatalf("unreachable snapshot must abort, got outcome %+v", outcome)
	}
	f, ok := executor.AsFailure(err)
	if !ok || !f.Fatal() {
		t.Fatalf("expected a fatal snapshot failure, got %v", err)
	}
}

func TestUnknownConfigVersionIsFatal(t *testing.T) {
	cfg, deps := testHarness(t)
	cfg.ConfigVersion = "v9-missing"
	deps.Backend = respondWith("GOOD")
	deps.Executor = &fakeExec{}

	if _, err := New(cfg, deps).Run(context.Background()); err == nil {
		t.Fatal("unknown version must be fatal")
	}
}
