// Package recorder persists suite runs and per-sample records in SQLite.
// The store is append-only: records are inserted and never updated or
// deleted, so history is a faithful log of everything the harness judged.
package recorder

import (
	"database/sql"
	"encoding/json"
	"time"

	"squill/internal/oracle"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS suite_runs (
	run_id      TEXT PRIMARY KEY,
	config_id   TEXT NOT NULL,
	config_seq  INTEGER NOT NULL,
	baseline_id TEXT,
	samples     INTEGER NOT NULL,
	started_at  TEXT NOT NULL,
	notes       TEXT
);

CREATE TABLE IF NOT EXISTS run_records (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id            TEXT NOT NULL,
	case_id           TEXT NOT NULL,
	sample            INTEGER NOT NULL,
	config_id         TEXT NOT NULL,
	sql_text          TEXT NOT NULL,
	raw_response      TEXT NOT NULL,
	outcome           TEXT NOT NULL,
	reason            TEXT,
	failure_kind      TEXT,
	checks_json       TEXT,
	latency_ms        INTEGER NOT NULL,
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd          REAL NOT NULL DEFAULT 0,
	created_at        TEXT NOT NULL,
	FOREIGN KEY (run_id) REFERENCES suite_runs(run_id)
);

CREATE INDEX IF NOT EXISTS idx_records_case ON run_records(case_id, created_at);
CREATE INDEX IF NOT EXISTS idx_records_run ON run_records(run_id);
`

// Run is one suite execution against a single configuration version.
type Run struct {
	ID        string
	ConfigID  string
	ConfigSeq int
	Baseline  string
	Samples   int
	StartedAt time.Time
	Notes     string
}

// Record is one judged sample for one case.
type Record struct {
	RunID            string
	CaseID           string
	Sample           int
	ConfigID         string
	SQL              string
	RawResponse      string
	Outcome          oracle.Outcome
	Reason           string
	FailureKind      string
	Checks           []oracle.Check
	Latency          time.Duration
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
	CreatedAt        time.Time
}

// Usage totals token and cost accounting across a run.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	CostUSD          float64
}

// Rate aggregates sample verdicts for one case within one run.
type Rate struct {
	CaseID       string
	Pass         int
	Fail         int
	Inconclusive int
}

// PassRate returns pass/(pass+fail). ok is false when every sample was
// inconclusive and the case has no measurable rate.
func (r Rate) PassRate() (float64, bool) {
	conclusive := r.Pass + r.Fail
	if conclusive == 0 {
		return 0, false
	}
	return float64(r.Pass) / float64(conclusive), true
}

// Store is the SQLite-backed run log.
type Store struct {
	db *sql.DB
}

// Open opens or creates the store at path and runs migrations. A single
// connection plus WAL keeps concurrent writers from tripping over each other.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open store")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return nil, errors.Wrapf(err, "%s", pragma)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, errors.Wrap(err, "migrate store")
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// StartRun registers a new suite run and returns it with a fresh id.
func (s *Store) StartRun(configID string, configSeq int, baseline string, samples int, notes string) (Run, error) {
	run := Run{
		ID:        newID(),
		ConfigID:  configID,
		ConfigSeq: configSeq,
		Baseline:  baseline,
		Samples:   samples,
		StartedAt: time.Now().UTC(),
		Notes:     notes,
	}
	_, err := s.db.Exec(
		`INSERT INTO suite_runs (run_id, config_id, config_seq, baseline_id, samples, started_at, notes)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ConfigID, run.ConfigSeq, nullable(run.Baseline), run.Samples,
		run.StartedAt.Format(time.RFC3339Nano), nullable(run.Notes),
	)
	if err != nil {
		return Run{}, errors.Wrap(err, "insert run")
	}
	return run, nil
}

// Record appends one judged sample. It never updates existing rows.
func (s *Store) Record(rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	var checksJSON any
	if len(rec.Checks) > 0 {
		encoded, err := json.Marshal(rec.Checks)
		if err != nil {
			return errors.Wrap(err, "encode checks")
		}
		checksJSON = string(encoded)
	}
	_, err := s.db.Exec(
		`INSERT INTO run_records (run_id, case_id, sample, config_id, sql_text, raw_response, outcome, reason, failure_kind,
		                          checks_json, latency_ms, prompt_tokens, completion_tokens, cost_usd, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.CaseID, rec.Sample, rec.ConfigID, rec.SQL, rec.RawResponse,
		string(rec.Outcome), nullable(rec.Reason), nullable(rec.FailureKind), checksJSON,
		rec.Latency.Milliseconds(), rec.PromptTokens, rec.CompletionTokens, rec.CostUSD,
		rec.CreatedAt.Format(time.RFC3339Nano),
	)
	return errors.Wrap(err, "insert record")
}

const recordColumns = `run_id, case_id, sample, config_id, sql_text, raw_response, outcome, reason, failure_kind,
	checks_json, latency_ms, prompt_tokens, completion_tokens, cost_usd, created_at`

// History returns every record for a case across all runs, oldest first.
func (s *Store) History(caseID string) ([]Record, error) {
	rows, err := s.db.Query(
		`SELECT `+recordColumns+` FROM run_records WHERE case_id = ? ORDER BY created_at, id`, caseID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query history")
	}
	return scanRecords(rows)
}

// RecordsForRun returns every record of one run in insertion order.
func (s *Store) RecordsForRun(runID string) ([]Record, error) {
	rows, err := s.db.Query(
		`SELECT `+recordColumns+` FROM run_records WHERE run_id = ? ORDER BY id`, runID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query run records")
	}
	return scanRecords(rows)
}

// UsageForRun totals the token and cost accounting of one run.
func (s *Store) UsageForRun(runID string) (Usage, error) {
	var u Usage
	err := s.db.QueryRow(
		`SELECT COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM run_records WHERE run_id = ?`, runID,
	).Scan(&u.PromptTokens, &u.CompletionTokens, &u.CostUSD)
	return u, errors.Wrap(err, "query usage")
}

// RatesForRun folds a run's records into per-case verdict counts, sorted by
// case id.
func (s *Store) RatesForRun(runID string) ([]Rate, error) {
	rows, err := s.db.Query(
		`SELECT case_id, outcome, COUNT(*) FROM run_records
		 WHERE run_id = ? GROUP BY case_id, outcome ORDER BY case_id`, runID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query rates")
	}
	defer rows.Close()

	var rates []Rate
	byCase := make(map[string]int)
	for rows.Next() {
		var caseID, outcome string
		var count int
		if err := rows.Scan(&caseID, &outcome, &count); err != nil {
			return nil, errors.Wrap(err, "scan rate")
		}
		i, ok := byCase[caseID]
		if !ok {
			rates = append(rates, Rate{CaseID: caseID})
			i = len(rates) - 1
			byCase[caseID] = i
		}
		switch oracle.Outcome(outcome) {
		case oracle.Pass:
			rates[i].Pass = count
		case oracle.Fail:
			rates[i].Fail = count
		case oracle.Inconclusive:
			rates[i].Inconclusive = count
		}
	}
	return rates, rows.Err()
}

// Run fetches one suite run by id.
func (s *Store) Run(runID string) (Run, bool, error) {
	run, err := scanRun(s.db.QueryRow(
		`SELECT run_id, config_id, config_seq, baseline_id, samples, started_at, notes
		 FROM suite_runs WHERE run_id = ?`, runID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, false, nil
	}
	if err != nil {
		return Run{}, false, err
	}
	return run, true, nil
}

// LatestRunForConfig returns the most recent run recorded against a
// configuration version.
func (s *Store) LatestRunForConfig(configID string) (Run, bool, error) {
	run, err := scanRun(s.db.QueryRow(
		`SELECT run_id, config_id, config_seq, baseline_id, samples, started_at, notes
		 FROM suite_runs WHERE config_id = ? ORDER BY started_at DESC, run_id DESC LIMIT 1`, configID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, false, nil
	}
	if err != nil {
		return Run{}, false, err
	}
	return run, true, nil
}

// Runs lists the most recent suite runs, newest first.
func (s *Store) Runs(limit int) ([]Run, error) {
	rows, err := s.db.Query(
		`SELECT run_id, config_id, config_seq, baseline_id, samples, started_at, notes
		 FROM suite_runs ORDER BY started_at DESC, run_id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var run Run
	var baseline, notes sql.NullString
	var started string
	err := row.Scan(&run.ID, &run.ConfigID, &run.ConfigSeq, &baseline, &run.Samples, &started, &notes)
	if err != nil {
		return Run{}, errors.WithStack(err)
	}
	run.Baseline = baseline.String
	run.Notes = notes.String
	run.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
	return run, nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var outcome, created string
		var reason, failureKind, checksJSON sql.NullString
		var latencyMS int64
		if err := rows.Scan(&rec.RunID, &rec.CaseID, &rec.Sample, &rec.ConfigID, &rec.SQL,
			&rec.RawResponse, &outcome, &reason, &failureKind, &checksJSON, &latencyMS,
			&rec.PromptTokens, &rec.CompletionTokens, &rec.CostUSD, &created); err != nil {
			return nil, errors.Wrap(err, "scan record")
		}
		rec.Outcome = oracle.Outcome(outcome)
		rec.Reason = reason.String
		rec.FailureKind = failureKind.String
		if checksJSON.Valid {
			if err := json.Unmarshal([]byte(checksJSON.String), &rec.Checks); err != nil {
				return nil, errors.Wrap(err, "decode checks")
			}
		}
		rec.Latency = time.Duration(latencyMS) * time.Millisecond
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
