// Package replay re-executes recorded SQL against the current snapshot and
// re-judges it with the current oracles. Drift between the recorded verdict
// and the fresh one points at a changed snapshot, a changed oracle, or a
// query whose result is not stable.
package replay

import (
	"context"
	"fmt"

	"squill/internal/executor"
	"squill/internal/oracle"
	"squill/internal/recorder"
	"squill/internal/registry"
	"squill/internal/util"

	"github.com/pkg/errors"
)

// QueryExecutor runs one read-only statement against the snapshot.
type QueryExecutor interface {
	Execute(ctx context.Context, sqlText string) (*executor.Result, error)
}

// Options selects which recorded samples to replay.
type Options struct {
	RunID      string
	CaseID     string
	OnlyFailed bool
}

// Drift is a sample whose fresh verdict differs from the recorded one.
type Drift struct {
	CaseID   string
	Sample   int
	SQL      string
	Recorded oracle.Outcome
	Fresh    oracle.Outcome
	Reason   string
}

// Result summarizes one replay pass.
type Result struct {
	RunID    string
	ConfigID string
	Total    int
	Replayed int
	Skipped  int
	Drifted  []Drift
}

// Run replays the selected records of one suite run. Records without SQL
// (the backend never translated) and cases no longer in the registry are
// skipped, not errors.
func Run(ctx context.Context, store *recorder.Store, reg *registry.Registry, exec QueryExecutor, opts Options) (*Result, error) {
	run, err := resolveRun(store, opts.RunID)
	if err != nil {
		return nil, err
	}
	records, err := store.RecordsForRun(run.ID)
	if err != nil {
		return nil, err
	}

	res := &Result{RunID: run.ID, ConfigID: run.ConfigID, Total: len(records)}
	for _, rec := range records {
		if opts.CaseID != "" && rec.CaseID != opts.CaseID {
			continue
		}
		if opts.OnlyFailed && rec.Outcome != oracle.Fail {
			continue
		}
		if rec.SQL == "" {
			res.Skipped++
			continue
		}
		c, ok := reg.Case(rec.CaseID)
		if !ok {
			util.Warnf("case %s is no longer in the registry, skipping", rec.CaseID)
			res.Skipped++
			continue
		}
		fresh, err := replayOne(ctx, exec, c, rec.SQL)
		if err != nil {
			return nil, errors.Wrapf(err, "case %s sample %d", rec.CaseID, rec.Sample)
		}
		res.Replayed++
		if fresh.Outcome != rec.Outcome {
			res.Drifted = append(res.Drifted, Drift{
				CaseID:   rec.CaseID,
				Sample:   rec.Sample,
				SQL:      rec.SQL,
				Recorded: rec.Outcome,
				Fresh:    fresh.Outcome,
				Reason:   fresh.Reason,
			})
		}
	}
	return res, nil
}

// replayOne executes and judges a single recorded statement. Non-fatal
// execution failures become a fail verdict the same way the harness records
// them; only an unreachable snapshot aborts the replay.
func replayOne(ctx context.Context, exec QueryExecutor, c registry.Case, sqlText string) (oracle.Verdict, error) {
	result, err := exec.Execute(ctx, sqlText)
	if err != nil {
		if f, ok := executor.AsFailure(err); ok && !f.Fatal() {
			return oracle.Verdict{Outcome: oracle.Fail, Reason: f.Error()}, nil
		}
		return oracle.Verdict{}, err
	}
	return oracle.Compare(ctx, result, c.Assertions(), &oracle.Env{Ref: exec}), nil
}

func resolveRun(store *recorder.Store, runID string) (recorder.Run, error) {
	if runID != "" {
		run, ok, err := store.Run(runID)
		if err != nil {
			return recorder.Run{}, err
		}
		if !ok {
			return recorder.Run{}, errors.Errorf("unknown run %q", runID)
		}
		return run, nil
	}
	runs, err := store.Runs(1)
	if err != nil {
		return recorder.Run{}, err
	}
	if len(runs) == 0 {
		return recorder.Run{}, errors.New("the store has no recorded runs")
	}
	return runs[0], nil
}

// Describe renders a one line replay summary for logs.
func (r *Result) Describe() string {
	return fmt.Sprintf("run %s config %s: replayed %d of %d records, %d skipped, %d drifted",
		r.RunID, r.ConfigID, r.Replayed, r.Total, r.Skipped, len(r.Drifted))
}
