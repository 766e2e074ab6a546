package runner

import (
	"context"
	"time"

	"squill/internal/backend"
	"squill/internal/executor"
	"squill/internal/oracle"
	"squill/internal/recorder"
	"squill/internal/registry"
	"squill/internal/report"
	"squill/internal/util"

	"github.com/pkg/errors"
)

// runCase draws every sample for one case. Samples run sequentially within
// the case; parallelism comes from the case-level worker pool.
func (r *Runner) runCase(ctx context.Context, run recorder.Run, rd report.RunDir, c registry.Case, items []backend.ContextItem, abort func(error)) {
	for sample := 0; sample < run.Samples; sample++ {
		if ctx.Err() != nil {
			return
		}
		r.runSample(ctx, run, rd, c, items, sample, abort)
	}
	r.statsMu.Lock()
	r.casesDone++
	r.statsMu.Unlock()
}

// runSample asks the backend for one translation, executes it against the
// snapshot, and judges the result. Backend and executor failures become
// failed samples; only an unreachable snapshot aborts the run.
func (r *Runner) runSample(ctx context.Context, run recorder.Run, rd report.RunDir, c registry.Case, items []backend.ContextItem, sample int, abort func(error)) {
	rec := recorder.Record{
		RunID:    run.ID,
		CaseID:   c.ID,
		Sample:   sample,
		ConfigID: run.ConfigID,
	}

	start := time.Now()
	resp, err := r.backend.Translate(ctx, backend.Request{CaseID: c.ID, Question: c.Question, Context: items})
	rec.Latency = time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		rec.Outcome = oracle.Fail
		rec.Reason = err.Error()
		if f, ok := backend.AsFailure(err); ok {
			rec.FailureKind = string(f.Kind)
		}
		util.Warnf("case %s sample %d backend failure: %v", c.ID, sample, err)
		r.bumpBackendFailure()
		r.persist(rd, rec, nil, abort)
		return
	}
	rec.SQL = resp.SQL
	rec.RawResponse = resp.RawResponse
	rec.PromptTokens = resp.Usage.PromptTokens
	rec.CompletionTokens = resp.Usage.CompletionTokens
	rec.CostUSD = resp.Usage.CostUSD

	res, execErr := r.exec.Execute(ctx, resp.SQL)
	if execErr != nil {
		f, isFailure := executor.AsFailure(execErr)
		if isFailure && f.Fatal() {
			abort(errors.Wrapf(execErr, "case %s", c.ID))
			return
		}
		// A canceled run context surfaces as a timeout here; drop it
		// rather than record a verdict the query never earned.
		if ctx.Err() != nil {
			return
		}
		rec.Outcome = oracle.Fail
		rec.Reason = execErr.Error()
		if isFailure {
			rec.FailureKind = string(f.Kind)
		}
		r.persist(rd, rec, nil, abort)
		return
	}

	verdict := oracle.Compare(ctx, res, c.Assertions(), &oracle.Env{Ref: r.exec})
	rec.Outcome = verdict.Outcome
	rec.Reason = verdict.Reason
	rec.Checks = verdict.Checks
	if r.cfg.Logging.Verbose {
		util.Detailf("case %s sample %d %s rows=%d latency=%s", c.ID, sample, rec.Outcome, len(res.Rows), rec.Latency.Round(time.Millisecond))
	}
	r.persist(rd, rec, res, abort)
}

// persist appends the record and writes the sample artifact. A store failure
// is infrastructure and aborts the run; a lost artifact file only warns.
func (r *Runner) persist(rd report.RunDir, rec recorder.Record, res *executor.Result, abort func(error)) {
	if err := r.store.Record(rec); err != nil {
		abort(errors.Wrapf(err, "record case %s sample %d", rec.CaseID, rec.Sample))
		return
	}
	r.bumpOutcome(rec.Outcome)

	sr := report.SampleReport{
		CaseID:      rec.CaseID,
		Sample:      rec.Sample,
		ConfigID:    rec.ConfigID,
		SQL:         rec.SQL,
		RawResponse: rec.RawResponse,
		Outcome:     rec.Outcome,
		Reason:      rec.Reason,
		FailureKind: rec.FailureKind,
		Checks:      rec.Checks,
		LatencyMS:   rec.Latency.Milliseconds(),
	}
	if res != nil {
		sr.Columns = res.Columns
		sr.Rows, sr.RowsTruncated = report.ResultCells(res, r.reporter.MaxResultRows)
	}
	if err := r.reporter.WriteSample(rd, sr); err != nil {
		util.Warnf("case %s sample %d artifact write failed: %v", rec.CaseID, rec.Sample, err)
	}
}
