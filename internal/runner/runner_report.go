package runner

import (
	"context"
	"time"

	"squill/internal/recorder"
	"squill/internal/registry"
	"squill/internal/report"
	"squill/internal/util"

	"github.com/pkg/errors"
)

// finish folds record rates into the run summary, compares against the
// baseline's most recent run, and ships the artifact directory.
func (r *Runner) finish(ctx context.Context, run recorder.Run, rd report.RunDir, baselineID string, cases []registry.Case) (*Outcome, error) {
	rates, err := r.store.RatesForRun(run.ID)
	if err != nil {
		return nil, errors.Wrap(err, "fold rates")
	}

	var baselineRates []recorder.Rate
	var baselineRunID string
	if baselineID != "" {
		prev, ok, err := r.store.LatestRunForConfig(baselineID)
		if err != nil {
			return nil, errors.Wrapf(err, "look up baseline runs for %s", baselineID)
		}
		if ok {
			baselineRunID = prev.ID
			baselineRates, err = r.store.RatesForRun(prev.ID)
			if err != nil {
				return nil, errors.Wrapf(err, "fold baseline rates for run %s", prev.ID)
			}
		} else {
			util.Warnf("baseline %s has no recorded runs, skipping comparison", baselineID)
		}
	}

	questions := make(map[string]string, len(cases))
	for _, c := range cases {
		questions[c.ID] = c.Question
	}

	summary := report.BuildSummary(run, baselineRunID, rates, baselineRates, questions)
	summary.Backend = r.backend.Name()
	summary.FinishedAt = time.Now().UTC().Format(time.RFC3339)
	summary.RunInfo = r.cfg.RunInfo
	if usage, err := r.store.UsageForRun(run.ID); err == nil {
		summary.PromptTokens = usage.PromptTokens
		summary.CompletionTokens = usage.CompletionTokens
		summary.CostUSD = usage.CostUSD
	} else {
		util.Warnf("usage totals unavailable: %v", err)
	}

	if err := r.reporter.WriteSummary(rd, summary); err != nil {
		return nil, errors.Wrap(err, "write summary")
	}
	if r.cfg.ArchiveRuns {
		if name, codec, err := r.reporter.Archive(rd); err != nil {
			util.Warnf("run archive failed dir=%s err=%v", rd.Dir, err)
		} else {
			summary.ArchiveName = name
			summary.ArchiveCodec = codec
			_ = r.reporter.WriteSummary(rd, summary)
		}
	}
	if r.uploader.Enabled() {
		location, err := r.uploader.UploadDir(ctx, rd.Dir)
		if err != nil {
			util.Warnf("upload failed dir=%s err=%v", rd.Dir, err)
		} else if location != "" {
			summary.UploadLocation = location
			_ = r.reporter.WriteSummary(rd, summary)
			util.Infof("run artifacts uploaded to %s", location)
		}
	}

	r.statsMu.Lock()
	pass, fail, inconclusive, backendFails := r.passCount, r.failCount, r.inconclusive, r.backendFails
	r.statsMu.Unlock()
	util.Infof("suite run %s finished pass=%d fail=%d inconclusive=%d backend_failures=%d regressions=%d dir=%s",
		run.ID, pass, fail, inconclusive, backendFails, len(summary.Regressions), rd.Dir)
	for _, reg := range summary.Regressions {
		util.Errorf("regression %s: %.0f%% -> %.0f%% (baseline %s)", reg.CaseID, reg.Before*100, reg.After*100, baselineID)
	}

	return &Outcome{
		Run:         run,
		Summary:     summary,
		Rates:       rates,
		Regressions: summary.Regressions,
		RunDir:      rd.Dir,
	}, nil
}
