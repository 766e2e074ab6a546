package report

import (
	"sort"
	"time"

	"squill/internal/recorder"
)

// Regressions lists the cases whose pass rate strictly decreased between the
// baseline run and the current one. A case with no conclusive sample on
// either side carries no rate and is skipped, never compared.
func Regressions(baseline, current []recorder.Rate) []Regression {
	prev := make(map[string]recorder.Rate, len(baseline))
	for _, r := range baseline {
		prev[r.CaseID] = r
	}
	var out []Regression
	for _, cur := range current {
		after, ok := cur.PassRate()
		if !ok {
			continue
		}
		base, found := prev[cur.CaseID]
		if !found {
			continue
		}
		before, ok := base.PassRate()
		if !ok {
			continue
		}
		if after < before {
			out = append(out, Regression{CaseID: cur.CaseID, Before: before, After: after})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CaseID < out[j].CaseID })
	return out
}

// BuildSummary folds run metadata and per-case rates into a Summary. The
// caller fills in whatever it learns later (finish time, usage totals,
// archive and upload locations). questions maps case ids to their natural
// language questions for display.
func BuildSummary(run recorder.Run, baselineRunID string, current, baseline []recorder.Rate, questions map[string]string) Summary {
	prev := make(map[string]recorder.Rate, len(baseline))
	for _, r := range baseline {
		prev[r.CaseID] = r
	}
	regressions := Regressions(baseline, current)
	regressed := make(map[string]bool, len(regressions))
	for _, r := range regressions {
		regressed[r.CaseID] = true
	}

	cases := make([]CaseSummary, 0, len(current))
	for _, r := range current {
		cs := CaseSummary{
			CaseID:       r.CaseID,
			Question:     questions[r.CaseID],
			Pass:         r.Pass,
			Fail:         r.Fail,
			Inconclusive: r.Inconclusive,
			Regressed:    regressed[r.CaseID],
		}
		if rate, ok := r.PassRate(); ok {
			v := rate
			cs.PassRate = &v
		}
		if base, ok := prev[r.CaseID]; ok {
			if rate, ok := base.PassRate(); ok {
				v := rate
				cs.BaselineRate = &v
			}
		}
		cases = append(cases, cs)
	}
	sort.Slice(cases, func(i, j int) bool { return cases[i].CaseID < cases[j].CaseID })

	return Summary{
		RunID:          run.ID,
		ConfigID:       run.ConfigID,
		ConfigSeq:      run.ConfigSeq,
		BaselineID:     run.Baseline,
		BaselineRunID:  baselineRunID,
		SamplesPerCase: run.Samples,
		StartedAt:      run.StartedAt.UTC().Format(time.RFC3339),
		Cases:          cases,
		Regressions:    regressions,
	}
}
