package report

import (
	"fmt"
	"io"
)

// RenderText writes a terminal view of a run summary: one row per case plus
// a regression section when a baseline was compared.
func RenderText(w io.Writer, s Summary) {
	fmt.Fprintf(w, "run %s  config %s (seq %d)\n", s.RunID, s.ConfigID, s.ConfigSeq)
	if s.BaselineID != "" {
		fmt.Fprintf(w, "baseline %s", s.BaselineID)
		if s.BaselineRunID != "" {
			fmt.Fprintf(w, " (run %s)", s.BaselineRunID)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "samples per case: %d\n\n", s.SamplesPerCase)

	fmt.Fprintf(w, "%-28s  %4s  %4s  %7s  %6s  %8s  %s\n",
		"Case", "Pass", "Fail", "Inconcl", "Rate", "Baseline", "Status")
	fmt.Fprintf(w, "%-28s  %4s  %4s  %7s  %6s  %8s  %s\n",
		"----------------------------", "----", "----", "-------", "------", "--------", "---------")
	for _, c := range s.Cases {
		fmt.Fprintf(w, "%-28s  %4d  %4d  %7d  %6s  %8s  %s\n",
			c.CaseID, c.Pass, c.Fail, c.Inconclusive,
			formatRate(c.PassRate), formatRate(c.BaselineRate), caseStatus(c))
	}

	if len(s.Regressions) > 0 {
		fmt.Fprintf(w, "\n%d case(s) regressed:\n", len(s.Regressions))
		for _, r := range s.Regressions {
			fmt.Fprintf(w, "  %s: %s -> %s\n", r.CaseID, percent(r.Before), percent(r.After))
		}
	} else if s.BaselineID != "" {
		fmt.Fprintf(w, "\nno regressions against %s\n", s.BaselineID)
	}

	if s.PromptTokens > 0 || s.CompletionTokens > 0 {
		fmt.Fprintf(w, "\ntokens: %d prompt, %d completion", s.PromptTokens, s.CompletionTokens)
		if s.CostUSD > 0 {
			fmt.Fprintf(w, "  cost: $%.4f", s.CostUSD)
		}
		fmt.Fprintln(w)
	}
	if s.UploadLocation != "" {
		fmt.Fprintf(w, "uploaded to %s\n", s.UploadLocation)
	}
}

func caseStatus(c CaseSummary) string {
	switch {
	case c.Regressed:
		return "REGRESSED"
	case c.PassRate == nil:
		return "no signal"
	case c.BaselineRate != nil && *c.PassRate > *c.BaselineRate:
		return "improved"
	default:
		return "ok"
	}
}

func formatRate(v *float64) string {
	if v == nil {
		return "-"
	}
	return percent(*v)
}

func percent(v float64) string {
	return fmt.Sprintf("%.0f%%", v*100)
}
