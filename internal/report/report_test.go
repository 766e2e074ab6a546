package report

import (
	"archive/tar"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"squill/internal/oracle"
	"squill/internal/recorder"

	"github.com/klauspost/compress/zstd"
)

func rate(caseID string, pass, fail, inconclusive int) recorder.Rate {
	return recorder.Rate{CaseID: caseID, Pass: pass, Fail: fail, Inconclusive: inconclusive}
}

func TestRegressionsStrictDecrease(t *testing.T) {
	baseline := []recorder.Rate{
		rate("q1-over-100", 4, 0, 0),
		rate("q2-top-city", 2, 2, 0),
		rate("q3-avg-area", 0, 0, 4),
	}
	current := []recorder.Rate{
		rate("q1-over-100", 2, 2, 0),
		rate("q2-top-city", 2, 2, 0),
		rate("q3-avg-area", 4, 0, 0),
		rate("q9-brand-new", 0, 4, 0),
	}

	got := Regressions(baseline, current)
	if len(got) != 1 {
		t.Fatalf("expected exactly one regression, got %d: %+v", len(got), got)
	}
	r := got[0]
	if r.CaseID != "q1-over-100" || r.Before != 1.0 || r.After != 0.5 {
		t.Fatalf("unexpected regression: %+v", r)
	}
}

func TestRegressionsSkipCasesWithoutRate(t *testing.T) {
	baseline := []recorder.Rate{rate("q1", 4, 0, 0)}
	current := []recorder.Rate{rate("q1", 0, 0, 4)}

	if got := Regressions(baseline, current); len(got) != 0 {
		t.Fatalf("all-inconclusive case must not count as a regression, got %+v", got)
	}
}

func TestRegressionsSorted(t *testing.T) {
	baseline := []recorder.Rate{rate("zz", 4, 0, 0), rate("aa", 4, 0, 0)}
	current := []recorder.Rate{rate("zz", 0, 4, 0), rate("aa", 0, 4, 0)}

	got := Regressions(baseline, current)
	if len(got) != 2 || got[0].CaseID != "aa" || got[1].CaseID != "zz" {
		t.Fatalf("expected regressions sorted by case id, got %+v", got)
	}
}

func TestBuildSummary(t *testing.T) {
	run := recorder.Run{
		ID:        "run-7",
		ConfigID:  "v2-world-example",
		ConfigSeq: 2,
		Baseline:  "v1-baseline",
		Samples:   4,
		StartedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	baseline := []recorder.Rate{rate("q1", 4, 0, 0), rate("q2", 0, 0, 4)}
	current := []recorder.Rate{rate("q2", 3, 1, 0), rate("q1", 1, 3, 0)}
	questions := map[string]string{"q1": "How many countries have over 100 cities?"}

	s := BuildSummary(run, "run-6", current, baseline, questions)

	if s.RunID != "run-7" || s.ConfigID != "v2-world-example" || s.BaselineRunID != "run-6" {
		t.Fatalf("run metadata not carried over: %+v", s)
	}
	if s.StartedAt != "2026-03-01T09:00:00Z" {
		t.Fatalf("unexpected started_at %q", s.StartedAt)
	}
	if len(s.Cases) != 2 || s.Cases[0].CaseID != "q1" || s.Cases[1].CaseID != "q2" {
		t.Fatalf("cases must be sorted by id, got %+v", s.Cases)
	}

	q1 := s.Cases[0]
	if !q1.Regressed {
		t.Fatalf("q1 dropped from 100%% to 25%% and must be flagged: %+v", q1)
	}
	if q1.PassRate == nil || *q1.PassRate != 0.25 {
		t.Fatalf("q1 pass rate: %+v", q1.PassRate)
	}
	if q1.BaselineRate == nil || *q1.BaselineRate != 1.0 {
		t.Fatalf("q1 baseline rate: %+v", q1.BaselineRate)
	}
	if q1.Question != "How many countries have over 100 cities?" {
		t.Fatalf("q1 question: %q", q1.Question)
	}

	q2 := s.Cases[1]
	if q2.Regressed {
		t.Fatalf("q2 had no baseline rate and must not be flagged: %+v", q2)
	}
	if q2.BaselineRate != nil {
		t.Fatalf("q2 baseline was all inconclusive, rate must be absent: %v", *q2.BaselineRate)
	}

	if len(s.Regressions) != 1 || s.Regressions[0].CaseID != "q1" {
		t.Fatalf("unexpected regressions: %+v", s.Regressions)
	}
}

func TestWriteSampleLayout(t *testing.T) {
	rep := New(t.TempDir(), 50)
	rd, err := rep.NewRun(recorder.Run{ID: "run-1", StartedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)})
	if err != nil {
		t.Fatalf("new run: %v", err)
	}

	err = rep.WriteSample(rd, SampleReport{
		CaseID:  "q1",
		Sample:  0,
		SQL:     "SELECT COUNT(*) FROM city",
		Outcome: oracle.Pass,
	})
	if err != nil {
		t.Fatalf("write sample: %v", err)
	}
	// A refused sample has no SQL and must not leave an empty .sql file.
	err = rep.WriteSample(rd, SampleReport{
		CaseID:  "q1",
		Sample:  1,
		Outcome: oracle.Fail,
		Reason:  "backend refused",
	})
	if err != nil {
		t.Fatalf("write refused sample: %v", err)
	}

	caseDir := filepath.Join(rd.Dir, "cases", "q1")
	if _, err := os.Stat(filepath.Join(caseDir, "sample_00.sql")); err != nil {
		t.Fatalf("sample_00.sql: %v", err)
	}
	if _, err := os.Stat(filepath.Join(caseDir, "sample_00.json")); err != nil {
		t.Fatalf("sample_00.json: %v", err)
	}
	if _, err := os.Stat(filepath.Join(caseDir, "sample_01.json")); err != nil {
		t.Fatalf("sample_01.json: %v", err)
	}
	if _, err := os.Stat(filepath.Join(caseDir, "sample_01.sql")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("sample_01.sql should not exist, stat err = %v", err)
	}
}

func TestArchiveRoundTrip(t *testing.T) {
	rep := New(t.TempDir(), 50)
	rd, err := rep.NewRun(recorder.Run{ID: "run-1", StartedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)})
	if err != nil {
		t.Fatalf("new run: %v", err)
	}
	if err := rep.WriteSummary(rd, Summary{RunID: "run-1"}); err != nil {
		t.Fatalf("write summary: %v", err)
	}
	if err := rep.WriteSample(rd, SampleReport{CaseID: "q1", Sample: 0, SQL: "SELECT 1", Outcome: oracle.Pass}); err != nil {
		t.Fatalf("write sample: %v", err)
	}

	name, codec, err := rep.Archive(rd)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if name != "run.tar.zst" || codec != "zstd" {
		t.Fatalf("unexpected archive name/codec: %s %s", name, codec)
	}

	f, err := os.Open(filepath.Join(rd.Dir, name))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer dec.Close()

	entries := map[string]bool{}
	tr := tar.NewReader(dec)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read tar: %v", err)
		}
		entries[hdr.Name] = true
	}

	for _, want := range []string{"summary.json", "cases/q1/sample_00.json", "cases/q1/sample_00.sql", "README.md"} {
		if !entries[want] {
			t.Fatalf("archive missing %s, has %v", want, entries)
		}
	}
	if entries[name] {
		t.Fatalf("archive must not contain itself")
	}
}

func TestRenderText(t *testing.T) {
	before, after := 1.0, 0.5
	s := Summary{
		RunID:          "run-7",
		ConfigID:       "v2-world-example",
		ConfigSeq:      2,
		BaselineID:     "v1-baseline",
		BaselineRunID:  "run-6",
		SamplesPerCase: 4,
		Cases: []CaseSummary{
			{CaseID: "q1", Pass: 2, Fail: 2, PassRate: &after, BaselineRate: &before, Regressed: true},
			{CaseID: "q2", Inconclusive: 4},
		},
		Regressions:      []Regression{{CaseID: "q1", Before: 1.0, After: 0.5}},
		PromptTokens:     1200,
		CompletionTokens: 80,
		CostUSD:          0.0123,
	}

	var sb strings.Builder
	RenderText(&sb, s)
	out := sb.String()

	for _, want := range []string{"run-7", "v2-world-example", "REGRESSED", "no signal", "100% -> 50%", "1200 prompt", "$0.0123"} {
		if !strings.Contains(out, want) {
			t.Fatalf("rendered output missing %q:\n%s", want, out)
		}
	}
}

func TestRenderTextNoRegressions(t *testing.T) {
	r := 1.0
	s := Summary{
		RunID:      "run-2",
		ConfigID:   "v2",
		BaselineID: "v1",
		Cases:      []CaseSummary{{CaseID: "q1", Pass: 4, PassRate: &r, BaselineRate: &r}},
	}

	var sb strings.Builder
	RenderText(&sb, s)
	if !strings.Contains(sb.String(), "no regressions against v1") {
		t.Fatalf("expected clean-run line, got:\n%s", sb.String())
	}
}
