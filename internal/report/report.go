// Package report writes suite-run artifacts to disk and derives the
// regression verdicts a run exits on.
package report

import (
	"archive/tar"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"squill/internal/executor"
	"squill/internal/oracle"
	"squill/internal/recorder"
	"squill/internal/runinfo"
	"squill/internal/util"

	"github.com/klauspost/compress/zstd"
)

// Reporter writes run artifacts under OutputDir.
type Reporter struct {
	OutputDir     string
	MaxResultRows int
}

// RunDir is an allocated artifact directory for one suite run.
type RunDir struct {
	ID  string
	Dir string
}

// SampleReport is the persisted record of one judged sample.
type SampleReport struct {
	CaseID        string         `json:"case_id"`
	Sample        int            `json:"sample"`
	ConfigID      string         `json:"config_id"`
	SQL           string         `json:"sql"`
	RawResponse   string         `json:"raw_response,omitempty"`
	Outcome       oracle.Outcome `json:"outcome"`
	Reason        string         `json:"reason,omitempty"`
	FailureKind   string         `json:"failure_kind,omitempty"`
	Checks        []oracle.Check `json:"checks,omitempty"`
	LatencyMS     int64          `json:"latency_ms"`
	Columns       []string       `json:"columns,omitempty"`
	Rows          [][]string     `json:"rows,omitempty"`
	RowsTruncated bool           `json:"rows_truncated,omitempty"`
}

// CaseSummary aggregates one case's samples within a run.
type CaseSummary struct {
	CaseID       string   `json:"case_id"`
	Question     string   `json:"question,omitempty"`
	Pass         int      `json:"pass"`
	Fail         int      `json:"fail"`
	Inconclusive int      `json:"inconclusive"`
	PassRate     *float64 `json:"pass_rate,omitempty"`
	BaselineRate *float64 `json:"baseline_rate,omitempty"`
	Regressed    bool     `json:"regressed,omitempty"`
}

// Regression is a case whose pass rate strictly decreased from the baseline.
type Regression struct {
	CaseID string  `json:"case_id"`
	Before float64 `json:"before"`
	After  float64 `json:"after"`
}

// Summary is the run-level report persisted as summary.json.
type Summary struct {
	RunID            string             `json:"run_id"`
	ConfigID         string             `json:"config_id"`
	ConfigSeq        int                `json:"config_seq"`
	BaselineID       string             `json:"baseline_id,omitempty"`
	BaselineRunID    string             `json:"baseline_run_id,omitempty"`
	Backend          string             `json:"backend,omitempty"`
	SamplesPerCase   int                `json:"samples_per_case"`
	StartedAt        string             `json:"started_at"`
	FinishedAt       string             `json:"finished_at,omitempty"`
	Cases            []CaseSummary      `json:"cases"`
	Regressions      []Regression       `json:"regressions,omitempty"`
	PromptTokens     int64              `json:"prompt_tokens,omitempty"`
	CompletionTokens int64              `json:"completion_tokens,omitempty"`
	CostUSD          float64            `json:"cost_usd,omitempty"`
	ArchiveName      string             `json:"archive_name,omitempty"`
	ArchiveCodec     string             `json:"archive_codec,omitempty"`
	UploadLocation   string             `json:"upload_location,omitempty"`
	RunInfo          *runinfo.BasicInfo `json:"run_info,omitempty"`
}

// New creates a reporter that writes under outputDir.
func New(outputDir string, maxRows int) *Reporter {
	return &Reporter{OutputDir: outputDir, MaxResultRows: maxRows}
}

const (
	ArchiveName  = "run.tar.zst"
	ArchiveCodec = "zstd"
)

// NewRun allocates the artifact directory for one suite run.
func (r *Reporter) NewRun(run recorder.Run) (RunDir, error) {
	name := fmt.Sprintf("run_%s_%s", run.StartedAt.UTC().Format("20060102T150405Z"), run.ID)
	dir := filepath.Join(r.OutputDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return RunDir{}, err
	}
	_ = os.WriteFile(filepath.Join(dir, "README.md"), []byte("# Suite Run\n\n- summary.json: per-case rates and regressions\n- cases/<case>/sample_NN.json: one judged sample\n- cases/<case>/sample_NN.sql: the SQL that sample submitted\n"), 0o644)
	return RunDir{ID: run.ID, Dir: dir}, nil
}

// WriteSample persists one judged sample as JSON plus the bare SQL next to
// it, so a failing query can be re-run by hand without digging through JSON.
func (r *Reporter) WriteSample(rd RunDir, rep SampleReport) error {
	dir := filepath.Join(rd.Dir, "cases", rep.CaseID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if rep.SQL != "" {
		sqlPath := filepath.Join(dir, fmt.Sprintf("sample_%02d.sql", rep.Sample))
		if err := os.WriteFile(sqlPath, []byte(rep.SQL+"\n"), 0o644); err != nil {
			return err
		}
	}
	return r.writeJSON(filepath.Join(dir, fmt.Sprintf("sample_%02d.json", rep.Sample)), rep)
}

// WriteSummary writes summary.json into the run directory.
func (r *Reporter) WriteSummary(rd RunDir, s Summary) error {
	return r.writeJSON(filepath.Join(rd.Dir, "summary.json"), s)
}

// WriteText writes raw text content into the run directory.
func (r *Reporter) WriteText(rd RunDir, name, content string) error {
	path := filepath.Join(rd.Dir, name)
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

func (r *Reporter) writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer util.CloseWithErr(f, "report output")
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

// Archive compresses the run directory into run.tar.zst alongside its
// contents.
func (r *Reporter) Archive(rd RunDir) (name string, codec string, err error) {
	archivePath := filepath.Join(rd.Dir, ArchiveName)
	if removeErr := os.Remove(archivePath); removeErr != nil && !os.IsNotExist(removeErr) {
		return "", "", removeErr
	}
	defer func() {
		if err != nil {
			_ = os.Remove(archivePath)
		}
	}()
	file, err := os.Create(archivePath)
	if err != nil {
		return "", "", err
	}
	defer util.CloseWithErr(file, "archive output")

	zw, err := zstd.NewWriter(file)
	if err != nil {
		return "", "", err
	}
	defer func() {
		if closeErr := zw.Close(); err == nil && closeErr != nil {
			err = closeErr
		}
	}()

	tw := tar.NewWriter(zw)
	defer func() {
		if closeErr := tw.Close(); err == nil && closeErr != nil {
			err = closeErr
		}
	}()

	walkErr := filepath.WalkDir(rd.Dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || path == archivePath {
			return nil
		}
		rel, err := filepath.Rel(rd.Dir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		if _, err := io.Copy(tw, src); err != nil {
			util.CloseWithErr(src, "archive source")
			return err
		}
		util.CloseWithErr(src, "archive source")
		return nil
	})
	if walkErr != nil {
		return "", "", walkErr
	}
	return ArchiveName, ArchiveCodec, nil
}

// ResultCells renders a result for embedding in a sample report, capped at
// max rows. NULL cells render as the string NULL, matching the executor's
// own rendering.
func ResultCells(res *executor.Result, max int) (rows [][]string, truncated bool) {
	if res == nil {
		return nil, false
	}
	truncated = res.Truncated
	for _, row := range res.Rows {
		if max > 0 && len(rows) >= max {
			truncated = true
			break
		}
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = v.String()
		}
		rows = append(rows, cells)
	}
	return rows, truncated
}
