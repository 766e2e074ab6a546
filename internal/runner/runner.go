// Package runner drives one suite run: every registered case, sampled the
// configured number of times against one configuration version, judged,
// recorded, and compared against the preceding version's pass rates.
package runner

import (
	"context"
	"sync"

	"squill/internal/backend"
	"squill/internal/config"
	"squill/internal/executor"
	"squill/internal/recorder"
	"squill/internal/registry"
	"squill/internal/report"
	"squill/internal/uploader"
	"squill/internal/util"

	"github.com/pkg/errors"
)

// QueryExecutor is the snapshot surface the runner needs. *executor.Executor
// implements it; tests substitute fakes.
type QueryExecutor interface {
	Execute(ctx context.Context, sqlText string) (*executor.Result, error)
	Ping(ctx context.Context) error
	Close() error
}

// Deps bundles the runner's collaborators.
type Deps struct {
	Registry *registry.Registry
	Store    *recorder.Store
	Backend  backend.Backend
	Executor QueryExecutor
	Reporter *report.Reporter
	Uploader uploader.Uploader
}

// Outcome is what a finished (non-fatal) suite run produced. Regressions
// being non-empty is the caller's exit-code signal.
type Outcome struct {
	Run         recorder.Run
	Summary     report.Summary
	Rates       []recorder.Rate
	Regressions []report.Regression
	RunDir      string
}

// Runner orchestrates translation, execution, judging, and reporting.
type Runner struct {
	cfg      config.Config
	reg      *registry.Registry
	store    *recorder.Store
	backend  backend.Backend
	exec     QueryExecutor
	reporter *report.Reporter
	uploader uploader.Uploader

	statsMu      sync.Mutex
	casesTotal   int
	casesDone    int
	samplesTotal int
	samplesDone  int
	passCount    int64
	failCount    int64
	inconclusive int64
	backendFails int64
}

// Rows the reporter keeps per sample result; full results stay in the
// snapshot.
const reportRowCap = 50

// New constructs a Runner from already opened collaborators.
func New(cfg config.Config, deps Deps) *Runner {
	up := deps.Uploader
	if up == nil {
		up = uploader.NoopUploader{}
	}
	return &Runner{
		cfg:      cfg,
		reg:      deps.Registry,
		store:    deps.Store,
		backend:  deps.Backend,
		exec:     deps.Executor,
		reporter: deps.Reporter,
		uploader: up,
	}
}

// Open loads the registry, opens the run store and the snapshot, and builds
// the backend and uploader from cfg. Any failure here is fatal; nothing has
// been recorded yet.
func Open(ctx context.Context, cfg config.Config) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	reg, err := registry.Load(cfg.RegistryDir)
	if err != nil {
		return nil, errors.Wrap(err, "load registry")
	}
	store, err := recorder.Open(cfg.StorePath)
	if err != nil {
		return nil, errors.Wrap(err, "open run store")
	}
	exec, err := executor.Open(cfg.Snapshot)
	if err != nil {
		_ = store.Close()
		return nil, errors.Wrap(err, "open snapshot")
	}
	if err := exec.Ping(ctx); err != nil {
		_ = exec.Close()
		_ = store.Close()
		return nil, errors.Wrap(err, "snapshot preflight")
	}
	tables, err := exec.Tables(ctx)
	if err != nil {
		_ = exec.Close()
		_ = store.Close()
		return nil, errors.Wrap(err, "list snapshot tables")
	}
	if len(tables) == 0 {
		util.Warnf("snapshot preflight: no base tables visible")
	} else {
		util.Infof("snapshot preflight ok, %d base table(s)", len(tables))
	}
	bk, err := backend.FromConfig(cfg.Backend)
	if err != nil {
		_ = exec.Close()
		_ = store.Close()
		return nil, errors.Wrap(err, "init backend")
	}
	up, err := uploader.FromConfig(cfg.Storage)
	if err != nil {
		_ = exec.Close()
		_ = store.Close()
		return nil, errors.Wrap(err, "init uploader")
	}
	deps := Deps{
		Registry: reg,
		Store:    store,
		Backend:  bk,
		Executor: exec,
		Reporter: report.New(cfg.OutputDir, reportRowCap),
		Uploader: up,
	}
	return New(cfg, deps), nil
}

// Close releases the snapshot pool and the run store.
func (r *Runner) Close() error {
	var firstErr error
	if r.exec != nil {
		firstErr = r.exec.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Run executes one full suite run. A returned error means infrastructure
// failed and nothing useful was measured; per-case trouble never surfaces
// here, it lands in the records.
func (r *Runner) Run(ctx context.Context) (*Outcome, error) {
	target, baselineID, err := r.resolveVersions()
	if err != nil {
		return nil, err
	}
	cases := r.reg.Cases()
	samples := r.cfg.SamplesPerCase

	run, err := r.store.StartRun(target.ID, target.Seq, baselineID, samples, target.Notes)
	if err != nil {
		return nil, errors.Wrap(err, "start run")
	}
	rd, err := r.reporter.NewRun(run)
	if err != nil {
		return nil, errors.Wrap(err, "create run directory")
	}

	r.statsMu.Lock()
	r.casesTotal = len(cases)
	r.samplesTotal = len(cases) * samples
	r.statsMu.Unlock()
	stop := r.startStatsLogger()
	defer stop()

	util.Infof("suite run %s config=%s seq=%d baseline=%s cases=%d samples=%d workers=%d backend=%s",
		run.ID, target.ID, target.Seq, orNone(baselineID), len(cases), samples, r.workers(), r.backend.Name())

	items := promptContext(target)
	if err := r.runCases(ctx, run, rd, cases, items); err != nil {
		return nil, err
	}
	return r.finish(ctx, run, rd, baselineID, cases)
}

// runCases dispatches every case to a bounded worker pool. The first fatal
// failure cancels the pool and becomes the run's single error.
func (r *Runner) runCases(ctx context.Context, run recorder.Run, rd report.RunDir, cases []registry.Case, items []backend.ContextItem) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var fatalOnce sync.Once
	var fatalErr error
	abort := func(err error) {
		fatalOnce.Do(func() {
			fatalErr = err
			cancel()
		})
	}

	jobs := make(chan registry.Case)
	var wg sync.WaitGroup
	for i := 0; i < r.workers(); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range jobs {
				if runCtx.Err() != nil {
					continue
				}
				r.runCase(runCtx, run, rd, c, items, abort)
			}
		}()
	}
	for _, c := range cases {
		if runCtx.Err() != nil {
			break
		}
		jobs <- c
	}
	close(jobs)
	wg.Wait()

	if fatalErr != nil {
		return fatalErr
	}
	return errors.Wrap(ctx.Err(), "suite run interrupted")
}

func (r *Runner) workers() int {
	if r.cfg.Workers <= 0 {
		return 1
	}
	return r.cfg.Workers
}

// resolveVersions picks the configuration version under test and its
// baseline: the explicitly named ones, otherwise the latest version and its
// immediate parent in the chain.
func (r *Runner) resolveVersions() (registry.ConfigVersion, string, error) {
	target := r.reg.Latest()
	if r.cfg.ConfigVersion != "" {
		v, ok := r.reg.Config(r.cfg.ConfigVersion)
		if !ok {
			return registry.ConfigVersion{}, "", errors.Errorf("unknown configuration version %q", r.cfg.ConfigVersion)
		}
		target = v
	}
	if r.cfg.Baseline != "" {
		v, ok := r.reg.Config(r.cfg.Baseline)
		if !ok {
			return registry.ConfigVersion{}, "", errors.Errorf("unknown baseline version %q", r.cfg.Baseline)
		}
		return target, v.ID, nil
	}
	if prev, ok := r.reg.Previous(target.ID); ok {
		return target, prev.ID, nil
	}
	return target, "", nil
}

// promptContext converts a version's artifacts into the wire form every
// translation request of this run will carry.
func promptContext(v registry.ConfigVersion) []backend.ContextItem {
	items := make([]backend.ContextItem, 0, len(v.Artifacts))
	for _, a := range v.Artifacts {
		items = append(items, backend.ContextItem{
			Kind:     a.Kind,
			Scope:    a.Scope,
			Text:     a.Text,
			Question: a.Question,
			SQL:      a.SQL,
		})
	}
	return items
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
