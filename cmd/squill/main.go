package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"squill/internal/config"
	"squill/internal/executor"
	"squill/internal/registry"
	"squill/internal/report"
	"squill/internal/runner"
	"squill/internal/util"

	"gopkg.in/yaml.v3"
)

// Exit codes: 0 clean run, 1 regressions found, 2 infrastructure failure.
const (
	exitClean      = 0
	exitRegression = 1
	exitFatal      = 2
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	configVersion := flag.String("config-version", "", "configuration version to test (default: latest)")
	baseline := flag.String("baseline", "", "baseline version for regression comparison (default: parent of target)")
	samples := flag.Int("samples", 0, "samples per case (overrides config)")
	dryRun := flag.Bool("dry-run", false, "list cases and configuration versions, then exit")
	describeSnap := flag.Bool("describe-snapshot", false, "list the snapshot's tables and columns, then exit")
	jsonOut := flag.Bool("json", false, "print the run summary as JSON instead of text")
	flag.Parse()

	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(exitFatal)
	}
	if *configVersion != "" {
		cfg.ConfigVersion = *configVersion
	}
	if *baseline != "" {
		cfg.Baseline = *baseline
	}
	if *samples > 0 {
		cfg.SamplesPerCase = *samples
	}
	if cfg.Logging.LogFile != "" {
		f, err := os.OpenFile(cfg.Logging.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			util.Warnf("cannot open log file %s: %v", cfg.Logging.LogFile, err)
		} else {
			defer f.Close()
			log.SetOutput(io.MultiWriter(os.Stdout, f))
		}
	}

	if *dryRun {
		os.Exit(dryRunMain(cfg))
	}
	if *describeSnap {
		os.Exit(describeSnapshotMain(cfg))
	}

	util.Infof("starting squill with %d worker(s)", cfg.Workers)
	if data, err := yaml.Marshal(&cfg); err == nil {
		util.Highlightf("config:\n%s", string(data))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, err := runner.Open(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open harness: %v\n", err)
		os.Exit(exitFatal)
	}
	outcome, err := r.Run(ctx)
	if err != nil {
		_ = r.Close()
		fmt.Fprintf(os.Stderr, "run failed: %v\n", err)
		os.Exit(exitFatal)
	}
	if err := r.Close(); err != nil {
		util.Warnf("close: %v", err)
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(outcome.Summary); err != nil {
			fmt.Fprintf(os.Stderr, "encode summary: %v\n", err)
			os.Exit(exitFatal)
		}
	} else {
		fmt.Println()
		report.RenderText(os.Stdout, outcome.Summary)
	}

	if len(outcome.Regressions) > 0 {
		os.Exit(exitRegression)
	}
	os.Exit(exitClean)
}

// dryRunMain prints the registry without touching the snapshot, the store,
// or the backend.
func dryRunMain(cfg config.Config) int {
	reg, err := registry.Load(cfg.RegistryDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load registry: %v\n", err)
		return exitFatal
	}
	fmt.Printf("registry %s: %s\n\n", cfg.RegistryDir, reg.Describe())

	fmt.Printf("%-28s  %s\n", "CASE", "QUESTION")
	fmt.Printf("%-28s  %s\n", "----", "--------")
	for _, c := range reg.Cases() {
		fmt.Printf("%-28s  %s\n", c.ID, c.Question)
	}

	fmt.Printf("\n%-24s  %4s  %-24s  %s\n", "CONFIG", "SEQ", "PARENT", "ARTIFACTS")
	fmt.Printf("%-24s  %4s  %-24s  %s\n", "------", "---", "------", "---------")
	for _, v := range reg.Configs() {
		parent := v.Parent
		if parent == "" {
			parent = "-"
		}
		fmt.Printf("%-24s  %4d  %-24s  %d\n", v.ID, v.Seq, parent, len(v.Artifacts))
	}

	latest := reg.Latest()
	if prev, ok := reg.Previous(latest.ID); ok {
		diff, err := reg.Diff(prev.ID, latest.ID)
		if err == nil && len(diff.Added) > 0 {
			fmt.Printf("\n%s adds over %s:\n", latest.ID, prev.ID)
			for _, a := range diff.Added {
				fmt.Printf("  + %s\n", a.Label())
			}
		}
	}
	return exitClean
}

// describeSnapshotMain prints the snapshot's tables and columns, so case
// assertions can be written against what the harness will actually see.
func describeSnapshotMain(cfg config.Config) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exec, err := executor.Open(cfg.Snapshot)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open snapshot: %v\n", err)
		return exitFatal
	}
	defer util.CloseWithErr(exec, "snapshot")
	if err := exec.Ping(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "snapshot preflight failed: %v\n", err)
		return exitFatal
	}
	tables, err := exec.Tables(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to list tables: %v\n", err)
		return exitFatal
	}
	if len(tables) == 0 {
		fmt.Println("no base tables visible in the snapshot")
		return exitClean
	}

	fmt.Printf("%-28s  %-28s  %s\n", "TABLE", "COLUMN", "TYPE")
	fmt.Printf("%-28s  %-28s  %s\n", "-----", "------", "----")
	for _, table := range tables {
		cols, err := exec.Columns(ctx, table)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to list columns of %s: %v\n", table, err)
			return exitFatal
		}
		for i, col := range cols {
			name := table
			if i > 0 {
				name = ""
			}
			fmt.Printf("%-28s  %-28s  %s\n", name, col.Name, col.Type)
		}
	}
	return exitClean
}
