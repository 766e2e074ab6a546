package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"squill/internal/config"
	"squill/internal/executor"
	"squill/internal/recorder"
	"squill/internal/registry"
	"squill/internal/replay"
	"squill/internal/util"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	storePath := flag.String("store", "", "path to the run store (overrides config)")
	runID := flag.String("run", "", "run to replay (default: latest)")
	caseID := flag.String("case", "", "replay only this case")
	failedOnly := flag.Bool("failed-only", false, "replay only failed samples")
	flag.Parse()

	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(2)
	}
	if *storePath != "" {
		cfg.StorePath = *storePath
	}

	reg, err := registry.Load(cfg.RegistryDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load registry: %v\n", err)
		os.Exit(2)
	}
	store, err := recorder.Open(cfg.StorePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open store: %v\n", err)
		os.Exit(2)
	}
	defer util.CloseWithErr(store, "run store")

	exec, err := executor.Open(cfg.Snapshot)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open snapshot: %v\n", err)
		os.Exit(2)
	}
	defer util.CloseWithErr(exec, "snapshot")

	ctx := context.Background()
	if err := exec.Ping(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "snapshot preflight failed: %v\n", err)
		os.Exit(2)
	}

	res, err := replay.Run(ctx, store, reg, exec, replay.Options{
		RunID:      *runID,
		CaseID:     *caseID,
		OnlyFailed: *failedOnly,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay failed: %v\n", err)
		os.Exit(2)
	}

	util.Infof("%s", res.Describe())
	if len(res.Drifted) == 0 {
		return
	}

	fmt.Printf("\n%-28s  %6s  %-12s  %-12s  %s\n", "CASE", "SAMPLE", "RECORDED", "FRESH", "REASON")
	fmt.Printf("%-28s  %6s  %-12s  %-12s  %s\n", "----", "------", "--------", "-----", "------")
	for _, d := range res.Drifted {
		fmt.Printf("%-28s  %6d  %-12s  %-12s  %s\n", d.CaseID, d.Sample, d.Recorded, d.Fresh, d.Reason)
	}
	os.Exit(1)
}
