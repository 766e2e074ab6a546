package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"squill/internal/config"
	"squill/internal/oracle"
	"squill/internal/recorder"
	"squill/internal/report"
	"squill/internal/util"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// RunEntry is one suite run flattened for the dashboard payload.
type RunEntry struct {
	RunID            string               `json:"run_id"`
	ConfigID         string               `json:"config_id"`
	ConfigSeq        int                  `json:"config_seq"`
	BaselineID       string               `json:"baseline_id,omitempty"`
	BaselineRunID    string               `json:"baseline_run_id,omitempty"`
	Backend          string               `json:"backend,omitempty"`
	StartedAt        string               `json:"started_at"`
	FinishedAt       string               `json:"finished_at,omitempty"`
	SamplesPerCase   int                  `json:"samples_per_case"`
	Passed           int                  `json:"passed"`
	Failed           int                  `json:"failed"`
	Inconclusive     int                  `json:"inconclusive"`
	Cases            []report.CaseSummary `json:"cases,omitempty"`
	Regressions      []report.Regression  `json:"regressions,omitempty"`
	PromptTokens     int64                `json:"prompt_tokens,omitempty"`
	CompletionTokens int64                `json:"completion_tokens,omitempty"`
	CostUSD          float64              `json:"cost_usd,omitempty"`
	UploadLocation   string               `json:"upload_location,omitempty"`
	Source           string               `json:"source,omitempty"`
}

// SiteData is the JSON payload for the dashboard.
type SiteData struct {
	GeneratedAt string     `json:"generated_at"`
	Source      string     `json:"source"`
	Runs        []RunEntry `json:"runs"`
}

type publishOptions struct {
	S3            config.S3Config
	PublicBaseURL string
}

type syncOptions struct {
	Endpoint string
	Token    string
}

type syncPayload struct {
	ManifestURL string    `json:"manifest_url"`
	GeneratedAt string    `json:"generated_at"`
	Source      string    `json:"source"`
	Runs        []syncRun `json:"runs"`
}

type syncRun struct {
	RunID          string `json:"run_id"`
	ConfigID       string `json:"config_id"`
	ConfigSeq      int    `json:"config_seq"`
	StartedAt      string `json:"started_at"`
	Passed         int    `json:"passed"`
	Failed         int    `json:"failed"`
	Regressions    int    `json:"regressions"`
	UploadLocation string `json:"upload_location,omitempty"`
}

func main() {
	storePath := flag.String("store", "runs.db", "path to the run store")
	input := flag.String("input", "", "read uploaded run summaries from s3://bucket/prefix instead of the store")
	configPath := flag.String("config", "config.yaml", "path to config file (for S3 access)")
	limit := flag.Int("limit", 20, "max runs to report, newest first")
	caseID := flag.String("case", "", "print the full history of one case and exit")
	maxBytes := flag.Int("max-bytes", 256*1024, "max bytes to read per summary object")
	output := flag.String("output", "", "directory to write report.json/reports.json into")
	publishEndpoint := flag.String("publish-endpoint", "", "S3-compatible endpoint for publishing report manifests")
	publishRegion := flag.String("publish-region", "auto", "region for publish endpoint")
	publishBucket := flag.String("publish-bucket", "", "target bucket for publishing report manifests")
	publishPrefix := flag.String("publish-prefix", "", "target prefix for publishing report manifests")
	publishAccessKey := flag.String("publish-access-key-id", "", "access key for publishing report manifests")
	publishSecret := flag.String("publish-secret-access-key", "", "secret key for publishing report manifests")
	publishSessionToken := flag.String("publish-session-token", "", "session token for publishing report manifests")
	publishUsePathStyle := flag.Bool("publish-use-path-style", true, "whether to use path-style S3 addressing for publish endpoint")
	publishPublicBaseURL := flag.String("publish-public-base-url", "", "public base URL for published manifests")
	syncEndpoint := flag.String("sync-endpoint", "", "dashboard sync endpoint for run metadata upsert")
	syncToken := flag.String("sync-token", "", "bearer token used for the sync endpoint")
	flag.Parse()

	ctx := context.Background()

	if *caseID != "" {
		if err := printCaseHistory(*storePath, *caseID); err != nil {
			fail("case history: %v", err)
		}
		return
	}

	var runs []RunEntry
	var err error
	source := *storePath
	if strings.HasPrefix(*input, "s3://") {
		cfg, loadErr := config.Load(*configPath)
		if loadErr != nil {
			fail("load config: %v", loadErr)
		}
		if !cfg.Storage.S3.Enabled {
			fail("s3 input requested but storage.s3.enabled is false")
		}
		bucket, prefix, parseErr := parseS3URI(*input)
		if parseErr != nil {
			fail("parse s3 input: %v", parseErr)
		}
		runs, err = loadS3Runs(ctx, cfg.Storage.S3, bucket, prefix, *maxBytes)
		source = *input
	} else {
		runs, err = loadStoreRuns(*storePath, *limit)
	}
	if err != nil {
		fail("load runs: %v", err)
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt > runs[j].StartedAt
	})
	if len(runs) > *limit {
		runs = runs[:*limit]
	}

	printRuns(runs)

	site := SiteData{
		GeneratedAt: time.Now().Format(time.RFC3339),
		Source:      source,
		Runs:        runs,
	}
	if *output != "" {
		if err := writeSite(*output, site); err != nil {
			fail("write json: %v", err)
		}
		fmt.Printf("report json written to %s and %s\n",
			filepath.Join(*output, "report.json"), filepath.Join(*output, "reports.json"))
	}

	publishCfg := publishOptions{
		S3: config.S3Config{
			Enabled:         strings.TrimSpace(*publishBucket) != "",
			Endpoint:        strings.TrimSpace(*publishEndpoint),
			Region:          strings.TrimSpace(*publishRegion),
			Bucket:          strings.TrimSpace(*publishBucket),
			Prefix:          strings.TrimSpace(*publishPrefix),
			AccessKeyID:     strings.TrimSpace(*publishAccessKey),
			SecretAccessKey: strings.TrimSpace(*publishSecret),
			SessionToken:    strings.TrimSpace(*publishSessionToken),
			UsePathStyle:    *publishUsePathStyle,
		},
		PublicBaseURL: strings.TrimSpace(*publishPublicBaseURL),
	}
	if publishCfg.S3.Enabled && *output == "" {
		fail("publish requires -output")
	}
	manifestURL, err := publishReports(ctx, publishCfg, *output)
	if err != nil {
		fail("publish reports: %v", err)
	}
	if manifestURL != "" {
		fmt.Printf("published report manifests to %s\n", manifestURL)
	}

	syncCfg := syncOptions{
		Endpoint: strings.TrimSpace(*syncEndpoint),
		Token:    strings.TrimSpace(*syncToken),
	}
	if err := syncRunMetadata(ctx, syncCfg, manifestURL, site); err != nil {
		fail("sync run metadata: %v", err)
	}
	if syncCfg.Endpoint != "" {
		fmt.Printf("synced %d runs to %s\n", len(site.Runs), syncCfg.Endpoint)
	}
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// loadStoreRuns folds the run store into report entries. Regressions are
// recomputed against the latest run of each baseline version, so the view
// reflects the store as it is now.
func loadStoreRuns(storePath string, limit int) ([]RunEntry, error) {
	store, err := recorder.Open(storePath)
	if err != nil {
		return nil, err
	}
	defer util.CloseWithErr(store, "run store")

	runs, err := store.Runs(limit)
	if err != nil {
		return nil, err
	}
	entries := make([]RunEntry, 0, len(runs))
	for _, run := range runs {
		entry, err := storeRunEntry(store, run)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func storeRunEntry(store *recorder.Store, run recorder.Run) (RunEntry, error) {
	rates, err := store.RatesForRun(run.ID)
	if err != nil {
		return RunEntry{}, err
	}
	entry := RunEntry{
		RunID:          run.ID,
		ConfigID:       run.ConfigID,
		ConfigSeq:      run.ConfigSeq,
		BaselineID:     run.Baseline,
		StartedAt:      run.StartedAt.UTC().Format(time.RFC3339),
		SamplesPerCase: run.Samples,
	}
	for _, rate := range rates {
		entry.Passed += rate.Pass
		entry.Failed += rate.Fail
		entry.Inconclusive += rate.Inconclusive
	}
	if usage, err := store.UsageForRun(run.ID); err == nil {
		entry.PromptTokens = usage.PromptTokens
		entry.CompletionTokens = usage.CompletionTokens
		entry.CostUSD = usage.CostUSD
	}
	if run.Baseline != "" {
		prev, ok, err := store.LatestRunForConfig(run.Baseline)
		if err != nil {
			return RunEntry{}, err
		}
		if ok && prev.ID != run.ID {
			baseline, err := store.RatesForRun(prev.ID)
			if err != nil {
				return RunEntry{}, err
			}
			entry.BaselineRunID = prev.ID
			entry.Regressions = report.Regressions(baseline, rates)
		}
	}
	return entry, nil
}

// printCaseHistory walks every recorded sample of one case, oldest run first.
func printCaseHistory(storePath, caseID string) error {
	store, err := recorder.Open(storePath)
	if err != nil {
		return err
	}
	defer util.CloseWithErr(store, "run store")

	records, err := store.History(caseID)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Printf("no records for case %s\n", caseID)
		return nil
	}

	var order []string
	byRun := make(map[string]*recorder.Rate)
	for _, rec := range records {
		rate, ok := byRun[rec.RunID]
		if !ok {
			rate = &recorder.Rate{CaseID: caseID}
			byRun[rec.RunID] = rate
			order = append(order, rec.RunID)
		}
		switch rec.Outcome {
		case oracle.Pass:
			rate.Pass++
		case oracle.Fail:
			rate.Fail++
		default:
			rate.Inconclusive++
		}
	}

	fmt.Printf("history for case %s (%d runs)\n\n", caseID, len(order))
	fmt.Printf("%-10s  %-24s  %4s  %-20s  %4s  %4s  %7s  %s\n",
		"RUN", "CONFIG", "SEQ", "STARTED", "PASS", "FAIL", "INCONCL", "RATE")
	fmt.Printf("%-10s  %-24s  %4s  %-20s  %4s  %4s  %7s  %s\n",
		"---", "------", "---", "-------", "----", "----", "-------", "----")
	for _, runID := range order {
		rate := byRun[runID]
		configID, seq, started := "?", 0, "?"
		if run, ok, err := store.Run(runID); err == nil && ok {
			configID, seq = run.ConfigID, run.ConfigSeq
			started = run.StartedAt.UTC().Format(time.RFC3339)
		}
		fmt.Printf("%-10s  %-24s  %4d  %-20s  %4d  %4d  %7d  %s\n",
			shortID(runID), configID, seq, started,
			rate.Pass, rate.Fail, rate.Inconclusive, formatRate(*rate))
	}
	return nil
}

func printRuns(runs []RunEntry) {
	if len(runs) == 0 {
		fmt.Println("no recorded runs")
		return
	}
	fmt.Printf("%-10s  %-24s  %4s  %-20s  %4s  %4s  %7s  %5s  %s\n",
		"RUN", "CONFIG", "SEQ", "STARTED", "PASS", "FAIL", "INCONCL", "RATE", "REGRESSIONS")
	fmt.Printf("%-10s  %-24s  %4s  %-20s  %4s  %4s  %7s  %5s  %s\n",
		"---", "------", "---", "-------", "----", "----", "-------", "----", "-----------")
	for _, run := range runs {
		fmt.Printf("%-10s  %-24s  %4d  %-20s  %4d  %4d  %7d  %5s  %d\n",
			shortID(run.RunID), run.ConfigID, run.ConfigSeq, run.StartedAt,
			run.Passed, run.Failed, run.Inconclusive,
			formatRate(recorder.Rate{Pass: run.Passed, Fail: run.Failed, Inconclusive: run.Inconclusive}),
			len(run.Regressions))
	}

	latest := runs[0]
	if len(latest.Regressions) > 0 {
		fmt.Printf("\nlatest run %s regressed %d case(s) against %s:\n",
			shortID(latest.RunID), len(latest.Regressions), latest.BaselineID)
		for _, reg := range latest.Regressions {
			fmt.Printf("  %s: %.0f%% -> %.0f%%\n", reg.CaseID, reg.Before*100, reg.After*100)
		}
	}
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func formatRate(rate recorder.Rate) string {
	v, ok := rate.PassRate()
	if !ok {
		return "-"
	}
	return fmt.Sprintf("%.0f%%", v*100)
}

func loadS3Runs(ctx context.Context, cfg config.S3Config, bucket, prefix string, maxBytes int) ([]RunEntry, error) {
	client, err := s3ClientFromConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	keys, err := listSummaryKeys(ctx, client, bucket, prefix)
	if err != nil {
		return nil, err
	}
	entries := make([]RunEntry, 0, len(keys))
	for _, key := range keys {
		data, _, err := readObjectLimited(ctx, client, bucket, key, maxBytes)
		if err != nil {
			continue
		}
		var summary report.Summary
		if err := json.Unmarshal([]byte(data), &summary); err != nil {
			continue
		}
		entry := runEntryFromSummary(summary)
		entry.Source = "s3://" + bucket + "/" + strings.TrimSuffix(key, "/summary.json")
		entries = append(entries, entry)
	}
	return entries, nil
}

// runEntryFromSummary flattens an uploaded summary.json. Totals fold the
// per-case counts the run wrote at finish time; regressions are the ones the
// run itself computed.
func runEntryFromSummary(s report.Summary) RunEntry {
	entry := RunEntry{
		RunID:            s.RunID,
		ConfigID:         s.ConfigID,
		ConfigSeq:        s.ConfigSeq,
		BaselineID:       s.BaselineID,
		BaselineRunID:    s.BaselineRunID,
		Backend:          s.Backend,
		StartedAt:        s.StartedAt,
		FinishedAt:       s.FinishedAt,
		SamplesPerCase:   s.SamplesPerCase,
		Cases:            s.Cases,
		Regressions:      s.Regressions,
		PromptTokens:     s.PromptTokens,
		CompletionTokens: s.CompletionTokens,
		CostUSD:          s.CostUSD,
		UploadLocation:   s.UploadLocation,
	}
	for _, cs := range s.Cases {
		entry.Passed += cs.Pass
		entry.Failed += cs.Fail
		entry.Inconclusive += cs.Inconclusive
	}
	return entry
}

func listSummaryKeys(ctx context.Context, client *s3.Client, bucket, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, "/summary.json") {
				keys = append(keys, key)
			}
		}
	}
	return keys, nil
}

func readObjectLimited(ctx context.Context, client *s3.Client, bucket, key string, maxBytes int) (string, bool, error) {
	resp, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "NoSuchKey") || errors.As(err, &nsk) {
			return "", false, fmt.Errorf("missing object %s", key)
		}
		return "", false, err
	}
	defer util.CloseWithErr(resp.Body, "s3 response body")
	limit := int64(maxBytes) + 1
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return "", false, err
	}
	truncated := len(data) > maxBytes
	if truncated {
		data = data[:maxBytes]
	}
	return string(data), truncated, nil
}

func s3ClientFromConfig(ctx context.Context, cfg config.S3Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Endpoint != "" {
		//nolint:staticcheck // AWS SDK v2 global endpoint resolver is deprecated, but required for custom S3 endpoints.
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, _ string, _ ...any) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				//nolint:staticcheck // AWS SDK v2 global endpoint resolver is deprecated, but required for custom S3 endpoints.
				return aws.Endpoint{URL: cfg.Endpoint, HostnameImmutable: true}, nil
			}
			//nolint:staticcheck // AWS SDK v2 global endpoint resolver is deprecated, but required for custom S3 endpoints.
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		//nolint:staticcheck // AWS SDK v2 global endpoint resolver is deprecated, but required for custom S3 endpoints.
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" || cfg.SessionToken != "" {
		creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)
		opts = append(opts, awsconfig.WithCredentialsProvider(creds))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
	})
	return client, nil
}

func writeSite(output string, site SiteData) error {
	if err := os.MkdirAll(output, 0o755); err != nil {
		return err
	}
	if err := writeJSONFile(filepath.Join(output, "report.json"), site); err != nil {
		return err
	}
	return writeJSONFile(filepath.Join(output, "reports.json"), site)
}

func writeJSONFile(path string, site SiteData) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer util.CloseWithErr(f, "report output")
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(site)
}

func parseS3URI(input string) (bucket string, prefix string, err error) {
	trimmed := strings.TrimPrefix(input, "s3://")
	if trimmed == "" {
		return "", "", fmt.Errorf("missing s3 bucket")
	}
	parts := strings.SplitN(trimmed, "/", 2)
	bucket = parts[0]
	prefix = ""
	if len(parts) == 2 {
		prefix = strings.TrimPrefix(parts[1], "/")
		if prefix != "" && !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}
	}
	return bucket, prefix, nil
}

func publishReports(ctx context.Context, opts publishOptions, output string) (string, error) {
	if !opts.S3.Enabled {
		return "", nil
	}
	if strings.TrimSpace(opts.S3.Bucket) == "" {
		return "", fmt.Errorf("publish bucket is required when publish is enabled")
	}
	client, err := s3ClientFromConfig(ctx, opts.S3)
	if err != nil {
		return "", err
	}
	for _, name := range []string{"report.json", "reports.json"} {
		data, err := os.ReadFile(filepath.Join(output, name))
		if err != nil {
			return "", err
		}
		key := objectKey(opts.S3.Prefix, name)
		_, err = client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(opts.S3.Bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
			ContentType:   aws.String("application/json"),
		})
		if err != nil {
			return "", err
		}
	}
	reportKey := objectKey(opts.S3.Prefix, "reports.json")
	if strings.TrimSpace(opts.PublicBaseURL) != "" {
		return objectURL(opts.PublicBaseURL, reportKey), nil
	}
	return fmt.Sprintf("s3://%s/%s", opts.S3.Bucket, reportKey), nil
}

func objectKey(prefix, name string) string {
	trimmedPrefix := strings.Trim(prefix, "/")
	trimmedName := strings.TrimLeft(strings.TrimSpace(name), "/")
	if trimmedPrefix == "" {
		return trimmedName
	}
	return trimmedPrefix + "/" + trimmedName
}

func objectURL(base, name string) string {
	trimmedBase := strings.TrimRight(strings.TrimSpace(base), "/")
	trimmedName := strings.TrimLeft(strings.TrimSpace(name), "/")
	if trimmedBase == "" || trimmedName == "" {
		return ""
	}
	return trimmedBase + "/" + trimmedName
}

func syncRunMetadata(ctx context.Context, opts syncOptions, manifestURL string, site SiteData) error {
	if strings.TrimSpace(opts.Endpoint) == "" {
		return nil
	}
	const syncTimeout = 20 * time.Second
	payload := syncPayload{
		ManifestURL: manifestURL,
		GeneratedAt: site.GeneratedAt,
		Source:      site.Source,
		Runs:        make([]syncRun, 0, len(site.Runs)),
	}
	for _, run := range site.Runs {
		payload.Runs = append(payload.Runs, syncRun{
			RunID:          run.RunID,
			ConfigID:       run.ConfigID,
			ConfigSeq:      run.ConfigSeq,
			StartedAt:      run.StartedAt,
			Passed:         run.Passed,
			Failed:         run.Failed,
			Regressions:    len(run.Regressions),
			UploadLocation: run.UploadLocation,
		})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	reqCtx, cancel := context.WithTimeout(ctx, syncTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, opts.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+opts.Token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer util.CloseWithErr(resp.Body, "sync response body")
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return fmt.Errorf("sync endpoint returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	return nil
}
