package config

import (
	"os"
	"strings"

	"squill/internal/runinfo"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config captures all runtime options for the harness.
type Config struct {
	RegistryDir    string             `yaml:"registry_dir"`
	StorePath      string             `yaml:"store_path"`
	OutputDir      string             `yaml:"output_dir"`
	ConfigVersion  string             `yaml:"config_version"`
	Baseline       string             `yaml:"baseline"`
	SamplesPerCase int                `yaml:"samples_per_case"`
	Workers        int                `yaml:"workers"`
	ArchiveRuns    bool               `yaml:"archive_runs"`
	Snapshot       SnapshotConfig     `yaml:"snapshot"`
	Backend        BackendConfig      `yaml:"backend"`
	Logging        Logging            `yaml:"logging"`
	Storage        StorageConfig      `yaml:"storage"`
	RunInfo        *runinfo.BasicInfo `yaml:"-"`
}

// SnapshotConfig points the executor at the read-only reference database.
type SnapshotConfig struct {
	DSN                string `yaml:"dsn"`
	Database           string `yaml:"database"`
	StatementTimeoutMs int    `yaml:"statement_timeout_ms"`
	PingTimeoutMs      int    `yaml:"ping_timeout_ms"`
	MaxResultRows      int    `yaml:"max_result_rows"`
	MaxOpenConns       int    `yaml:"max_open_conns"`
}

// BackendConfig selects and tunes the NL2SQL backend.
type BackendConfig struct {
	Kind             string `yaml:"kind"`
	Endpoint         string `yaml:"endpoint"`
	Model            string `yaml:"model"`
	TokenEnv         string `yaml:"token_env"`
	RequestTimeoutMs int    `yaml:"request_timeout_ms"`
	MaxConcurrency   int    `yaml:"max_concurrency"`
	ScriptPath       string `yaml:"script_path"`
}

// Logging controls stdout logging behavior.
type Logging struct {
	Verbose               bool   `yaml:"verbose"`
	ReportIntervalSeconds int    `yaml:"report_interval_seconds"`
	LogFile               string `yaml:"log_file"`
}

// StorageConfig holds external storage settings.
type StorageConfig struct {
	S3  S3Config  `yaml:"s3"`
	GCS GCSConfig `yaml:"gcs"`
}

// CloudEnabled reports whether any cloud storage backend is enabled.
func (s StorageConfig) CloudEnabled() bool {
	return s.GCS.Enabled || s.S3.Enabled
}

// S3Config configures S3 uploads (legacy and S3-compatible endpoints).
type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// GCSConfig configures GCS uploads.
type GCSConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	CredentialsFile string `yaml:"credentials_file"`
}

// Load reads configuration from a YAML file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	normalizeConfig(&cfg)
	cfg.RunInfo = runinfo.FromEnv()
	return cfg, nil
}

const (
	statementTimeoutMsDefault = 30000
	pingTimeoutMsDefault      = 5000
	maxResultRowsDefault      = 10000
	maxOpenConnsDefault       = 8
	requestTimeoutMsDefault   = 60000
	maxConcurrencyDefault     = 2
)

// BackendKinds lists the accepted backend.kind values.
var BackendKinds = []string{"http", "script"}

func normalizeConfig(cfg *Config) {
	if cfg.SamplesPerCase <= 0 {
		cfg.SamplesPerCase = 1
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Snapshot.StatementTimeoutMs <= 0 {
		cfg.Snapshot.StatementTimeoutMs = statementTimeoutMsDefault
	}
	if cfg.Snapshot.PingTimeoutMs <= 0 {
		cfg.Snapshot.PingTimeoutMs = pingTimeoutMsDefault
	}
	if cfg.Snapshot.MaxResultRows <= 0 {
		cfg.Snapshot.MaxResultRows = maxResultRowsDefault
	}
	if cfg.Snapshot.MaxOpenConns <= 0 {
		cfg.Snapshot.MaxOpenConns = maxOpenConnsDefault
	}
	if cfg.Snapshot.Database != "" {
		cfg.Snapshot.DSN = ensureDatabaseInDSN(cfg.Snapshot.DSN, cfg.Snapshot.Database)
	}
	if cfg.Backend.Kind == "" {
		cfg.Backend.Kind = "http"
	}
	cfg.Backend.Kind = strings.ToLower(strings.TrimSpace(cfg.Backend.Kind))
	if cfg.Backend.RequestTimeoutMs <= 0 {
		cfg.Backend.RequestTimeoutMs = requestTimeoutMsDefault
	}
	if cfg.Backend.MaxConcurrency <= 0 {
		cfg.Backend.MaxConcurrency = maxConcurrencyDefault
	}
	if cfg.Logging.ReportIntervalSeconds <= 0 {
		cfg.Logging.ReportIntervalSeconds = 30
	}
}

// Validate rejects configurations the harness cannot run with.
func (c Config) Validate() error {
	if c.RegistryDir == "" {
		return errors.New("config: registry_dir is required")
	}
	if c.StorePath == "" {
		return errors.New("config: store_path is required")
	}
	if c.Snapshot.DSN == "" {
		return errors.New("config: snapshot.dsn is required")
	}
	validKind := false
	for _, kind := range BackendKinds {
		if c.Backend.Kind == kind {
			validKind = true
			break
		}
	}
	if !validKind {
		return errors.Errorf("config: backend.kind %q is not one of %v", c.Backend.Kind, BackendKinds)
	}
	if c.Backend.Kind == "http" && c.Backend.Endpoint == "" {
		return errors.New("config: backend.endpoint is required for the http backend")
	}
	if c.Backend.Kind == "script" && c.Backend.ScriptPath == "" {
		return errors.New("config: backend.script_path is required for the script backend")
	}
	return nil
}

func ensureDatabaseInDSN(dsn string, dbName string) string {
	if dsn == "" || dbName == "" {
		return dsn
	}
	slash := strings.Index(dsn, "/")
	if slash < 0 {
		return dsn
	}
	query := strings.Index(dsn[slash+1:], "?")
	if query >= 0 {
		query = slash + 1 + query
	}
	afterSlash := dsn[slash+1:]
	if query >= 0 {
		afterSlash = dsn[slash+1 : query]
	}
	if strings.TrimSpace(afterSlash) != "" {
		return dsn
	}
	if query >= 0 {
		return dsn[:slash+1] + dbName + dsn[query:]
	}
	return dsn + dbName
}

// UpdateDatabaseInDSN replaces the database name in the DSN path with dbName.
// It preserves query parameters, if any.
func UpdateDatabaseInDSN(dsn string, dbName string) string {
	if dsn == "" || dbName == "" {
		return dsn
	}
	slash := strings.Index(dsn, "/")
	if slash < 0 {
		return dsn
	}
	query := strings.Index(dsn[slash+1:], "?")
	if query >= 0 {
		query = slash + 1 + query
		return dsn[:slash+1] + dbName + dsn[query:]
	}
	return dsn[:slash+1] + dbName
}

// ServerDSN strips the database name from a DSN while preserving query parameters.
// Connecting without a schema lets the executor tell a down server apart from a
// missing snapshot database.
func ServerDSN(dsn string) string {
	if dsn == "" {
		return dsn
	}
	slash := strings.Index(dsn, "/")
	if slash < 0 {
		return dsn
	}
	query := strings.Index(dsn[slash+1:], "?")
	if query >= 0 {
		query = slash + 1 + query
		return dsn[:slash+1] + dsn[query:]
	}
	return dsn[:slash+1]
}

func defaultConfig() Config {
	return Config{
		RegistryDir:    "registry",
		StorePath:      "runs.db",
		OutputDir:      "reports",
		SamplesPerCase: 1,
		Workers:        4,
		ArchiveRuns:    true,
		Snapshot: SnapshotConfig{
			DSN:                "root:@tcp(127.0.0.1:4000)/",
			Database:           "climate_snapshot",
			StatementTimeoutMs: statementTimeoutMsDefault,
			PingTimeoutMs:      pingTimeoutMsDefault,
			MaxResultRows:      maxResultRowsDefault,
			MaxOpenConns:       maxOpenConnsDefault,
		},
		Backend: BackendConfig{
			Kind:             "http",
			TokenEnv:         "SQUILL_BACKEND_TOKEN",
			RequestTimeoutMs: requestTimeoutMsDefault,
			MaxConcurrency:   maxConcurrencyDefault,
		},
		Logging: Logging{
			ReportIntervalSeconds: 30,
		},
	}
}
