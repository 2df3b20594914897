// Package config loads the lakehouse YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

var ErrConfiguration = errors.New("configuration error")

// maxWriteBatchSize keeps a multi-row insert of trip rows under the 65535
// bind parameter limit of Postgres.
const maxWriteBatchSize = 2500

type Config struct {
	Project      Project      `yaml:"project"`
	Storage      Storage      `yaml:"storage"`
	Batch        Batch        `yaml:"batch"`
	Warehouse    Warehouse    `yaml:"warehouse"`
	Datasets     Datasets     `yaml:"datasets"`
	Tables       Tables       `yaml:"tables"`
	SQL          SQL          `yaml:"sql"`
	Orchestrator Orchestrator `yaml:"orchestrator"`
	Ledger       Ledger       `yaml:"ledger"`
	Kafka        Kafka        `yaml:"kafka"`
	Metrics      Metrics      `yaml:"metrics"`

	// Path is the file the configuration was loaded from.
	Path string `yaml:"-"`
	// Scripts holds the SQL script texts keyed like SQL.Paths, read at load.
	Scripts map[string]string `yaml:"-"`
}

type Project struct {
	ID     string `yaml:"id"`
	Region string `yaml:"region"`
}

type Storage struct {
	Endpoint       string `yaml:"endpoint"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	Region         string `yaml:"region"`
	UseSSL         bool   `yaml:"use_ssl"`
	Bucket         string `yaml:"bucket"`
	BasePrefix     string `yaml:"base_prefix"`
	LookupFilePath string `yaml:"lookup_file_path"`
}

type Batch struct {
	Runner          string `yaml:"runner"`
	Binary          string `yaml:"binary"`
	Workers         int    `yaml:"workers"`
	WriteBatchSize  int    `yaml:"write_batch_size"`
	JobNamePrefix   string `yaml:"job_name_prefix"`
	TempLocation    string `yaml:"temp_location"`
	StagingLocation string `yaml:"staging_location"`
}

type Warehouse struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type Datasets struct {
	Bronze string `yaml:"bronze"`
	Silver string `yaml:"silver"`
	Gold   string `yaml:"gold"`
}

type Tables struct {
	BronzeTrips  string `yaml:"bronze_trips"`
	BronzeLookup string `yaml:"bronze_lookup"`
}

type SQL struct {
	Silver struct {
		Trips  string `yaml:"trips"`
		Lookup string `yaml:"lookup"`
	} `yaml:"silver"`
	Gold struct {
		DimDates     string `yaml:"dim_dates"`
		DimLocations string `yaml:"dim_locations"`
		DimPayments  string `yaml:"dim_payments"`
		FactTrips    string `yaml:"fact_trips"`
	} `yaml:"gold"`
	Analytics struct {
		Daily   string `yaml:"daily"`
		Monthly string `yaml:"monthly"`
	} `yaml:"analytics"`
}

// Paths returns the script paths keyed by their dotted config key.
func (s SQL) Paths() map[string]string {
	return map[string]string{
		"silver.trips":       s.Silver.Trips,
		"silver.lookup":      s.Silver.Lookup,
		"gold.dim_dates":     s.Gold.DimDates,
		"gold.dim_locations": s.Gold.DimLocations,
		"gold.dim_payments":  s.Gold.DimPayments,
		"gold.fact_trips":    s.Gold.FactTrips,
		"analytics.daily":    s.Analytics.Daily,
		"analytics.monthly":  s.Analytics.Monthly,
	}
}

type Retry struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
	Jitter          float64       `yaml:"jitter"`
}

// StageOverride replaces the retry attempts or timeout of one stage.
type StageOverride struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Timeout     time.Duration `yaml:"timeout"`
}

type Orchestrator struct {
	Schedule           string                   `yaml:"schedule"`
	Timezone           string                   `yaml:"timezone"`
	StartDate          time.Time                `yaml:"start_date"`
	Catchup            bool                     `yaml:"catchup"`
	WindowConcurrency  int                      `yaml:"window_concurrency"`
	StageConcurrency   int                      `yaml:"stage_concurrency"`
	LookupAllowSkipped bool                     `yaml:"lookup_allow_skipped"`
	StageTimeout       time.Duration            `yaml:"stage_timeout"`
	Retry              Retry                    `yaml:"retry"`
	Stages             map[string]StageOverride `yaml:"stages"`
}

// Location resolves Timezone.
func (o Orchestrator) Location() (*time.Location, error) {
	return time.LoadLocation(o.Timezone)
}

type Ledger struct {
	Path string `yaml:"path"`
}

type Kafka struct {
	Brokers     []string `yaml:"brokers"`
	ReportTopic string   `yaml:"report_topic"`
	EventsTopic string   `yaml:"events_topic"`
	Group       string   `yaml:"group"`
	Partitions  int32    `yaml:"partitions"`
	Replication int16    `yaml:"replication"`
}

// Enabled reports whether a broker is configured.
func (k Kafka) Enabled() bool { return len(k.Brokers) > 0 }

type Metrics struct {
	Addr string `yaml:"addr"`
}

// LoadDotEnv loads .env files into the environment. Missing files are
// ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: load %s: %w", ErrConfiguration, f, err)
		}
	}
	return nil
}

// Load reads the file at path, expands environment variables, applies
// defaults, validates the result and reads the SQL scripts. Relative script
// paths are resolved against the directory of path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.loadScripts(filepath.Dir(path)); err != nil {
		return Config{}, err
	}
	cfg.Path = path
	return cfg, nil
}

// Parse decodes and validates a configuration without reading scripts.
func Parse(data []byte) (Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader([]byte(os.ExpandEnv(string(data)))))
	dec.KnownFields(true)

	cfg := Default()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration defaults.
func Default() Config {
	return Config{
		Storage: Storage{
			Region: "us-east-1",
		},
		Batch: Batch{
			Runner:         "direct",
			Binary:         "tripload",
			Workers:        4,
			WriteBatchSize: 1000,
			JobNamePrefix:  "nyc-green-taxi-bronze",
			TempLocation:   os.TempDir(),
		},
		Warehouse: Warehouse{
			Driver: "duckdb",
			DSN:    "lakehouse.duckdb",
		},
		Datasets: Datasets{
			Bronze: "bronze",
			Silver: "silver",
			Gold:   "gold",
		},
		Orchestrator: Orchestrator{
			Schedule:          "@hourly",
			Timezone:          "UTC",
			WindowConcurrency: 1,
			StageConcurrency:  4,
			Retry: Retry{
				MaxAttempts:     3,
				InitialInterval: 5 * time.Second,
				MaxInterval:     time.Minute,
				Multiplier:      2,
				Jitter:          0.1,
			},
		},
		Ledger: Ledger{
			Path: "lakehouse.db",
		},
		Kafka: Kafka{
			ReportTopic: "lakehouse.window-reports",
			Group:       "lakehouse",
			Partitions:  1,
			Replication: 1,
		},
	}
}

// Validate reports every invalid or missing setting.
func (c Config) Validate() error {
	var errs error
	fail := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf("%w: "+format, append([]any{ErrConfiguration}, args...)...))
	}

	required := map[string]string{
		"storage.endpoint":         c.Storage.Endpoint,
		"storage.bucket":           c.Storage.Bucket,
		"storage.base_prefix":      c.Storage.BasePrefix,
		"storage.lookup_file_path": c.Storage.LookupFilePath,
		"batch.job_name_prefix":    c.Batch.JobNamePrefix,
		"warehouse.dsn":            c.Warehouse.DSN,
		"datasets.bronze":          c.Datasets.Bronze,
		"datasets.silver":          c.Datasets.Silver,
		"datasets.gold":            c.Datasets.Gold,
		"tables.bronze_trips":      c.Tables.BronzeTrips,
		"tables.bronze_lookup":     c.Tables.BronzeLookup,
		"orchestrator.schedule":    c.Orchestrator.Schedule,
		"orchestrator.timezone":    c.Orchestrator.Timezone,
	}
	for _, key := range sortedKeys(required) {
		if required[key] == "" {
			fail("%s is required", key)
		}
	}
	paths := c.SQL.Paths()
	for _, key := range sortedKeys(paths) {
		if paths[key] == "" {
			fail("sql.%s is required", key)
		}
	}

	switch c.Batch.Runner {
	case "direct":
	case "process":
		if c.Warehouse.Driver == "duckdb" {
			fail("batch.runner process needs a warehouse shared between processes, not duckdb")
		}
	default:
		fail("batch.runner must be direct or process, got %q", c.Batch.Runner)
	}
	switch c.Warehouse.Driver {
	case "duckdb", "postgres":
	default:
		fail("warehouse.driver must be duckdb or postgres, got %q", c.Warehouse.Driver)
	}
	if c.Batch.Workers < 1 {
		fail("batch.workers must be positive")
	}
	if c.Batch.WriteBatchSize < 1 || c.Batch.WriteBatchSize > maxWriteBatchSize {
		fail("batch.write_batch_size must be between 1 and %d", maxWriteBatchSize)
	}

	o := c.Orchestrator
	if _, err := o.Location(); err != nil {
		fail("orchestrator.timezone: %v", err)
	}
	if o.Catchup && o.StartDate.IsZero() {
		fail("orchestrator.start_date is required with catchup")
	}
	if o.WindowConcurrency < 1 || o.StageConcurrency < 1 {
		fail("orchestrator concurrency must be positive")
	}
	if o.Retry.MaxAttempts < 1 {
		fail("orchestrator.retry.max_attempts must be at least 1")
	}
	if o.Retry.Multiplier < 1 {
		fail("orchestrator.retry.multiplier must be at least 1")
	}
	for name, s := range o.Stages {
		if s.MaxAttempts < 0 || s.Timeout < 0 {
			fail("orchestrator.stages.%s: negative value", name)
		}
	}

	if c.Kafka.Enabled() {
		if c.Kafka.ReportTopic == "" && c.Kafka.EventsTopic == "" {
			fail("kafka needs report_topic or events_topic")
		}
		if c.Kafka.EventsTopic != "" && c.Kafka.Group == "" {
			fail("kafka.group is required with events_topic")
		}
	}
	return errs
}

func (c *Config) loadScripts(dir string) error {
	var errs error
	c.Scripts = map[string]string{}
	for key, p := range c.SQL.Paths() {
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%w: sql.%s: %w", ErrConfiguration, key, err))
			continue
		}
		c.Scripts[key] = string(data)
	}
	return errs
}

// Params are the script parameters shared by all windows.
func (c Config) Params() map[string]string {
	return map[string]string{
		"project_id":     c.Project.ID,
		"bronze_dataset": c.Datasets.Bronze,
		"silver_dataset": c.Datasets.Silver,
		"gold_dataset":   c.Datasets.Gold,
	}
}

func sortedKeys(m map[string]string) []string {
	return slices.Sorted(maps.Keys(m))
}
