// Package config loads service settings from the environment, an optional
// .env file and an optional YAML book overrides file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/dbs2/ashtrail/internal/books"
)

// Environment variable names.
const (
	EnvAddr           = "ASHTRAIL_ADDR"
	EnvDBPath         = "ASHTRAIL_DB"
	EnvBackendURL     = "ASHTRAIL_BACKEND_URL"
	EnvBackendToken   = "ASHTRAIL_BACKEND_TOKEN"
	EnvProfile        = "ASHTRAIL_PROFILE"
	EnvArchiveBucket  = "ASHTRAIL_ARCHIVE_BUCKET"
	EnvArchiveRegion  = "ASHTRAIL_ARCHIVE_REGION"
	EnvArchivePrefix  = "ASHTRAIL_ARCHIVE_PREFIX"
	EnvBooksFile      = "ASHTRAIL_BOOKS_FILE"
	EnvPartialShare   = "ASHTRAIL_PARTIAL_SHARE"
	EnvSweepInterval  = "ASHTRAIL_SWEEP_INTERVAL"
	EnvRequestTimeout = "ASHTRAIL_REQUEST_TIMEOUT"
	EnvReportTimeout  = "ASHTRAIL_REPORT_TIMEOUT"
	EnvCORSOrigins    = "ASHTRAIL_CORS_ORIGINS"
	EnvGhostTimeout   = "ASHTRAIL_GHOST_TIMEOUT"
	EnvScanWorkers    = "ASHTRAIL_SCAN_WORKERS"
)

// Config is the resolved service configuration.
type Config struct {
	Addr   string
	DBPath string

	BackendURL   string
	BackendToken string
	Profile      string

	ArchiveBucket string
	ArchiveRegion string
	ArchivePrefix string

	BooksFile     string
	PartialShare  decimal.Decimal
	BookOverrides map[string]books.Override

	SweepInterval  time.Duration
	RequestTimeout time.Duration
	ReportTimeout  time.Duration
	GhostTimeout   time.Duration
	ScanWorkers    int
	CORSOrigins    []string
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Addr:           ":8080",
		DBPath:         "ashtrail.db",
		Profile:        "default",
		ArchivePrefix:  "runs/",
		PartialShare:   decimal.RequireFromString("0.5"),
		SweepInterval:  5 * time.Second,
		RequestTimeout: 30 * time.Second,
		ReportTimeout:  30 * time.Second,
		GhostTimeout:   10 * time.Second,
		ScanWorkers:    0,
		CORSOrigins:    []string{"*"},
	}
}

// Load reads envFile (if it exists) into the process environment without
// overriding variables that are already set, then resolves the
// configuration. An empty envFile means ".env".
func Load(envFile string) (Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load %s: %w", envFile, err)
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv resolves the configuration through lookup.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	get := func(k string) string {
		v, _ := lookup(k)
		return strings.TrimSpace(v)
	}

	setString(&cfg.Addr, get(EnvAddr))
	setString(&cfg.DBPath, get(EnvDBPath))
	setString(&cfg.BackendURL, strings.TrimRight(get(EnvBackendURL), "/"))
	setString(&cfg.BackendToken, get(EnvBackendToken))
	setString(&cfg.Profile, get(EnvProfile))
	setString(&cfg.ArchiveBucket, get(EnvArchiveBucket))
	setString(&cfg.ArchiveRegion, get(EnvArchiveRegion))
	setString(&cfg.ArchivePrefix, get(EnvArchivePrefix))
	setString(&cfg.BooksFile, get(EnvBooksFile))

	if s := get(EnvPartialShare); s != "" {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", EnvPartialShare, err)
		}
		cfg.PartialShare = d
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{EnvSweepInterval, &cfg.SweepInterval},
		{EnvRequestTimeout, &cfg.RequestTimeout},
		{EnvReportTimeout, &cfg.ReportTimeout},
		{EnvGhostTimeout, &cfg.GhostTimeout},
	}
	for _, d := range durations {
		s := get(d.key)
		if s == "" {
			continue
		}
		v, err := time.ParseDuration(s)
		if err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if s := get(EnvScanWorkers); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", EnvScanWorkers, err)
		}
		cfg.ScanWorkers = n
	}

	if s := get(EnvCORSOrigins); s != "" {
		var origins []string
		for _, o := range strings.Split(s, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		cfg.CORSOrigins = origins
	}

	if cfg.BooksFile != "" {
		bf, err := LoadBooksFile(cfg.BooksFile)
		if err != nil {
			return Config{}, err
		}
		if bf.PartialShare != nil {
			cfg.PartialShare = *bf.PartialShare
		}
		cfg.BookOverrides = bf.Overrides
	}

	return cfg, nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// BooksFile is the decoded YAML overrides file.
type BooksFile struct {
	PartialShare *decimal.Decimal
	Overrides    map[string]books.Override
}

type rawBooksFile struct {
	PartialShare string                  `yaml:"partial_share"`
	Books        map[string]rawBookEntry `yaml:"books"`
}

type rawBookEntry struct {
	Name      string `yaml:"name"`
	TimeLimit string `yaml:"time_limit"`
	Reward    string `yaml:"reward"`
}

// LoadBooksFile reads a YAML file of the form
//
//	partial_share: "0.5"
//	books:
//	  wave:
//	    name: Ripple
//	    time_limit: 20s
//	    reward: "15"
func LoadBooksFile(path string) (BooksFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return BooksFile{}, fmt.Errorf("config: read books file: %w", err)
	}
	return ParseBooksFile(data)
}

// ParseBooksFile decodes the YAML overrides document in data.
func ParseBooksFile(data []byte) (BooksFile, error) {
	var raw rawBooksFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return BooksFile{}, fmt.Errorf("config: parse books file: %w", err)
	}

	var out BooksFile
	if raw.PartialShare != "" {
		d, err := decimal.NewFromString(raw.PartialShare)
		if err != nil {
			return BooksFile{}, fmt.Errorf("config: partial_share: %w", err)
		}
		out.PartialShare = &d
	}

	if len(raw.Books) > 0 {
		out.Overrides = make(map[string]books.Override, len(raw.Books))
	}
	for id, entry := range raw.Books {
		ov := books.Override{Name: strings.TrimSpace(entry.Name)}
		if entry.TimeLimit != "" {
			d, err := time.ParseDuration(entry.TimeLimit)
			if err != nil {
				return BooksFile{}, fmt.Errorf("config: book %s time_limit: %w", id, err)
			}
			ov.TimeLimit = d
		}
		if entry.Reward != "" {
			d, err := decimal.NewFromString(entry.Reward)
			if err != nil {
				return BooksFile{}, fmt.Errorf("config: book %s reward: %w", id, err)
			}
			if d.IsNegative() {
				return BooksFile{}, fmt.Errorf("config: book %s reward is negative", id)
			}
			ov.Reward = &d
		}
		out.Overrides[id] = ov
	}
	return out, nil
}
