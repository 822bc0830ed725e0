// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mastomod Contributors

package config

import (
	"errors"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	moderr "github.com/halcy/mastodon-mod-tools/pkg/errors"
	"github.com/spf13/viper"
)

// Config is the top-level mastomod configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Mastodon  MastodonConfig  `mapstructure:"mastodon"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Scanner   ScannerConfig   `mapstructure:"scanner"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Graylist  GraylistConfig  `mapstructure:"graylist"`
}

// ServerConfig controls the HTTP surface.
type ServerConfig struct {
	Listen        string   `mapstructure:"listen"`
	WebhookSecret string   `mapstructure:"webhook_secret"`
	CORSOrigins   []string `mapstructure:"cors_origins"`
}

// MastodonConfig holds credentials for the moderated server.
type MastodonConfig struct {
	BaseURL     string `mapstructure:"base_url"`
	AccessToken string `mapstructure:"access_token"`
}

// EmbeddingConfig selects and configures the embedding provider.
type EmbeddingConfig struct {
	// Provider is "openai" or "clip".
	Provider string `mapstructure:"provider"`
	// APIKey authenticates against the openai provider.
	APIKey string `mapstructure:"api_key"`
	// ServiceURL is the base URL of the clip sidecar.
	ServiceURL string `mapstructure:"service_url"`
	Dimensions int    `mapstructure:"dimensions"`
	// CacheFile is the sqlite database memoizing embeddings; empty
	// disables caching.
	CacheFile string `mapstructure:"cache_file"`
}

// ScannerConfig controls the account scanning worker.
type ScannerConfig struct {
	EmbedDBFile       string        `mapstructure:"embed_db_file"`
	RawDBDir          string        `mapstructure:"raw_db_dir"`
	ImageExtensions   []string      `mapstructure:"image_extensions"`
	WaitTime          time.Duration `mapstructure:"wait_time"`
	PreemptiveSilence bool          `mapstructure:"preemptive_silence"`
	PanicStop         int           `mapstructure:"panic_stop"`
	MaxFetchPages     int           `mapstructure:"max_fetch_pages"`
	IDHistLength      int           `mapstructure:"id_hist_length"`
}

// LedgerConfig controls report reconciliation.
type LedgerConfig struct {
	ReportDBFile             string        `mapstructure:"report_db_file"`
	ReconcileInterval        time.Duration `mapstructure:"reconcile_interval"`
	AutocloseBadStatusNb     int           `mapstructure:"autoclose_bad_status_nb"`
	AutocloseBadStatusThresh float64       `mapstructure:"autoclose_bad_status_thresh"`
}

// GraylistConfig controls instance graylisting.
type GraylistConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	PullInterval      time.Duration `mapstructure:"pull_interval"`
	OkStatusNb        int           `mapstructure:"ok_status_nb"`
	OkStatusThreshold float64       `mapstructure:"ok_status_threshold"`
}

// Load reads configuration from the given path (or defaults) with
// environment variable overrides (prefix MASTOMOD_).
func Load(path string) (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.listen", "127.0.0.1:8291")
	v.SetDefault("embedding.provider", "openai")
	v.SetDefault("embedding.dimensions", 512)
	v.SetDefault("scanner.embed_db_file", "embed_db.json")
	v.SetDefault("scanner.raw_db_dir", "raw_db")
	v.SetDefault("scanner.image_extensions", []string{"png", "jpg", "jpeg", "webp", "gif"})
	v.SetDefault("scanner.wait_time", 300*time.Second)
	v.SetDefault("scanner.preemptive_silence", false)
	v.SetDefault("scanner.panic_stop", 10)
	v.SetDefault("scanner.max_fetch_pages", 20)
	v.SetDefault("scanner.id_hist_length", 1000)
	v.SetDefault("ledger.report_db_file", "report_db.json")
	v.SetDefault("ledger.reconcile_interval", 300*time.Second)
	v.SetDefault("ledger.autoclose_bad_status_nb", 5)
	v.SetDefault("ledger.autoclose_bad_status_thresh", 0.9)
	v.SetDefault("graylist.enabled", false)
	v.SetDefault("graylist.pull_interval", 300*time.Second)
	v.SetDefault("graylist.ok_status_nb", 5)
	v.SetDefault("graylist.ok_status_threshold", 0.8)

	// Environment
	v.SetEnvPrefix("MASTOMOD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// File
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, moderr.Errorf(moderr.CodeConfigLoadReadFailure, "reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, moderr.Errorf(moderr.CodeConfigValidateInvalidValue, "unmarshalling config: %w", err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, moderr.Errorf(moderr.CodeConfigValidateInvalidValue, "validating config: %w", errors.Join(errs...))
	}

	return &cfg, nil
}

// Validate checks the configuration for logical errors. It returns a
// slice of all validation errors found, collecting all issues rather
// than stopping at the first one.
func (c *Config) Validate() []error {
	var errs []error

	errs = append(errs, c.validateServer()...)
	errs = append(errs, c.validateMastodon()...)
	errs = append(errs, c.validateEmbedding()...)
	errs = append(errs, c.validateScanner()...)
	errs = append(errs, c.validateLedger()...)
	errs = append(errs, c.validateGraylist()...)

	return errs
}

func (c *Config) validateServer() []error {
	var errs []error

	if c.Server.Listen == "" {
		errs = append(errs, moderr.Errorf(moderr.CodeConfigValidateInvalidValue, "config: server.listen must not be empty"))
	} else {
		_, portStr, err := net.SplitHostPort(c.Server.Listen)
		if err != nil {
			errs = append(errs, moderr.Errorf(moderr.CodeConfigValidateInvalidValue,
				"config: server.listen must be a valid host:port address, got %q: %w",
				c.Server.Listen, err,
			))
		} else if port, err := strconv.Atoi(portStr); err != nil || port < 1 || port > 65535 {
			errs = append(errs, moderr.Errorf(moderr.CodeConfigValidateInvalidValue,
				"config: server.listen port must be a number between 1 and 65535, got %q",
				portStr,
			))
		}
	}

	return errs
}

func (c *Config) validateMastodon() []error {
	var errs []error

	if c.Mastodon.BaseURL == "" {
		errs = append(errs, moderr.Errorf(moderr.CodeConfigValidateInvalidValue, "config: mastodon.base_url must not be empty"))
	} else if u, err := url.Parse(c.Mastodon.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, moderr.Errorf(moderr.CodeConfigValidateInvalidValue,
			"config: mastodon.base_url must be an absolute URL, got %q",
			c.Mastodon.BaseURL,
		))
	}

	if c.Mastodon.AccessToken == "" {
		errs = append(errs, moderr.Errorf(moderr.CodeConfigValidateInvalidValue, "config: mastodon.access_token must not be empty"))
	}

	return errs
}

func (c *Config) validateEmbedding() []error {
	var errs []error

	validProviders := map[string]bool{"openai": true, "clip": true}
	if !validProviders[c.Embedding.Provider] {
		errs = append(errs, moderr.Errorf(moderr.CodeConfigValidateInvalidValue,
			"config: embedding.provider must be one of [openai, clip], got %q",
			c.Embedding.Provider,
		))
	}

	if c.Embedding.Provider == "clip" && c.Embedding.ServiceURL == "" {
		errs = append(errs, moderr.Errorf(moderr.CodeConfigValidateInvalidValue,
			"config: embedding.service_url must not be empty when embedding.provider is clip"))
	}

	if c.Embedding.Dimensions <= 0 {
		errs = append(errs, moderr.Errorf(moderr.CodeConfigValidateInvalidValue,
			"config: embedding.dimensions must be greater than 0, got %d",
			c.Embedding.Dimensions,
		))
	}

	return errs
}

func (c *Config) validateScanner() []error {
	var errs []error

	if c.Scanner.EmbedDBFile == "" {
		errs = append(errs, moderr.Errorf(moderr.CodeConfigValidateInvalidValue, "config: scanner.embed_db_file must not be empty"))
	}
	if c.Scanner.RawDBDir == "" {
		errs = append(errs, moderr.Errorf(moderr.CodeConfigValidateInvalidValue, "config: scanner.raw_db_dir must not be empty"))
	}
	if c.Scanner.WaitTime <= 0 {
		errs = append(errs, moderr.Errorf(moderr.CodeConfigValidateInvalidValue,
			"config: scanner.wait_time must be greater than 0, got %s",
			c.Scanner.WaitTime,
		))
	}
	if c.Scanner.PanicStop <= 0 {
		errs = append(errs, moderr.Errorf(moderr.CodeConfigValidateInvalidValue,
			"config: scanner.panic_stop must be greater than 0, got %d",
			c.Scanner.PanicStop,
		))
	}
	if c.Scanner.MaxFetchPages <= 0 {
		errs = append(errs, moderr.Errorf(moderr.CodeConfigValidateInvalidValue,
			"config: scanner.max_fetch_pages must be greater than 0, got %d",
			c.Scanner.MaxFetchPages,
		))
	}
	if c.Scanner.IDHistLength <= 0 {
		errs = append(errs, moderr.Errorf(moderr.CodeConfigValidateInvalidValue,
			"config: scanner.id_hist_length must be greater than 0, got %d",
			c.Scanner.IDHistLength,
		))
	}

	return errs
}

func (c *Config) validateLedger() []error {
	var errs []error

	if c.Ledger.ReportDBFile == "" {
		errs = append(errs, moderr.Errorf(moderr.CodeConfigValidateInvalidValue, "config: ledger.report_db_file must not be empty"))
	}
	if c.Ledger.ReconcileInterval <= 0 {
		errs = append(errs, moderr.Errorf(moderr.CodeConfigValidateInvalidValue,
			"config: ledger.reconcile_interval must be greater than 0, got %s",
			c.Ledger.ReconcileInterval,
		))
	}
	if c.Ledger.AutocloseBadStatusNb <= 0 {
		errs = append(errs, moderr.Errorf(moderr.CodeConfigValidateInvalidValue,
			"config: ledger.autoclose_bad_status_nb must be greater than 0, got %d",
			c.Ledger.AutocloseBadStatusNb,
		))
	}
	if c.Ledger.AutocloseBadStatusThresh <= 0 || c.Ledger.AutocloseBadStatusThresh > 1 {
		errs = append(errs, moderr.Errorf(moderr.CodeConfigValidateInvalidValue,
			"config: ledger.autoclose_bad_status_thresh must be in (0, 1], got %g",
			c.Ledger.AutocloseBadStatusThresh,
		))
	}

	return errs
}

func (c *Config) validateGraylist() []error {
	var errs []error

	if !c.Graylist.Enabled {
		return errs
	}

	if c.Graylist.PullInterval <= 0 {
		errs = append(errs, moderr.Errorf(moderr.CodeConfigValidateInvalidValue,
			"config: graylist.pull_interval must be greater than 0, got %s",
			c.Graylist.PullInterval,
		))
	}
	if c.Graylist.OkStatusNb <= 0 {
		errs = append(errs, moderr.Errorf(moderr.CodeConfigValidateInvalidValue,
			"config: graylist.ok_status_nb must be greater than 0, got %d",
			c.Graylist.OkStatusNb,
		))
	}
	if c.Graylist.OkStatusThreshold <= 0 || c.Graylist.OkStatusThreshold > 1 {
		errs = append(errs, moderr.Errorf(moderr.CodeConfigValidateInvalidValue,
			"config: graylist.ok_status_threshold must be in (0, 1], got %g",
			c.Graylist.OkStatusThreshold,
		))
	}

	return errs
}
