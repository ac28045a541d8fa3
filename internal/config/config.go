package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	validLogLevels     = []string{"debug", "info", "warn", "error"}
	validProviderTypes = []string{"github", "gitlab", "bitbucket", "bitbucket_server", "azure_devops"}
	validTraceModes    = []string{"off", "errors", "sampled", "detailed"}

	// Providers without a canonical public endpoint need an explicit URL.
	urlRequiredProviders = []string{"bitbucket_server", "azure_devops"}
)

// Config is the root application configuration. Loaded once at startup and
// read-only thereafter.
type Config struct {
	LogLevel     string
	Provider     ProviderConfig
	Repositories RepoFilterConfig
	Contributors ContributorFilterConfig
	HTTP         HTTPConfig
	RateLimit    RateLimitConfig
	Retry        RetryConfig
	Telemetry    TelemetryConfig
}

// ProviderConfig selects and addresses the hosting provider.
type ProviderConfig struct {
	Type string
	Org  string
	URL  string
}

// RepoFilterConfig holds repository admission rules.
type RepoFilterConfig struct {
	Include []RepoRule
	Exclude []RepoRule
}

// RepoRule matches a repository name by glob pattern or exact string.
// Exactly one field is set.
type RepoRule struct {
	Pattern string `yaml:"pattern"`
	Exact   string `yaml:"exact"`
}

// ContributorFilterConfig holds contributor exclusion rules.
type ContributorFilterConfig struct {
	Exclude []ContributorRule
}

// ContributorRule excludes a contributor when any clause matches.
type ContributorRule struct {
	Pattern string   `yaml:"pattern"`
	Users   []string `yaml:"users"`
	Emails  []string `yaml:"emails"`
	Domains []string `yaml:"domains"`
}

// HTTPConfig contains HTTP client settings.
type HTTPConfig struct {
	RequestTimeout time.Duration
}

// RateLimitConfig configures rate-limit controls.
type RateLimitConfig struct {
	MinRemainingThreshold int
	MinResetBuffer        time.Duration
	ThrottleBackoff       time.Duration
}

// RetryConfig configures retries for transient request failures.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Jitter         bool
}

// TelemetryConfig configures OpenTelemetry behavior.
type TelemetryConfig struct {
	OTELEnabled          bool
	OTELExporterEndpoint string
	OTELTraceMode        string
	OTELTraceSampleRatio float64
}

// Load reads configuration from YAML and validates the result.
func Load(reader io.Reader) (*Config, error) {
	if reader == nil {
		return nil, fmt.Errorf("config reader is nil")
	}

	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)

	var raw rawConfig
	if err := decoder.Decode(&raw); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	cfg := raw.toConfig()
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates configuration values, collecting every problem instead
// of stopping at the first.
func (c *Config) Validate() error {
	var errs []string

	if !slices.Contains(validLogLevels, c.LogLevel) {
		errs = append(errs, "log_level must be one of debug|info|warn|error")
	}

	if !slices.Contains(validProviderTypes, c.Provider.Type) {
		errs = append(errs, "provider.type must be one of "+strings.Join(validProviderTypes, "|"))
	}
	if c.Provider.Org == "" {
		errs = append(errs, "provider.org is required")
	}
	if c.Provider.URL == "" && slices.Contains(urlRequiredProviders, c.Provider.Type) {
		errs = append(errs, "provider.url is required for provider.type="+c.Provider.Type)
	}

	for i, rule := range c.Repositories.Include {
		errs = append(errs, validateRepoRule(fmt.Sprintf("repositories.include[%d]", i), rule)...)
	}
	for i, rule := range c.Repositories.Exclude {
		errs = append(errs, validateRepoRule(fmt.Sprintf("repositories.exclude[%d]", i), rule)...)
	}
	for i, rule := range c.Contributors.Exclude {
		errs = append(errs, validateContributorRule(fmt.Sprintf("contributors.exclude[%d]", i), rule)...)
	}

	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, "retry.max_attempts must be > 0")
	}
	if c.Retry.InitialBackoff <= 0 {
		errs = append(errs, "retry.initial_backoff must be > 0")
	}
	if c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		errs = append(errs, "retry.max_backoff must be >= retry.initial_backoff")
	}
	if c.HTTP.RequestTimeout <= 0 {
		errs = append(errs, "http.request_timeout must be > 0")
	}

	if !slices.Contains(validTraceModes, c.Telemetry.OTELTraceMode) {
		errs = append(errs, "telemetry.otel_trace_mode must be one of off|errors|sampled|detailed")
	}
	if c.Telemetry.OTELTraceSampleRatio < 0 || c.Telemetry.OTELTraceSampleRatio > 1 {
		errs = append(errs, "telemetry.otel_trace_sample_ratio must be within [0, 1]")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateRepoRule(prefix string, rule RepoRule) []string {
	var errs []string
	if (rule.Pattern == "") == (rule.Exact == "") {
		errs = append(errs, prefix+" must set exactly one of pattern or exact")
	}
	if rule.Pattern != "" {
		errs = append(errs, validateGlob(prefix+".pattern", rule.Pattern)...)
	}
	return errs
}

func validateContributorRule(prefix string, rule ContributorRule) []string {
	var errs []string
	if rule.Pattern == "" && len(rule.Users) == 0 && len(rule.Emails) == 0 && len(rule.Domains) == 0 {
		errs = append(errs, prefix+" must set at least one of pattern, users, emails, domains")
	}
	if rule.Pattern != "" {
		errs = append(errs, validateGlob(prefix+".pattern", rule.Pattern)...)
	}
	for i, pattern := range rule.Emails {
		errs = append(errs, validateGlob(fmt.Sprintf("%s.emails[%d]", prefix, i), pattern)...)
	}
	for i, pattern := range rule.Domains {
		errs = append(errs, validateGlob(fmt.Sprintf("%s.domains[%d]", prefix, i), pattern)...)
	}
	return errs
}

func validateGlob(prefix, pattern string) []string {
	if _, err := path.Match(pattern, "probe"); err != nil {
		return []string{prefix + " is not a valid glob pattern: " + pattern}
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.HTTP.RequestTimeout == 0 {
		cfg.HTTP.RequestTimeout = 30 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 5
	}
	if cfg.Retry.InitialBackoff == 0 {
		cfg.Retry.InitialBackoff = 2 * time.Second
	}
	if cfg.Retry.MaxBackoff == 0 {
		cfg.Retry.MaxBackoff = 10 * time.Minute
	}
	if cfg.RateLimit.MinRemainingThreshold == 0 {
		cfg.RateLimit.MinRemainingThreshold = 1
	}
	if cfg.RateLimit.MinResetBuffer == 0 {
		cfg.RateLimit.MinResetBuffer = time.Second
	}
	if cfg.RateLimit.ThrottleBackoff == 0 {
		cfg.RateLimit.ThrottleBackoff = time.Minute
	}
	if cfg.Telemetry.OTELTraceMode == "" {
		cfg.Telemetry.OTELTraceMode = "off"
	}
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind == 0 || strings.TrimSpace(value.Value) == "" {
		d.Duration = 0
		return nil
	}

	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}

	parsed, err := parseFlexibleDuration(raw)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func parseFlexibleDuration(raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}

	if standard, err := time.ParseDuration(trimmed); err == nil {
		return standard, nil
	}

	if strings.HasSuffix(trimmed, "d") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "d"), 24)
	}
	if strings.HasSuffix(trimmed, "w") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "w"), 24*7)
	}

	return 0, fmt.Errorf("parse duration %q: invalid unit", raw)
}

func parseDurationWithMultiplier(numeric string, multiplierHours float64) (time.Duration, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(numeric), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration value %q: %w", numeric, err)
	}

	nanos := value * multiplierHours * float64(time.Hour)
	if nanos > math.MaxInt64 || nanos < math.MinInt64 {
		return 0, fmt.Errorf("parse duration value %q: out of range", numeric)
	}
	return time.Duration(nanos), nil
}

type rawConfig struct {
	LogLevel     string             `yaml:"log_level"`
	Provider     ProviderConfig     `yaml:"provider"`
	Repositories rawRepoFilter      `yaml:"repositories"`
	Contributors rawContributorList `yaml:"contributors"`
	HTTP         rawHTTP            `yaml:"http"`
	RateLimit    rawRateLimit       `yaml:"rate_limit"`
	Retry        rawRetry           `yaml:"retry"`
	Telemetry    rawTelemetry       `yaml:"telemetry"`
}

type rawRepoFilter struct {
	Include []RepoRule `yaml:"include"`
	Exclude []RepoRule `yaml:"exclude"`
}

type rawContributorList struct {
	Exclude []ContributorRule `yaml:"exclude"`
}

type rawHTTP struct {
	RequestTimeout duration `yaml:"request_timeout"`
}

type rawRateLimit struct {
	MinRemainingThreshold int      `yaml:"min_remaining_threshold"`
	MinResetBuffer        duration `yaml:"min_reset_buffer"`
	ThrottleBackoff       duration `yaml:"throttle_backoff"`
}

type rawRetry struct {
	MaxAttempts    int      `yaml:"max_attempts"`
	InitialBackoff duration `yaml:"initial_backoff"`
	MaxBackoff     duration `yaml:"max_backoff"`
	Jitter         *bool    `yaml:"jitter"`
}

type rawTelemetry struct {
	OTELEnabled          bool    `yaml:"otel_enabled"`
	OTELExporterEndpoint string  `yaml:"otel_exporter_otlp_endpoint"`
	OTELTraceMode        string  `yaml:"otel_trace_mode"`
	OTELTraceSampleRatio float64 `yaml:"otel_trace_sample_ratio"`
}

func (r rawConfig) toConfig() *Config {
	jitter := true
	if r.Retry.Jitter != nil {
		jitter = *r.Retry.Jitter
	}
	return &Config{
		LogLevel: r.LogLevel,
		Provider: r.Provider,
		Repositories: RepoFilterConfig{
			Include: r.Repositories.Include,
			Exclude: r.Repositories.Exclude,
		},
		Contributors: ContributorFilterConfig{
			Exclude: r.Contributors.Exclude,
		},
		HTTP: HTTPConfig{
			RequestTimeout: r.HTTP.RequestTimeout.Duration,
		},
		RateLimit: RateLimitConfig{
			MinRemainingThreshold: r.RateLimit.MinRemainingThreshold,
			MinResetBuffer:        r.RateLimit.MinResetBuffer.Duration,
			ThrottleBackoff:       r.RateLimit.ThrottleBackoff.Duration,
		},
		Retry: RetryConfig{
			MaxAttempts:    r.Retry.MaxAttempts,
			InitialBackoff: r.Retry.InitialBackoff.Duration,
			MaxBackoff:     r.Retry.MaxBackoff.Duration,
			Jitter:         jitter,
		},
		Telemetry: TelemetryConfig{
			OTELEnabled:          r.Telemetry.OTELEnabled,
			OTELExporterEndpoint: r.Telemetry.OTELExporterEndpoint,
			OTELTraceMode:        r.Telemetry.OTELTraceMode,
			OTELTraceSampleRatio: r.Telemetry.OTELTraceSampleRatio,
		},
	}
}
