package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
log_level: "debug"
provider:
  type: "gitlab"
  org: "acme"
  url: "https://gitlab.acme.io"
repositories:
  include:
    - pattern: "svc-*"
    - exact: "docs"
  exclude:
    - pattern: "*-archive"
contributors:
  exclude:
    - pattern: "*-bot"
      users: ["mallory"]
      emails: ["*@vendor.example"]
      domains: ["contractors.example"]
http:
  request_timeout: "20s"
rate_limit:
  min_remaining_threshold: 50
  min_reset_buffer: "5s"
  throttle_backoff: "90s"
retry:
  max_attempts: 7
  initial_backoff: "3s"
  max_backoff: "5m"
  jitter: false
telemetry:
  otel_enabled: true
  otel_trace_mode: "detailed"
  otel_trace_sample_ratio: 0.5
`

func TestLoadValidConfiguration(t *testing.T) {
	t.Parallel()

	cfg, err := Load(strings.NewReader(validYAML))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "gitlab", cfg.Provider.Type)
	assert.Equal(t, "acme", cfg.Provider.Org)
	assert.Equal(t, "https://gitlab.acme.io", cfg.Provider.URL)

	require.Len(t, cfg.Repositories.Include, 2)
	assert.Equal(t, "svc-*", cfg.Repositories.Include[0].Pattern)
	assert.Equal(t, "docs", cfg.Repositories.Include[1].Exact)
	require.Len(t, cfg.Contributors.Exclude, 1)
	assert.Equal(t, []string{"mallory"}, cfg.Contributors.Exclude[0].Users)

	assert.Equal(t, 20*time.Second, cfg.HTTP.RequestTimeout)
	assert.Equal(t, 50, cfg.RateLimit.MinRemainingThreshold)
	assert.Equal(t, 90*time.Second, cfg.RateLimit.ThrottleBackoff)
	assert.Equal(t, 7, cfg.Retry.MaxAttempts)
	assert.Equal(t, 3*time.Second, cfg.Retry.InitialBackoff)
	assert.Equal(t, 5*time.Minute, cfg.Retry.MaxBackoff)
	assert.False(t, cfg.Retry.Jitter)
	assert.True(t, cfg.Telemetry.OTELEnabled)
	assert.Equal(t, "detailed", cfg.Telemetry.OTELTraceMode)
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(strings.NewReader(`
provider:
  type: "github"
  org: "acme"
`))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.HTTP.RequestTimeout)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Retry.InitialBackoff)
	assert.Equal(t, 10*time.Minute, cfg.Retry.MaxBackoff)
	assert.True(t, cfg.Retry.Jitter)
	assert.Equal(t, 1, cfg.RateLimit.MinRemainingThreshold)
	assert.Equal(t, time.Second, cfg.RateLimit.MinResetBuffer)
	assert.Equal(t, time.Minute, cfg.RateLimit.ThrottleBackoff)
	assert.Equal(t, "off", cfg.Telemetry.OTELTraceMode)
}

func TestLoadValidation(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name       string
		yaml       string
		errSubstrs []string
	}{
		{
			name: "missing_org_and_bad_type",
			yaml: `
provider:
  type: "cvs"
`,
			errSubstrs: []string{"provider.type must be one of", "provider.org is required"},
		},
		{
			name: "url_required_for_bitbucket_server",
			yaml: `
provider:
  type: "bitbucket_server"
  org: "INFRA"
`,
			errSubstrs: []string{"provider.url is required for provider.type=bitbucket_server"},
		},
		{
			name: "url_required_for_azure_devops",
			yaml: `
provider:
  type: "azure_devops"
  org: "Platform"
`,
			errSubstrs: []string{"provider.url is required for provider.type=azure_devops"},
		},
		{
			name: "repo_rule_must_set_exactly_one_field",
			yaml: `
provider:
  type: "github"
  org: "acme"
repositories:
  include:
    - pattern: "svc-*"
      exact: "docs"
    - {}
`,
			errSubstrs: []string{
				"repositories.include[0] must set exactly one of pattern or exact",
				"repositories.include[1] must set exactly one of pattern or exact",
			},
		},
		{
			name: "malformed_glob_rejected",
			yaml: `
provider:
  type: "github"
  org: "acme"
repositories:
  exclude:
    - pattern: "svc-["
`,
			errSubstrs: []string{"repositories.exclude[0].pattern is not a valid glob pattern"},
		},
		{
			name: "empty_contributor_rule_rejected",
			yaml: `
provider:
  type: "github"
  org: "acme"
contributors:
  exclude:
    - {}
`,
			errSubstrs: []string{"contributors.exclude[0] must set at least one of"},
		},
		{
			name: "invalid_log_level",
			yaml: `
log_level: "verbose"
provider:
  type: "github"
  org: "acme"
`,
			errSubstrs: []string{"log_level must be one of debug|info|warn|error"},
		},
		{
			name: "retry_bounds",
			yaml: `
provider:
  type: "github"
  org: "acme"
retry:
  max_attempts: 5
  initial_backoff: "10m"
  max_backoff: "1s"
`,
			errSubstrs: []string{"retry.max_backoff must be >= retry.initial_backoff"},
		},
		{
			name: "invalid_trace_mode_and_ratio",
			yaml: `
provider:
  type: "github"
  org: "acme"
telemetry:
  otel_trace_mode: "firehose"
  otel_trace_sample_ratio: 1.5
`,
			errSubstrs: []string{
				"telemetry.otel_trace_mode must be one of off|errors|sampled|detailed",
				"telemetry.otel_trace_sample_ratio must be within [0, 1]",
			},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := Load(strings.NewReader(tc.yaml))
			require.Error(t, err)
			for _, substr := range tc.errSubstrs {
				assert.Contains(t, err.Error(), substr)
			}
		})
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	_, err := Load(strings.NewReader(`
provider:
  type: "github"
  org: "acme"
persistence:
  enabled: true
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmarshal yaml")
}

func TestLoadRejectsNilReader(t *testing.T) {
	t.Parallel()

	_, err := Load(nil)
	require.Error(t, err)
}

func TestParseFlexibleDuration(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{name: "standard_unit", raw: "90s", want: 90 * time.Second},
		{name: "days_suffix", raw: "2d", want: 48 * time.Hour},
		{name: "weeks_suffix", raw: "1w", want: 7 * 24 * time.Hour},
		{name: "fractional_days", raw: "0.5d", want: 12 * time.Hour},
		{name: "empty_is_zero", raw: "", want: 0},
		{name: "unknown_unit", raw: "3y", wantErr: true},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := parseFlexibleDuration(tc.raw)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
