package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/devmetrics/contrib-count/internal/config"
	"github.com/devmetrics/contrib-count/internal/counter"
	"github.com/devmetrics/contrib-count/internal/filter"
	"github.com/devmetrics/contrib-count/internal/provider"
	"github.com/devmetrics/contrib-count/internal/providerapi"
	"github.com/devmetrics/contrib-count/internal/report"
	"github.com/devmetrics/contrib-count/internal/telemetry"
)

var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "contrib-count: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "contrib-count",
		Short:         "Count unique contributors across an organization's repositories.",
		Long:          "contrib-count queries a Git hosting provider for every repository of an organization and counts the unique commit authors inside a rolling time window, applying configurable repository and contributor filters.",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE:          runCount,
	}

	flags := cmd.Flags()
	flags.String("config", "", "path to YAML config file (required)")
	flags.String("token", "", "provider access token (env GIT_TOKEN)")
	flags.String("user", "", "provider username for basic auth (env GIT_USERNAME)")
	flags.String("password", "", "provider password or app password (env GIT_PASSWORD)")
	flags.Int("days", 90, "size of the rolling window in days, ending now")
	flags.Bool("explain", false, "write the detailed JSON report to --report-file")
	flags.String("report-file", "output.json", "path of the JSON report written with --explain")
	flags.String("output", "text", "output mode: text or json")
	flags.Bool("list-contributors", false, "include a per-contributor table in text output")
	flags.Bool("exclude-bots", false, "exclude [bot]-suffixed identities")
	flags.Int("workers", 1, "number of repositories processed in parallel")
	_ = cmd.MarkFlagRequired("config")

	_ = viper.BindPFlags(flags)
	_ = viper.BindEnv("token", "GIT_TOKEN")
	_ = viper.BindEnv("user", "GIT_USERNAME")
	_ = viper.BindEnv("password", "GIT_PASSWORD")
	_ = viper.BindEnv("provider-url", "GIT_PROVIDER_URL")

	return cmd
}

func runCount(cmd *cobra.Command, _ []string) error {
	configFile, err := os.Open(viper.GetString("config"))
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer func() {
		_ = configFile.Close()
	}()

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if url := viper.GetString("provider-url"); url != "" {
		cfg.Provider.URL = url
	}

	loggerConfig := zap.NewProductionConfig()
	loggerConfig.Level = zap.NewAtomicLevelAt(logLevel(cfg.LogLevel))
	logger, err := loggerConfig.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	telemetryRuntime, err := telemetry.Setup(telemetry.Config{
		Enabled:          cfg.Telemetry.OTELEnabled,
		ServiceName:      "contrib-count",
		TraceMode:        cfg.Telemetry.OTELTraceMode,
		TraceSampleRatio: cfg.Telemetry.OTELTraceSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetryRuntime.Shutdown(shutdownCtx)
	}()

	prov, err := provider.New(cfg.Provider.Type, provider.Options{
		BaseURL: cfg.Provider.URL,
		Credentials: provider.Credentials{
			Token:    viper.GetString("token"),
			Username: viper.GetString("user"),
			Password: viper.GetString("password"),
		},
		Timeout: cfg.HTTP.RequestTimeout,
		Retry: providerapi.RetryConfig{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			InitialBackoff: cfg.Retry.InitialBackoff,
			MaxBackoff:     cfg.Retry.MaxBackoff,
			Jitter:         cfg.Retry.Jitter,
		},
		RateLimit: providerapi.RateLimitPolicy{
			MinRemainingThreshold: cfg.RateLimit.MinRemainingThreshold,
			MinResetBuffer:        cfg.RateLimit.MinResetBuffer,
			ThrottleBackoff:       cfg.RateLimit.ThrottleBackoff,
		},
	})
	if err != nil {
		return fmt.Errorf("build %s provider: %w", cfg.Provider.Type, err)
	}
	defer func() {
		_ = prov.Close()
	}()

	engine := filter.New(filterRules(cfg, viper.GetBool("exclude-bots")))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	until := time.Now().UTC()
	since := until.AddDate(0, 0, -viper.GetInt("days"))

	engineCounter := counter.New(prov, cfg.Provider.Org, engine, counter.Options{
		Workers: viper.GetInt("workers"),
		Logger:  logger,
	})
	result, err := engineCounter.Count(ctx, since, until)
	if err != nil {
		return err
	}

	doc := report.Build(result, report.NewMetadata(
		cfg.Provider.Org, cfg.Provider.Type, cfg.Provider.URL, since, until))

	if viper.GetBool("explain") {
		if err := writeReportFile(viper.GetString("report-file"), doc); err != nil {
			return err
		}
		logger.Info("report written", zap.String("path", viper.GetString("report-file")))
	}

	switch viper.GetString("output") {
	case "json":
		return doc.WriteJSON(cmd.OutOrStdout())
	case "text":
		return doc.WriteText(cmd.OutOrStdout(), report.TextOptions{
			ListContributors: viper.GetBool("list-contributors"),
		})
	default:
		return fmt.Errorf("unknown output mode %q", viper.GetString("output"))
	}
}

func filterRules(cfg *config.Config, excludeBots bool) filter.Rules {
	rules := filter.Rules{ExcludeBots: excludeBots}
	for _, rule := range cfg.Repositories.Include {
		rules.IncludeRepositories = append(rules.IncludeRepositories, filter.RepoRule{
			Pattern: rule.Pattern,
			Exact:   rule.Exact,
		})
	}
	for _, rule := range cfg.Repositories.Exclude {
		rules.ExcludeRepositories = append(rules.ExcludeRepositories, filter.RepoRule{
			Pattern: rule.Pattern,
			Exact:   rule.Exact,
		})
	}
	for _, rule := range cfg.Contributors.Exclude {
		rules.ExcludeContributors = append(rules.ExcludeContributors, filter.ContributorRule{
			Pattern: rule.Pattern,
			Users:   rule.Users,
			Emails:  rule.Emails,
			Domains: rule.Domains,
		})
	}
	return rules
}

func writeReportFile(path string, doc *report.Document) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report file: %w", err)
	}
	if err := doc.WriteJSON(file); err != nil {
		_ = file.Close()
		return fmt.Errorf("write report file: %w", err)
	}
	return file.Close()
}

func logLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
