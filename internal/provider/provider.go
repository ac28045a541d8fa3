// Package provider abstracts Git hosting services behind a uniform contract:
// list the repositories of an organization and list the commits of one
// repository inside a time window, both as lazy single-pass sequences that
// hide pagination, authentication, and rate-limit handling.
package provider

import (
	"context"
	"iter"
	"time"

	"github.com/devmetrics/contrib-count/internal/model"
	"github.com/devmetrics/contrib-count/internal/providerapi"
)

// RepoSeq is a lazy, finite, single-pass sequence of repositories. Iteration
// stops after the first non-nil error.
type RepoSeq = iter.Seq2[model.Repository, error]

// CommitSeq is a lazy, finite, single-pass sequence of commits. Iteration
// stops after the first non-nil error.
type CommitSeq = iter.Seq2[model.Commit, error]

// Provider is the capability set shared by all hosting services.
type Provider interface {
	// OrganizationRepositories lists all repositories of an organization,
	// group, workspace, or project, depending on the provider.
	OrganizationRepositories(ctx context.Context, org string) RepoSeq

	// RepositoryCommits lists commits of one repository with timestamps in
	// [since, until). Commits without any resolvable author identity are
	// omitted; commits with a display identity but no provider login are
	// yielded with an empty AuthorUsername.
	RepositoryCommits(ctx context.Context, repoPath string, since, until time.Time) CommitSeq

	// Close releases underlying connections. Safe to call once iteration is
	// finished or abandoned.
	Close() error
}

// Credentials carries the provider credential handed in by the caller. Which
// fields are required depends on the provider type.
type Credentials struct {
	Token    string
	Username string
	Password string
}

// Options configures provider construction.
type Options struct {
	// BaseURL overrides the provider API endpoint for self-hosted instances.
	// Required for Bitbucket Server and Azure DevOps.
	BaseURL     string
	Credentials Credentials
	Timeout     time.Duration
	Retry       providerapi.RetryConfig
	RateLimit   providerapi.RateLimitPolicy
}

const defaultRequestTimeout = 30 * time.Second

func (o Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return defaultRequestTimeout
	}
	return o.Timeout
}
