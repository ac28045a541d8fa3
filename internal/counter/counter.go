// Package counter drives a provider, applies filter rules, and accumulates
// per-contributor and per-repository statistics for one run.
package counter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devmetrics/contrib-count/internal/filter"
	"github.com/devmetrics/contrib-count/internal/model"
	"github.com/devmetrics/contrib-count/internal/provider"
)

// Options tune a Counter beyond its required collaborators.
type Options struct {
	// Workers bounds parallelism across repositories. Zero or one keeps
	// processing strictly sequential.
	Workers int

	Logger *zap.Logger
}

// Counter aggregates contributor statistics across an organization's
// repositories. It owns its statistics maps for the duration of one run and
// is not safe for concurrent Count calls.
type Counter struct {
	provider provider.Provider
	org      string
	filters  *filter.Engine
	workers  int
	logger   *zap.Logger
}

// Result is the outcome of one counting run. Maps are keyed by contributor
// username and repository short name respectively; the excluded sets record
// what the filter rules rejected.
type Result struct {
	Contributors         map[string]*model.ContributorStats
	Repositories         map[string]*model.RepoStats
	ExcludedContributors map[string]struct{}
	ExcludedRepositories map[string]struct{}
}

// New builds a Counter over a provider and filter engine.
func New(p provider.Provider, org string, filters *filter.Engine, opts Options) *Counter {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	return &Counter{
		provider: p,
		org:      org,
		filters:  filters,
		workers:  workers,
		logger:   logger,
	}
}

// repoOutcome is the per-repository partial result. Outcomes are merged in
// repository list order, so parallel runs produce the same Result as
// sequential ones.
type repoOutcome struct {
	repo     model.Repository
	admitted []model.Commit
	excluded map[string]struct{}
	count    int
	err      error
}

// Count fetches the organization's repositories once, then aggregates
// commits in [since, until) across every admitted repository. Per-repository
// failures are logged and absorbed; authentication failures abort the run.
func (c *Counter) Count(ctx context.Context, since, until time.Time) (*Result, error) {
	result := &Result{
		Contributors:         make(map[string]*model.ContributorStats),
		Repositories:         make(map[string]*model.RepoStats),
		ExcludedContributors: make(map[string]struct{}),
		ExcludedRepositories: make(map[string]struct{}),
	}

	var included []model.Repository
	for repo, err := range c.provider.OrganizationRepositories(ctx, c.org) {
		if err != nil {
			return nil, fmt.Errorf("listing repositories of %s: %w", c.org, err)
		}
		if !c.filters.ShouldIncludeRepository(repo.Name) {
			c.logger.Debug("repository excluded by filter", zap.String("repo", repo.Name))
			result.ExcludedRepositories[repo.Name] = struct{}{}
			continue
		}
		included = append(included, repo)
	}
	c.logger.Info("repository list fetched",
		zap.String("org", c.org),
		zap.Int("included", len(included)),
		zap.Int("excluded", len(result.ExcludedRepositories)))

	outcomes, err := c.processRepositories(ctx, included, since, until)
	if err != nil {
		return nil, err
	}

	for _, outcome := range outcomes {
		c.merge(result, outcome)
	}
	return result, nil
}

func (c *Counter) processRepositories(ctx context.Context, repos []model.Repository, since, until time.Time) ([]repoOutcome, error) {
	outcomes := make([]repoOutcome, len(repos))

	if c.workers == 1 || len(repos) < 2 {
		for i, repo := range repos {
			outcomes[i] = c.processRepository(ctx, repo, since, until)
			if isFatal(outcomes[i].err) {
				return nil, outcomes[i].err
			}
		}
		return outcomes, nil
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for range min(c.workers, len(repos)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				outcomes[i] = c.processRepository(ctx, repos[i], since, until)
			}
		}()
	}
	for i := range repos {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	for _, outcome := range outcomes {
		if isFatal(outcome.err) {
			return nil, outcome.err
		}
	}
	return outcomes, nil
}

func (c *Counter) processRepository(ctx context.Context, repo model.Repository, since, until time.Time) repoOutcome {
	outcome := repoOutcome{repo: repo, excluded: make(map[string]struct{})}
	c.logger.Debug("fetching commits", zap.String("repo", repo.FullName))

	for commit, err := range c.provider.RepositoryCommits(ctx, repo.FullName, since, until) {
		if err != nil {
			outcome.err = err
			break
		}
		// No resolvable author identity: neither counted nor excluded.
		if commit.AuthorUsername == "" {
			continue
		}
		if !c.filters.ShouldIncludeContributor(commit.AuthorUsername, commit.AuthorEmail) {
			outcome.excluded[commit.AuthorUsername] = struct{}{}
			continue
		}
		outcome.admitted = append(outcome.admitted, commit)
		outcome.count++
	}
	return outcome
}

// merge folds one repository's partial result into the run result. A failed
// repository keeps any contributor data gathered before the failure but is
// omitted from the repositories map.
func (c *Counter) merge(result *Result, outcome repoOutcome) {
	name := outcome.repo.Name

	for username := range outcome.excluded {
		result.ExcludedContributors[username] = struct{}{}
	}

	var repoContributors []string
	seen := make(map[string]struct{})
	for _, commit := range outcome.admitted {
		stats, ok := result.Contributors[commit.AuthorUsername]
		if !ok {
			stats = &model.ContributorStats{Username: commit.AuthorUsername}
			result.Contributors[commit.AuthorUsername] = stats
		}
		stats.Observe(commit)
		if _, dup := seen[commit.AuthorUsername]; !dup {
			seen[commit.AuthorUsername] = struct{}{}
			repoContributors = append(repoContributors, commit.AuthorUsername)
		}
	}

	if outcome.err != nil {
		var repoErr *provider.RepoError
		if !errors.As(outcome.err, &repoErr) {
			repoErr = &provider.RepoError{Repo: outcome.repo.FullName, Err: outcome.err}
		}
		c.logger.Warn("repository skipped after errors",
			zap.String("repo", outcome.repo.FullName),
			zap.Error(repoErr.Err))
		return
	}

	result.Repositories[name] = &model.RepoStats{
		Name:             name,
		ContributorCount: len(repoContributors),
		CommitCount:      outcome.count,
		Contributors:     repoContributors,
	}
}

// isFatal reports whether an error must abort the whole run instead of
// skipping one repository.
func isFatal(err error) bool {
	if err == nil {
		return false
	}
	var authErr *provider.AuthError
	if errors.As(err, &authErr) {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
