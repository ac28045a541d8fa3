package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/devmetrics/contrib-count/internal/model"
	"github.com/devmetrics/contrib-count/internal/providerapi"
	"github.com/google/go-github/v75/github"
	"golang.org/x/oauth2"
)

const githubProviderName = "github"

// GitHub lists repositories and commits through the GitHub REST API. Primary
// rate limits are waited out until the advertised reset; secondary limits
// honor Retry-After. Transient failures retry with the shared backoff policy.
type GitHub struct {
	client     *github.Client
	httpClient *http.Client
	retry      providerapi.RetryConfig
	// sleep and now are injected for testability.
	sleep func(time.Duration)
	now   func() time.Time
}

// NewGitHub creates a GitHub provider authenticated with a personal access
// token. Options.BaseURL overrides the API endpoint for GitHub Enterprise.
func NewGitHub(opts Options) (*GitHub, error) {
	token := strings.TrimSpace(opts.Credentials.Token)
	if token == "" {
		return nil, &AuthError{Provider: githubProviderName, Err: errors.New("token is required")}
	}

	source := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(context.Background(), source)
	httpClient.Timeout = opts.timeout()

	client := github.NewClient(httpClient)
	if baseURL := strings.TrimSpace(opts.BaseURL); baseURL != "" {
		enterprise, err := client.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("github: configure enterprise base url: %w", err)
		}
		client = enterprise
	}

	return &GitHub{
		client:     client,
		httpClient: httpClient,
		retry:      opts.Retry,
		sleep:      time.Sleep,
		now:        time.Now,
	}, nil
}

// OrganizationRepositories lists all repositories of an organization.
func (g *GitHub) OrganizationRepositories(ctx context.Context, org string) RepoSeq {
	return func(yield func(model.Repository, error) bool) {
		opts := &github.RepositoryListByOrgOptions{
			Type:        "all",
			ListOptions: github.ListOptions{PerPage: 100},
		}
		for {
			var page []*github.Repository
			resp, err := g.withRetry(func() (*github.Response, error) {
				repos, callResp, callErr := g.client.Repositories.ListByOrg(ctx, org, opts)
				page = repos
				return callResp, callErr
			})
			if err != nil {
				yield(model.Repository{}, g.classifyError(err, "organization "+org))
				return
			}
			for _, repo := range page {
				ok := yield(model.Repository{
					Name:     repo.GetName(),
					FullName: repo.GetFullName(),
					Private:  repo.GetPrivate(),
					Fork:     repo.GetFork(),
				}, nil)
				if !ok {
					return
				}
			}
			if resp == nil || resp.NextPage == 0 {
				return
			}
			opts.Page = resp.NextPage
		}
	}
}

// RepositoryCommits lists commits of one repository with author dates in
// [since, until).
func (g *GitHub) RepositoryCommits(ctx context.Context, repoPath string, since, until time.Time) CommitSeq {
	return func(yield func(model.Commit, error) bool) {
		owner, name, ok := strings.Cut(repoPath, "/")
		if !ok || owner == "" || name == "" {
			yield(model.Commit{}, fmt.Errorf("github: repository path %q is not owner/name", repoPath))
			return
		}

		opts := &github.CommitsListOptions{
			Since:       since,
			Until:       until,
			ListOptions: github.ListOptions{PerPage: 100},
		}
		for {
			var page []*github.RepositoryCommit
			resp, err := g.withRetry(func() (*github.Response, error) {
				commits, callResp, callErr := g.client.Repositories.ListCommits(ctx, owner, name, opts)
				page = commits
				return callResp, callErr
			})
			if err != nil {
				if isEmptyRepositoryError(err) {
					return
				}
				yield(model.Commit{}, g.classifyError(err, "repository "+repoPath))
				return
			}
			for _, rc := range page {
				commit, usable := normalizeGitHubCommit(rc, repoPath)
				if !usable || !withinWindow(commit.Timestamp, since, until) {
					continue
				}
				if !yield(commit, nil) {
					return
				}
			}
			if resp == nil || resp.NextPage == 0 {
				return
			}
			opts.Page = resp.NextPage
		}
	}
}

// Close releases idle connections held by the underlying HTTP client.
func (g *GitHub) Close() error {
	if g.httpClient != nil {
		g.httpClient.CloseIdleConnections()
	}
	return nil
}

// withRetry re-executes a go-github call across rate-limit pauses and
// transient failures. Rate-limit waits never consume retry attempts.
func (g *GitHub) withRetry(call func() (*github.Response, error)) (*github.Response, error) {
	failures := 0
	for {
		resp, err := call()
		if err == nil {
			return resp, nil
		}

		var rateErr *github.RateLimitError
		if errors.As(err, &rateErr) {
			wait := rateErr.Rate.Reset.Time.Sub(g.now())
			if wait < 0 {
				wait = 0
			}
			g.sleep(wait + time.Second)
			continue
		}

		var abuseErr *github.AbuseRateLimitError
		if errors.As(err, &abuseErr) {
			wait := abuseErr.GetRetryAfter()
			if wait <= 0 {
				wait = time.Minute
			}
			g.sleep(wait)
			continue
		}

		if isTransientGitHubError(err) {
			failures++
			if failures >= g.maxAttempts() {
				return resp, err
			}
			g.sleep(providerapi.BackoffForAttempt(g.retry, failures))
			continue
		}

		return resp, err
	}
}

func (g *GitHub) maxAttempts() int {
	if g.retry.MaxAttempts <= 0 {
		return 1
	}
	return g.retry.MaxAttempts
}

func (g *GitHub) classifyError(err error, resource string) error {
	var apiErr *github.ErrorResponse
	if errors.As(err, &apiErr) && apiErr.Response != nil {
		switch apiErr.Response.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return &AuthError{Provider: githubProviderName, Err: err}
		case http.StatusNotFound:
			return &NotFoundError{Provider: githubProviderName, Resource: resource}
		}
	}
	return err
}

func isTransientGitHubError(err error) bool {
	var apiErr *github.ErrorResponse
	if errors.As(err, &apiErr) {
		return apiErr.Response != nil && apiErr.Response.StatusCode >= 500
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// Transport-level failures.
	return true
}

// isEmptyRepositoryError detects the 409 GitHub returns when listing commits
// of an empty repository; the sequence simply ends.
func isEmptyRepositoryError(err error) bool {
	var apiErr *github.ErrorResponse
	return errors.As(err, &apiErr) &&
		apiErr.Response != nil &&
		apiErr.Response.StatusCode == http.StatusConflict
}

// normalizeGitHubCommit maps a GitHub commit onto the shared model. Commits
// with no display identity at all are dropped; commits with an unmapped git
// author keep an empty username.
func normalizeGitHubCommit(rc *github.RepositoryCommit, repoPath string) (model.Commit, bool) {
	author := rc.GetCommit().GetAuthor()
	commit := model.Commit{
		SHA:         rc.GetSHA(),
		AuthorName:  author.GetName(),
		AuthorEmail: author.GetEmail(),
		Timestamp:   author.GetDate().Time.UTC(),
		Repository:  repoPath,
	}
	if rc.Author != nil {
		commit.AuthorUsername = rc.Author.GetLogin()
	}
	if commit.AuthorUsername == "" && commit.AuthorName == "" && commit.AuthorEmail == "" {
		return model.Commit{}, false
	}
	return commit, true
}
