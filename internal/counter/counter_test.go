package counter

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devmetrics/contrib-count/internal/filter"
	"github.com/devmetrics/contrib-count/internal/model"
	"github.com/devmetrics/contrib-count/internal/provider"
)

type fakeProvider struct {
	repos     []model.Repository
	reposErr  error
	commits   map[string][]model.Commit
	commitErr map[string]error

	mu          sync.Mutex
	commitCalls []string
}

func (f *fakeProvider) OrganizationRepositories(_ context.Context, _ string) provider.RepoSeq {
	return func(yield func(model.Repository, error) bool) {
		for _, repo := range f.repos {
			if !yield(repo, nil) {
				return
			}
		}
		if f.reposErr != nil {
			yield(model.Repository{}, f.reposErr)
		}
	}
}

func (f *fakeProvider) RepositoryCommits(_ context.Context, repoPath string, _, _ time.Time) provider.CommitSeq {
	f.mu.Lock()
	f.commitCalls = append(f.commitCalls, repoPath)
	f.mu.Unlock()

	return func(yield func(model.Commit, error) bool) {
		for _, commit := range f.commits[repoPath] {
			if !yield(commit, nil) {
				return
			}
		}
		if err := f.commitErr[repoPath]; err != nil {
			yield(model.Commit{}, err)
		}
	}
}

func (f *fakeProvider) Close() error { return nil }

func commitAt(repo, username, email string, ts time.Time) model.Commit {
	return model.Commit{
		SHA:            fmt.Sprintf("%s-%s-%d", repo, username, ts.Unix()),
		AuthorName:     username,
		AuthorEmail:    email,
		AuthorUsername: username,
		Timestamp:      ts,
		Repository:     repo,
	}
}

var (
	testSince = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	testUntil = time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	day       = 24 * time.Hour
)

func TestCountExcludesContributorsByRule(t *testing.T) {
	t.Parallel()

	fake := &fakeProvider{
		repos: []model.Repository{{Name: "alpha", FullName: "acme/alpha"}},
		commits: map[string][]model.Commit{
			"acme/alpha": {
				commitAt("acme/alpha", "alice", "a1@x.com", testSince.Add(1*day)),
				commitAt("acme/alpha", "alice", "a2@x.com", testSince.Add(2*day)),
				commitAt("acme/alpha", "alice", "a2@x.com", testSince.Add(3*day)),
				commitAt("acme/alpha", "bob", "bob@x.com", testSince.Add(4*day)),
			},
		},
	}
	engine := filter.New(filter.Rules{
		ExcludeContributors: []filter.ContributorRule{{Users: []string{"bob"}}},
	})

	result, err := New(fake, "acme", engine, Options{}).Count(context.Background(), testSince, testUntil)
	require.NoError(t, err)

	require.Contains(t, result.Contributors, "alice")
	assert.Equal(t, 3, result.Contributors["alice"].CommitCount)
	assert.Equal(t, "a2@x.com", result.Contributors["alice"].Email)
	assert.NotContains(t, result.Contributors, "bob")
	assert.Contains(t, result.ExcludedContributors, "bob")

	require.Contains(t, result.Repositories, "alpha")
	assert.Equal(t, 1, result.Repositories["alpha"].ContributorCount)
	assert.Equal(t, 3, result.Repositories["alpha"].CommitCount)
	assert.Equal(t, []string{"alice"}, result.Repositories["alpha"].Contributors)
}

func TestCountSkipsExcludedRepositoriesWithoutFetching(t *testing.T) {
	t.Parallel()

	fake := &fakeProvider{
		repos: []model.Repository{
			{Name: "svc-api", FullName: "acme/svc-api"},
			{Name: "svc-web", FullName: "acme/svc-web"},
			{Name: "docs", FullName: "acme/docs"},
		},
		commits: map[string][]model.Commit{
			"acme/svc-api": {commitAt("acme/svc-api", "alice", "alice@x.com", testSince.Add(day))},
			"acme/svc-web": {commitAt("acme/svc-web", "alice", "alice@x.com", testSince.Add(2*day))},
			"acme/docs":    {commitAt("acme/docs", "mallory", "m@x.com", testSince.Add(day))},
		},
	}
	engine := filter.New(filter.Rules{
		IncludeRepositories: []filter.RepoRule{{Pattern: "svc-*"}},
	})

	result, err := New(fake, "acme", engine, Options{}).Count(context.Background(), testSince, testUntil)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"acme/svc-api", "acme/svc-web"}, fake.commitCalls)
	assert.Contains(t, result.ExcludedRepositories, "docs")
	assert.NotContains(t, result.Repositories, "docs")
	assert.Equal(t, []string{"svc-api", "svc-web"}, result.Contributors["alice"].Repositories)
}

func TestCountSkipsCommitsWithoutUsername(t *testing.T) {
	t.Parallel()

	anonymous := commitAt("acme/alpha", "", "ghost@x.com", testSince.Add(day))
	anonymous.AuthorName = "Ghost"

	fake := &fakeProvider{
		repos: []model.Repository{{Name: "alpha", FullName: "acme/alpha"}},
		commits: map[string][]model.Commit{
			"acme/alpha": {
				anonymous,
				commitAt("acme/alpha", "alice", "alice@x.com", testSince.Add(2*day)),
			},
		},
	}

	result, err := New(fake, "acme", filter.New(filter.Rules{}), Options{}).Count(context.Background(), testSince, testUntil)
	require.NoError(t, err)

	assert.Len(t, result.Contributors, 1)
	assert.Empty(t, result.ExcludedContributors)
	assert.Equal(t, 1, result.Repositories["alpha"].CommitCount)
}

func TestCountAbsorbsRepositoryFailures(t *testing.T) {
	t.Parallel()

	fake := &fakeProvider{
		repos: []model.Repository{
			{Name: "healthy", FullName: "acme/healthy"},
			{Name: "flaky", FullName: "acme/flaky"},
		},
		commits: map[string][]model.Commit{
			"acme/healthy": {commitAt("acme/healthy", "alice", "alice@x.com", testSince.Add(day))},
			"acme/flaky":   {commitAt("acme/flaky", "bob", "bob@x.com", testSince.Add(day))},
		},
		commitErr: map[string]error{
			"acme/flaky": &provider.RepoError{Repo: "acme/flaky", Err: fmt.Errorf("retries exhausted")},
		},
	}

	result, err := New(fake, "acme", filter.New(filter.Rules{}), Options{}).Count(context.Background(), testSince, testUntil)
	require.NoError(t, err)

	// The failed repository is omitted from repo stats but its partial
	// contributor data is kept.
	assert.NotContains(t, result.Repositories, "flaky")
	assert.Contains(t, result.Repositories, "healthy")
	assert.Contains(t, result.Contributors, "bob")
	assert.Equal(t, 1, result.Contributors["bob"].CommitCount)
}

func TestCountAbortsOnAuthError(t *testing.T) {
	t.Parallel()

	fake := &fakeProvider{
		repos: []model.Repository{{Name: "alpha", FullName: "acme/alpha"}},
		commitErr: map[string]error{
			"acme/alpha": &provider.AuthError{Provider: "github", Err: fmt.Errorf("bad credentials")},
		},
	}

	_, err := New(fake, "acme", filter.New(filter.Rules{}), Options{}).Count(context.Background(), testSince, testUntil)
	var authErr *provider.AuthError
	require.ErrorAs(t, err, &authErr)
}

func TestCountIsIdempotent(t *testing.T) {
	t.Parallel()

	fake := &fakeProvider{
		repos: []model.Repository{
			{Name: "alpha", FullName: "acme/alpha"},
			{Name: "beta", FullName: "acme/beta"},
		},
		commits: map[string][]model.Commit{
			"acme/alpha": {
				commitAt("acme/alpha", "alice", "alice@x.com", testSince.Add(day)),
				commitAt("acme/alpha", "bob", "bob@x.com", testSince.Add(2*day)),
			},
			"acme/beta": {commitAt("acme/beta", "alice", "alice@x.com", testSince.Add(3*day))},
		},
	}
	engine := filter.New(filter.Rules{})

	first, err := New(fake, "acme", engine, Options{}).Count(context.Background(), testSince, testUntil)
	require.NoError(t, err)
	second, err := New(fake, "acme", engine, Options{}).Count(context.Background(), testSince, testUntil)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestCountWidensCommitRangeAcrossOutOfOrderTimestamps(t *testing.T) {
	t.Parallel()

	fake := &fakeProvider{
		repos: []model.Repository{{Name: "alpha", FullName: "acme/alpha"}},
		commits: map[string][]model.Commit{
			"acme/alpha": {
				commitAt("acme/alpha", "alice", "alice@x.com", testSince.Add(30*day)),
				commitAt("acme/alpha", "alice", "alice@x.com", testSince.Add(2*day)),
				commitAt("acme/alpha", "alice", "alice@x.com", testSince.Add(60*day)),
			},
		},
	}

	result, err := New(fake, "acme", filter.New(filter.Rules{}), Options{}).Count(context.Background(), testSince, testUntil)
	require.NoError(t, err)

	stats := result.Contributors["alice"]
	require.NotNil(t, stats)
	assert.Equal(t, testSince.Add(2*day), stats.FirstCommit)
	assert.Equal(t, testSince.Add(60*day), stats.LastCommit)
	assert.False(t, stats.LastCommit.Before(stats.FirstCommit))
}

func TestCountContributorCountMatchesDistinctUsernames(t *testing.T) {
	t.Parallel()

	fake := &fakeProvider{
		repos: []model.Repository{{Name: "alpha", FullName: "acme/alpha"}},
		commits: map[string][]model.Commit{
			"acme/alpha": {
				commitAt("acme/alpha", "alice", "alice@x.com", testSince.Add(day)),
				commitAt("acme/alpha", "alice", "alice@x.com", testSince.Add(2*day)),
				commitAt("acme/alpha", "bob", "bob@x.com", testSince.Add(3*day)),
				commitAt("acme/alpha", "carol", "carol@x.com", testSince.Add(4*day)),
			},
		},
	}

	result, err := New(fake, "acme", filter.New(filter.Rules{}), Options{}).Count(context.Background(), testSince, testUntil)
	require.NoError(t, err)

	stats := result.Repositories["alpha"]
	require.NotNil(t, stats)
	assert.Equal(t, len(stats.Contributors), stats.ContributorCount)
	assert.Equal(t, 3, stats.ContributorCount)
}

func TestCountWorkerPoolMatchesSequentialRun(t *testing.T) {
	t.Parallel()

	repos := make([]model.Repository, 0, 8)
	commits := make(map[string][]model.Commit, 8)
	for i := range 8 {
		name := fmt.Sprintf("repo-%d", i)
		full := "acme/" + name
		repos = append(repos, model.Repository{Name: name, FullName: full})
		commits[full] = []model.Commit{
			commitAt(full, "alice", "alice@x.com", testSince.Add(time.Duration(i+1)*day)),
			commitAt(full, fmt.Sprintf("dev-%d", i), "dev@x.com", testSince.Add(time.Duration(i+2)*day)),
		}
	}
	engine := filter.New(filter.Rules{})

	sequential, err := New(&fakeProvider{repos: repos, commits: commits}, "acme", engine, Options{}).
		Count(context.Background(), testSince, testUntil)
	require.NoError(t, err)

	parallel, err := New(&fakeProvider{repos: repos, commits: commits}, "acme", engine, Options{Workers: 4}).
		Count(context.Background(), testSince, testUntil)
	require.NoError(t, err)

	assert.Equal(t, sequential, parallel)
}

func TestCountFailsWhenRepositoryListingFails(t *testing.T) {
	t.Parallel()

	fake := &fakeProvider{
		reposErr: &provider.NotFoundError{Provider: "github", Resource: "organization ghost"},
	}

	_, err := New(fake, "ghost", filter.New(filter.Rules{}), Options{}).Count(context.Background(), testSince, testUntil)
	var notFound *provider.NotFoundError
	require.ErrorAs(t, err, &notFound)
}
