package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/devmetrics/contrib-count/internal/model"
)

const bitbucketServerProviderName = "bitbucket_server"

// BitbucketServer lists project repositories and commits through the
// Bitbucket Server (Data Center) 1.0 REST API. Pagination is offset-based
// via start/limit with isLastPage/nextPageStart in the page envelope, and
// commit timestamps are unix milliseconds in reverse-chronological order.
type BitbucketServer struct {
	rest *restClient
}

// NewBitbucketServer creates a Bitbucket Server provider. Options.BaseURL is
// the server address and is mandatory; authentication is basic auth with a
// username and password or token.
func NewBitbucketServer(opts Options) (*BitbucketServer, error) {
	user := opts.Credentials.Username
	password := opts.Credentials.Password
	if user == "" || password == "" {
		return nil, &AuthError{
			Provider: bitbucketServerProviderName,
			Err:      errors.New("username and password are required"),
		}
	}
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, fmt.Errorf("bitbucket_server: base url is required")
	}
	rest, err := newRESTClient(bitbucketServerProviderName, opts.BaseURL, "", opts, func(req *http.Request) {
		req.SetBasicAuth(user, password)
	})
	if err != nil {
		return nil, err
	}
	return &BitbucketServer{rest: rest}, nil
}

type bitbucketServerPage[T any] struct {
	Values        []T  `json:"values"`
	IsLastPage    bool `json:"isLastPage"`
	NextPageStart *int `json:"nextPageStart"`
}

type bitbucketServerRepoPayload struct {
	Name    string    `json:"name"`
	Slug    string    `json:"slug"`
	Public  bool      `json:"public"`
	Origin  *struct{} `json:"origin"`
	Project struct {
		Key string `json:"key"`
	} `json:"project"`
}

type bitbucketServerCommitPayload struct {
	ID              string `json:"id"`
	AuthorTimestamp int64  `json:"authorTimestamp"`
	Author          struct {
		Name         string `json:"name"`
		EmailAddress string `json:"emailAddress"`
		Slug         string `json:"slug"`
	} `json:"author"`
}

// OrganizationRepositories lists all repositories of a project.
func (b *BitbucketServer) OrganizationRepositories(ctx context.Context, org string) RepoSeq {
	return func(yield func(model.Repository, error) bool) {
		start := 0
		for {
			reqURL := b.rest.endpoint("rest", "api", "1.0", "projects", org, "repos")
			query := reqURL.Query()
			query.Set("limit", "100")
			query.Set("start", strconv.Itoa(start))
			reqURL.RawQuery = query.Encode()

			var page bitbucketServerPage[bitbucketServerRepoPayload]
			status, _, err := b.rest.getJSON(ctx, reqURL.String(), &page)
			if err != nil {
				yield(model.Repository{}, err)
				return
			}
			if status != http.StatusOK {
				yield(model.Repository{}, b.rest.classifyStatus(status, "project "+org))
				return
			}

			for _, repo := range page.Values {
				ok := yield(model.Repository{
					Name:     repo.Name,
					FullName: repo.Project.Key + "/" + repo.Slug,
					Private:  !repo.Public,
					Fork:     repo.Origin != nil,
				}, nil)
				if !ok {
					return
				}
			}

			next, done := bitbucketServerNextStart(page.IsLastPage, page.NextPageStart, start, len(page.Values))
			if done {
				return
			}
			start = next
		}
	}
}

// RepositoryCommits lists commits of one repository with author timestamps
// in [since, until). repoPath is "PROJECT/slug".
func (b *BitbucketServer) RepositoryCommits(ctx context.Context, repoPath string, since, until time.Time) CommitSeq {
	return func(yield func(model.Commit, error) bool) {
		projectKey, slug, ok := strings.Cut(repoPath, "/")
		if !ok || projectKey == "" || slug == "" {
			yield(model.Commit{}, fmt.Errorf("bitbucket_server: repository path %q is not project/slug", repoPath))
			return
		}

		start := 0
		for {
			reqURL := b.rest.endpoint("rest", "api", "1.0", "projects", projectKey, "repos", slug, "commits")
			query := reqURL.Query()
			query.Set("limit", "100")
			query.Set("start", strconv.Itoa(start))
			reqURL.RawQuery = query.Encode()

			var page bitbucketServerPage[bitbucketServerCommitPayload]
			status, _, err := b.rest.getJSON(ctx, reqURL.String(), &page)
			if err != nil {
				yield(model.Commit{}, err)
				return
			}
			if status != http.StatusOK {
				yield(model.Commit{}, b.rest.classifyStatus(status, "repository "+repoPath))
				return
			}

			for _, raw := range page.Values {
				ts := time.UnixMilli(raw.AuthorTimestamp).UTC()
				if ts.Before(since) {
					// Reverse-chronological order: the rest is older than
					// the window.
					return
				}
				commit, usable := normalizeBitbucketServerCommit(raw, ts, repoPath)
				if !usable || !withinWindow(commit.Timestamp, since, until) {
					continue
				}
				if !yield(commit, nil) {
					return
				}
			}

			next, done := bitbucketServerNextStart(page.IsLastPage, page.NextPageStart, start, len(page.Values))
			if done {
				return
			}
			start = next
		}
	}
}

// Close releases idle connections.
func (b *BitbucketServer) Close() error {
	return b.rest.Close()
}

func normalizeBitbucketServerCommit(raw bitbucketServerCommitPayload, ts time.Time, repoPath string) (model.Commit, bool) {
	commit := model.Commit{
		SHA:         raw.ID,
		AuthorName:  raw.Author.Name,
		AuthorEmail: raw.Author.EmailAddress,
		Timestamp:   ts,
		Repository:  repoPath,
	}
	// Mapped users carry a slug; unmapped git authors only a display name.
	if raw.Author.Slug != "" {
		commit.AuthorUsername = raw.Author.Slug
	} else {
		commit.AuthorUsername = raw.Author.Name
	}
	if commit.AuthorUsername == "" && commit.AuthorEmail == "" {
		return model.Commit{}, false
	}
	return commit, true
}

func bitbucketServerNextStart(isLastPage bool, nextPageStart *int, start, pageSize int) (int, bool) {
	if isLastPage || pageSize == 0 {
		return 0, true
	}
	if nextPageStart != nil {
		return *nextPageStart, false
	}
	return start + pageSize, false
}
