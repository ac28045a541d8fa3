package provider

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/devmetrics/contrib-count/internal/model"
)

const (
	gitlabProviderName   = "gitlab"
	gitlabDefaultBaseURL = "https://gitlab.com"
)

// GitLab lists group projects and project commits through the GitLab v4 REST
// API. GitLab does not expose the account login on commit records, so the
// git author name doubles as the contributor identity.
type GitLab struct {
	rest *restClient
}

// NewGitLab creates a GitLab provider authenticated with a personal access
// token. Options.BaseURL points at a self-hosted instance.
func NewGitLab(opts Options) (*GitLab, error) {
	token := opts.Credentials.Token
	if token == "" {
		return nil, &AuthError{Provider: gitlabProviderName, Err: errors.New("token is required")}
	}
	rest, err := newRESTClient(gitlabProviderName, opts.BaseURL, gitlabDefaultBaseURL, opts, func(req *http.Request) {
		req.Header.Set("PRIVATE-TOKEN", token)
	})
	if err != nil {
		return nil, err
	}
	return &GitLab{rest: rest}, nil
}

type gitlabProjectPayload struct {
	Name              string              `json:"name"`
	PathWithNamespace string              `json:"path_with_namespace"`
	Visibility        string              `json:"visibility"`
	ForkedFromProject *struct{ ID int64 } `json:"forked_from_project"`
}

type gitlabCommitPayload struct {
	ID          string `json:"id"`
	AuthorName  string `json:"author_name"`
	AuthorEmail string `json:"author_email"`
	CreatedAt   string `json:"created_at"`
}

// OrganizationRepositories lists all projects of a group.
func (g *GitLab) OrganizationRepositories(ctx context.Context, org string) RepoSeq {
	return func(yield func(model.Repository, error) bool) {
		page := 1
		for {
			reqURL := g.rest.endpoint("api", "v4", "groups", org, "projects")
			query := reqURL.Query()
			query.Set("per_page", "100")
			query.Set("page", strconv.Itoa(page))
			reqURL.RawQuery = query.Encode()

			var payload []gitlabProjectPayload
			status, header, err := g.rest.getJSON(ctx, reqURL.String(), &payload)
			if err != nil {
				yield(model.Repository{}, err)
				return
			}
			if status != http.StatusOK {
				yield(model.Repository{}, g.rest.classifyStatus(status, "group "+org))
				return
			}

			for _, project := range payload {
				ok := yield(model.Repository{
					Name:     project.Name,
					FullName: project.PathWithNamespace,
					Private:  project.Visibility == "private",
					Fork:     project.ForkedFromProject != nil,
				}, nil)
				if !ok {
					return
				}
			}

			next, done := gitlabNextPage(header)
			if done {
				return
			}
			page = next
		}
	}
}

// RepositoryCommits lists commits of one project with timestamps in
// [since, until). repoPath is the project path with namespace.
func (g *GitLab) RepositoryCommits(ctx context.Context, repoPath string, since, until time.Time) CommitSeq {
	return func(yield func(model.Commit, error) bool) {
		page := 1
		for {
			reqURL := g.rest.endpoint("api", "v4", "projects", repoPath, "repository", "commits")
			query := reqURL.Query()
			query.Set("per_page", "100")
			query.Set("page", strconv.Itoa(page))
			query.Set("since", since.UTC().Format(time.RFC3339))
			if !until.IsZero() {
				query.Set("until", until.UTC().Format(time.RFC3339))
			}
			reqURL.RawQuery = query.Encode()

			var payload []gitlabCommitPayload
			status, header, err := g.rest.getJSON(ctx, reqURL.String(), &payload)
			if err != nil {
				yield(model.Commit{}, err)
				return
			}
			if status != http.StatusOK {
				yield(model.Commit{}, g.rest.classifyStatus(status, "project "+repoPath))
				return
			}

			for _, raw := range payload {
				if raw.AuthorName == "" && raw.AuthorEmail == "" {
					continue
				}
				commit := model.Commit{
					SHA:         raw.ID,
					AuthorName:  raw.AuthorName,
					AuthorEmail: raw.AuthorEmail,
					// GitLab commits carry no login identity.
					AuthorUsername: raw.AuthorName,
					Timestamp:      parseRFC3339(raw.CreatedAt),
					Repository:     repoPath,
				}
				if !withinWindow(commit.Timestamp, since, until) {
					continue
				}
				if !yield(commit, nil) {
					return
				}
			}

			next, done := gitlabNextPage(header)
			if done {
				return
			}
			page = next
		}
	}
}

// Close releases idle connections.
func (g *GitLab) Close() error {
	return g.rest.Close()
}

func gitlabNextPage(header http.Header) (int, bool) {
	raw := header.Get("X-Next-Page")
	if raw == "" {
		return 0, true
	}
	next, err := strconv.Atoi(raw)
	if err != nil || next <= 0 {
		return 0, true
	}
	return next, false
}
