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

const (
	azureDevOpsProviderName = "azure_devops"
	azureDevOpsAPIVersion   = "7.1"
	azureDevOpsPageSize     = 100
)

// AzureDevOps lists project repositories and commits through the Azure
// DevOps Git REST API. Options.BaseURL is the organization URL
// (https://dev.azure.com/{org}) and the org argument names the project
// within it. Commit paging is offset-based via searchCriteria.$top/$skip.
type AzureDevOps struct {
	rest *restClient
}

// NewAzureDevOps creates an Azure DevOps provider authenticating with a
// personal access token sent as the basic-auth password.
func NewAzureDevOps(opts Options) (*AzureDevOps, error) {
	token := opts.Credentials.Token
	if token == "" {
		return nil, &AuthError{
			Provider: azureDevOpsProviderName,
			Err:      errors.New("personal access token is required"),
		}
	}
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, fmt.Errorf("azure_devops: organization url is required")
	}
	rest, err := newRESTClient(azureDevOpsProviderName, opts.BaseURL, "", opts, func(req *http.Request) {
		req.SetBasicAuth("", token)
	})
	if err != nil {
		return nil, err
	}
	return &AzureDevOps{rest: rest}, nil
}

type azureDevOpsEnvelope[T any] struct {
	Value []T `json:"value"`
	Count int `json:"count"`
}

type azureDevOpsRepoPayload struct {
	Name       string `json:"name"`
	IsFork     bool   `json:"isFork"`
	IsDisabled bool   `json:"isDisabled"`
	Project    struct {
		Name       string `json:"name"`
		Visibility string `json:"visibility"`
	} `json:"project"`
}

type azureDevOpsCommitPayload struct {
	CommitID string `json:"commitId"`
	Author   struct {
		Name  string `json:"name"`
		Email string `json:"email"`
		Date  string `json:"date"`
	} `json:"author"`
}

// OrganizationRepositories lists all Git repositories of a project.
func (a *AzureDevOps) OrganizationRepositories(ctx context.Context, org string) RepoSeq {
	return func(yield func(model.Repository, error) bool) {
		reqURL := a.rest.endpoint(org, "_apis", "git", "repositories")
		query := reqURL.Query()
		query.Set("api-version", azureDevOpsAPIVersion)
		reqURL.RawQuery = query.Encode()

		var envelope azureDevOpsEnvelope[azureDevOpsRepoPayload]
		status, _, err := a.rest.getJSON(ctx, reqURL.String(), &envelope)
		if err != nil {
			yield(model.Repository{}, err)
			return
		}
		if status != http.StatusOK {
			yield(model.Repository{}, a.rest.classifyStatus(status, "project "+org))
			return
		}

		for _, repo := range envelope.Value {
			if repo.IsDisabled {
				continue
			}
			ok := yield(model.Repository{
				Name:     repo.Name,
				FullName: repo.Project.Name + "/" + repo.Name,
				Private:  repo.Project.Visibility != "public",
				Fork:     repo.IsFork,
			}, nil)
			if !ok {
				return
			}
		}
	}
}

// RepositoryCommits lists commits of one repository with author dates in
// [since, until). repoPath is "project/repository".
func (a *AzureDevOps) RepositoryCommits(ctx context.Context, repoPath string, since, until time.Time) CommitSeq {
	return func(yield func(model.Commit, error) bool) {
		project, repo, ok := strings.Cut(repoPath, "/")
		if !ok || project == "" || repo == "" {
			yield(model.Commit{}, fmt.Errorf("azure_devops: repository path %q is not project/repository", repoPath))
			return
		}

		skip := 0
		for {
			reqURL := a.rest.endpoint(project, "_apis", "git", "repositories", repo, "commits")
			query := reqURL.Query()
			query.Set("api-version", azureDevOpsAPIVersion)
			query.Set("searchCriteria.fromDate", since.UTC().Format(time.RFC3339))
			query.Set("searchCriteria.toDate", until.UTC().Format(time.RFC3339))
			query.Set("searchCriteria.$top", strconv.Itoa(azureDevOpsPageSize))
			query.Set("searchCriteria.$skip", strconv.Itoa(skip))
			reqURL.RawQuery = query.Encode()

			var envelope azureDevOpsEnvelope[azureDevOpsCommitPayload]
			status, _, err := a.rest.getJSON(ctx, reqURL.String(), &envelope)
			if err != nil {
				yield(model.Commit{}, err)
				return
			}
			if status != http.StatusOK {
				yield(model.Commit{}, a.rest.classifyStatus(status, "repository "+repoPath))
				return
			}

			for _, raw := range envelope.Value {
				commit, usable := normalizeAzureDevOpsCommit(raw, repoPath)
				if !usable || !withinWindow(commit.Timestamp, since, until) {
					continue
				}
				if !yield(commit, nil) {
					return
				}
			}

			if len(envelope.Value) < azureDevOpsPageSize {
				return
			}
			skip += len(envelope.Value)
		}
	}
}

// Close releases idle connections.
func (a *AzureDevOps) Close() error {
	return a.rest.Close()
}

func normalizeAzureDevOpsCommit(raw azureDevOpsCommitPayload, repoPath string) (model.Commit, bool) {
	commit := model.Commit{
		SHA:         raw.CommitID,
		AuthorName:  raw.Author.Name,
		AuthorEmail: raw.Author.Email,
		Timestamp:   parseRFC3339(raw.Author.Date),
		Repository:  repoPath,
	}
	// Azure DevOps commits expose git author identity only; the email is
	// the stable key, falling back to the display name.
	if raw.Author.Email != "" {
		commit.AuthorUsername = raw.Author.Email
	} else {
		commit.AuthorUsername = raw.Author.Name
	}
	if commit.AuthorUsername == "" {
		return model.Commit{}, false
	}
	return commit, true
}
