package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/devmetrics/contrib-count/internal/model"
)

const (
	bitbucketCloudProviderName   = "bitbucket"
	bitbucketCloudDefaultBaseURL = "https://api.bitbucket.org/2.0"
)

// BitbucketCloud lists workspace repositories and commits through the
// Bitbucket Cloud 2.0 API. Pages carry an absolute `next` URL; commits are
// reverse-chronological, so pagination stops early once a page falls below
// the window.
type BitbucketCloud struct {
	rest *restClient
}

// NewBitbucketCloud creates a Bitbucket Cloud provider authenticated with a
// username and app password.
func NewBitbucketCloud(opts Options) (*BitbucketCloud, error) {
	user := opts.Credentials.Username
	password := opts.Credentials.Password
	if user == "" || password == "" {
		return nil, &AuthError{
			Provider: bitbucketCloudProviderName,
			Err:      errors.New("username and app password are required"),
		}
	}
	rest, err := newRESTClient(bitbucketCloudProviderName, opts.BaseURL, bitbucketCloudDefaultBaseURL, opts, func(req *http.Request) {
		req.SetBasicAuth(user, password)
	})
	if err != nil {
		return nil, err
	}
	return &BitbucketCloud{rest: rest}, nil
}

type bitbucketCloudPage[T any] struct {
	Values []T    `json:"values"`
	Next   string `json:"next"`
}

type bitbucketCloudRepoPayload struct {
	Name      string    `json:"name"`
	FullName  string    `json:"full_name"`
	IsPrivate bool      `json:"is_private"`
	Parent    *struct{} `json:"parent"`
}

type bitbucketCloudCommitPayload struct {
	Hash   string `json:"hash"`
	Date   string `json:"date"`
	Author struct {
		Raw  string `json:"raw"`
		User *struct {
			Nickname    string `json:"nickname"`
			AccountID   string `json:"account_id"`
			DisplayName string `json:"display_name"`
		} `json:"user"`
	} `json:"author"`
}

// OrganizationRepositories lists all repositories of a workspace.
func (b *BitbucketCloud) OrganizationRepositories(ctx context.Context, org string) RepoSeq {
	return func(yield func(model.Repository, error) bool) {
		reqURL := b.rest.endpoint("repositories", org)
		query := reqURL.Query()
		query.Set("pagelen", "100")
		reqURL.RawQuery = query.Encode()
		next := reqURL.String()

		for next != "" {
			var page bitbucketCloudPage[bitbucketCloudRepoPayload]
			status, _, err := b.rest.getJSON(ctx, next, &page)
			if err != nil {
				yield(model.Repository{}, err)
				return
			}
			if status != http.StatusOK {
				yield(model.Repository{}, b.rest.classifyStatus(status, "workspace "+org))
				return
			}

			for _, repo := range page.Values {
				ok := yield(model.Repository{
					Name:     repo.Name,
					FullName: repo.FullName,
					Private:  repo.IsPrivate,
					Fork:     repo.Parent != nil,
				}, nil)
				if !ok {
					return
				}
			}
			next = page.Next
		}
	}
}

// RepositoryCommits lists commits of one repository with timestamps in
// [since, until). repoPath is "workspace/slug".
func (b *BitbucketCloud) RepositoryCommits(ctx context.Context, repoPath string, since, until time.Time) CommitSeq {
	return func(yield func(model.Commit, error) bool) {
		workspace, slug, ok := strings.Cut(repoPath, "/")
		if !ok || workspace == "" || slug == "" {
			yield(model.Commit{}, fmt.Errorf("bitbucket: repository path %q is not workspace/slug", repoPath))
			return
		}

		reqURL := b.rest.endpoint("repositories", workspace, slug, "commits")
		query := reqURL.Query()
		query.Set("pagelen", "100")
		query.Set("q", fmt.Sprintf("date > %q", since.UTC().Format(time.RFC3339)))
		reqURL.RawQuery = query.Encode()
		next := reqURL.String()

		for next != "" {
			var page bitbucketCloudPage[bitbucketCloudCommitPayload]
			status, _, err := b.rest.getJSON(ctx, next, &page)
			if err != nil {
				yield(model.Commit{}, err)
				return
			}
			if status != http.StatusOK {
				yield(model.Commit{}, b.rest.classifyStatus(status, "repository "+repoPath))
				return
			}

			for _, raw := range page.Values {
				commit, usable := normalizeBitbucketCloudCommit(raw, repoPath)
				if !usable {
					continue
				}
				if !commit.Timestamp.IsZero() && commit.Timestamp.Before(since) {
					// Reverse-chronological order: everything after this
					// point is older than the window.
					return
				}
				if !withinWindow(commit.Timestamp, since, until) {
					continue
				}
				if !yield(commit, nil) {
					return
				}
			}
			next = page.Next
		}
	}
}

// Close releases idle connections.
func (b *BitbucketCloud) Close() error {
	return b.rest.Close()
}

func normalizeBitbucketCloudCommit(raw bitbucketCloudCommitPayload, repoPath string) (model.Commit, bool) {
	name, email := splitRawAuthor(raw.Author.Raw)
	commit := model.Commit{
		SHA:         raw.Hash,
		AuthorName:  name,
		AuthorEmail: email,
		Timestamp:   parseRFC3339(raw.Date),
		Repository:  repoPath,
	}
	if user := raw.Author.User; user != nil {
		if user.Nickname != "" {
			commit.AuthorUsername = user.Nickname
		} else {
			commit.AuthorUsername = user.AccountID
		}
		if commit.AuthorName == "" {
			commit.AuthorName = user.DisplayName
		}
	}
	if commit.AuthorUsername == "" && commit.AuthorName == "" && commit.AuthorEmail == "" {
		return model.Commit{}, false
	}
	return commit, true
}

// splitRawAuthor parses the Bitbucket `raw` author string "Name <email>".
func splitRawAuthor(raw string) (name, email string) {
	raw = strings.TrimSpace(raw)
	open := strings.LastIndex(raw, "<")
	end := strings.LastIndex(raw, ">")
	if open >= 0 && end > open {
		return strings.TrimSpace(raw[:open]), strings.TrimSpace(raw[open+1 : end])
	}
	return raw, ""
}
