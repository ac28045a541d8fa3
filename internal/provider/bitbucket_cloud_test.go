package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/devmetrics/contrib-count/internal/model"
)

func newBitbucketCloudForTest(t *testing.T, handler http.Handler) *BitbucketCloud {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	bitbucket, err := NewBitbucketCloud(Options{
		BaseURL:     server.URL,
		Credentials: Credentials{Username: "deploy", Password: "app-password"},
	})
	if err != nil {
		t.Fatalf("NewBitbucketCloud() unexpected error: %v", err)
	}
	t.Cleanup(func() {
		_ = bitbucket.Close()
	})
	return bitbucket
}

func TestNewBitbucketCloudRequiresBasicAuth(t *testing.T) {
	t.Parallel()

	var authErr *AuthError
	if _, err := NewBitbucketCloud(Options{Credentials: Credentials{Username: "deploy"}}); !errors.As(err, &authErr) {
		t.Fatalf("NewBitbucketCloud() without password error = %v, want *AuthError", err)
	}
	if _, err := NewBitbucketCloud(Options{Credentials: Credentials{Password: "pw"}}); !errors.As(err, &authErr) {
		t.Fatalf("NewBitbucketCloud() without username error = %v, want *AuthError", err)
	}
}

func TestBitbucketCloudOrganizationRepositoriesFollowsNextURL(t *testing.T) {
	t.Parallel()

	var serverURL string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, password, ok := r.BasicAuth()
		if !ok || user != "deploy" || password != "app-password" {
			t.Errorf("basic auth = %q/%q, want deploy/app-password", user, password)
		}

		if r.URL.Path != "/repositories/acme" {
			t.Errorf("unexpected request %q", r.URL.String())
		}
		switch r.URL.Query().Get("page") {
		case "":
			fmt.Fprintf(w, `{
				"values": [{"name": "api", "full_name": "acme/api", "is_private": true}],
				"next": %q
			}`, serverURL+"/repositories/acme?page=2")
		default:
			if r.URL.Query().Get("page") != "2" {
				t.Errorf("unexpected request %q", r.URL.String())
			}
			fmt.Fprint(w, `{
				"values": [{"name": "web", "full_name": "acme/web", "parent": {}}]
			}`)
		}
	}))
	t.Cleanup(server.Close)
	serverURL = server.URL

	bitbucket, err := NewBitbucketCloud(Options{
		BaseURL:     server.URL,
		Credentials: Credentials{Username: "deploy", Password: "app-password"},
	})
	if err != nil {
		t.Fatalf("NewBitbucketCloud() unexpected error: %v", err)
	}
	t.Cleanup(func() {
		_ = bitbucket.Close()
	})

	var repos []model.Repository
	for repo, iterErr := range bitbucket.OrganizationRepositories(context.Background(), "acme") {
		if iterErr != nil {
			t.Fatalf("OrganizationRepositories() unexpected error: %v", iterErr)
		}
		repos = append(repos, repo)
	}

	want := []model.Repository{
		{Name: "api", FullName: "acme/api", Private: true},
		{Name: "web", FullName: "acme/web", Fork: true},
	}
	if len(repos) != len(want) {
		t.Fatalf("repos = %d entries, want %d", len(repos), len(want))
	}
	for i := range want {
		if repos[i] != want[i] {
			t.Fatalf("repos[%d] = %+v, want %+v", i, repos[i], want[i])
		}
	}
}

func TestBitbucketCloudRepositoryCommitsStopsBelowWindow(t *testing.T) {
	t.Parallel()

	since := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	until := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	pagesServed := 0
	bitbucket := newBitbucketCloudForTest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repositories/acme/api/commits" {
			t.Errorf("unexpected path %q", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		pagesServed++
		// Reverse-chronological: the last entry predates the window, so the
		// advertised next page must never be requested.
		fmt.Fprint(w, `{
			"values": [
				{"hash": "c1", "date": "2026-06-20T10:00:00Z",
				 "author": {"raw": "Alice <alice@acme.io>",
				            "user": {"nickname": "alice", "account_id": "a-1", "display_name": "Alice"}}},
				{"hash": "c2", "date": "2026-06-19T10:00:00Z",
				 "author": {"raw": "Drive By <drive@by.io>"}},
				{"hash": "c3", "date": "2024-01-01T10:00:00Z",
				 "author": {"raw": "Old Timer <old@acme.io>"}}
			],
			"next": "https://api.bitbucket.org/2.0/never-fetched"
		}`)
	}))

	var commits []model.Commit
	for commit, err := range bitbucket.RepositoryCommits(context.Background(), "acme/api", since, until) {
		if err != nil {
			t.Fatalf("RepositoryCommits() unexpected error: %v", err)
		}
		commits = append(commits, commit)
	}

	if pagesServed != 1 {
		t.Fatalf("pagesServed = %d, want 1", pagesServed)
	}
	if len(commits) != 2 {
		t.Fatalf("commits = %d entries, want 2", len(commits))
	}
	if commits[0].AuthorUsername != "alice" {
		t.Fatalf("AuthorUsername = %q, want %q", commits[0].AuthorUsername, "alice")
	}
	if commits[0].AuthorEmail != "alice@acme.io" {
		t.Fatalf("AuthorEmail = %q, want %q", commits[0].AuthorEmail, "alice@acme.io")
	}
	// Unmapped git author: display identity survives, username stays empty.
	if commits[1].AuthorUsername != "" {
		t.Fatalf("AuthorUsername = %q, want empty", commits[1].AuthorUsername)
	}
	if commits[1].AuthorName != "Drive By" {
		t.Fatalf("AuthorName = %q, want %q", commits[1].AuthorName, "Drive By")
	}
}

func TestSplitRawAuthor(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		raw       string
		wantName  string
		wantEmail string
	}{
		{name: "name_and_email", raw: "Alice Smith <alice@acme.io>", wantName: "Alice Smith", wantEmail: "alice@acme.io"},
		{name: "email_only", raw: "<alice@acme.io>", wantName: "", wantEmail: "alice@acme.io"},
		{name: "name_only", raw: "Alice Smith", wantName: "Alice Smith", wantEmail: ""},
		{name: "empty", raw: "", wantName: "", wantEmail: ""},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			name, email := splitRawAuthor(tc.raw)
			if name != tc.wantName || email != tc.wantEmail {
				t.Fatalf("splitRawAuthor(%q) = (%q, %q), want (%q, %q)", tc.raw, name, email, tc.wantName, tc.wantEmail)
			}
		})
	}
}
