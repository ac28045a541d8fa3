// Package model holds the shared value types exchanged between providers,
// the filter engine, and the aggregation engine.
package model

import (
	"strings"
	"time"
)

// Repository is one hosted repository as reported by a provider. Immutable
// once fetched.
type Repository struct {
	// Name is the short repository name.
	Name string
	// FullName is the provider-unique qualified path, e.g. "org/repo".
	FullName string
	Private  bool
	Fork     bool
}

// ShortName extracts the short repository name from a qualified path.
func ShortName(fullName string) string {
	if idx := strings.LastIndex(fullName, "/"); idx >= 0 {
		return fullName[idx+1:]
	}
	return fullName
}

// Commit is one normalized commit record. Immutable.
type Commit struct {
	SHA         string
	AuthorName  string
	AuthorEmail string
	// AuthorUsername is the provider login identity. It may be empty when the
	// provider could not map the git author to an account; such commits are
	// skipped by the aggregation engine.
	AuthorUsername string
	Timestamp      time.Time
	// Repository is the qualified path of the repository the commit belongs
	// to. A back-reference, not ownership.
	Repository string
}

// ContributorStats accumulates per-contributor statistics over one run. It is
// owned exclusively by the aggregation engine while the run is in flight.
type ContributorStats struct {
	Username    string
	Email       string
	CommitCount int
	FirstCommit time.Time
	LastCommit  time.Time
	// Repositories is the set of short repository names touched, in insertion
	// order, without duplicates.
	Repositories []string
}

// Observe folds one commit into the running statistics.
func (s *ContributorStats) Observe(commit Commit) {
	repoName := ShortName(commit.Repository)
	s.CommitCount++
	if commit.AuthorEmail != "" {
		s.Email = commit.AuthorEmail
	}
	if s.FirstCommit.IsZero() || commit.Timestamp.Before(s.FirstCommit) {
		s.FirstCommit = commit.Timestamp
	}
	if commit.Timestamp.After(s.LastCommit) {
		s.LastCommit = commit.Timestamp
	}
	s.AddRepository(repoName)
}

// AddRepository appends a repository short name if not already present.
func (s *ContributorStats) AddRepository(name string) {
	for _, existing := range s.Repositories {
		if existing == name {
			return
		}
	}
	s.Repositories = append(s.Repositories, name)
}

// RepoStats summarizes one successfully processed repository. Built once,
// immutable after.
type RepoStats struct {
	Name             string
	ContributorCount int
	CommitCount      int
	// Contributors lists the distinct non-excluded usernames that committed
	// to this repository during the window.
	Contributors []string
}
