// Package report renders the outcome of a counting run as a JSON document
// or a human-readable text summary.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/devmetrics/contrib-count/internal/counter"
)

// Document is the machine-readable report of one run.
type Document struct {
	Metadata     Metadata                    `json:"metadata"`
	Summary      Summary                     `json:"summary"`
	Contributors map[string]ContributorEntry `json:"contributors"`
	Repositories map[string]RepositoryEntry  `json:"repositories"`
	// Key spelling is part of the published document format.
	ExcludedContributors []string `json:"excluded-contributors"`
	ExcludedRepositories []string `json:"excluded-repositories"`
}

// Metadata identifies the run that produced the document.
type Metadata struct {
	Organization string `json:"organization"`
	Provider     string `json:"provider"`
	URL          string `json:"url"`
	Period       Period `json:"period"`
}

// Period is the half-open counting window.
type Period struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Summary holds the headline counts.
type Summary struct {
	TotalContributors    int `json:"total_contributors"`
	TotalRepositories    int `json:"total_repositories"`
	ExcludedContributors int `json:"excluded_contributors"`
	ExcludedRepositories int `json:"excluded_repositories"`
}

// ContributorEntry is one contributor's aggregated statistics.
type ContributorEntry struct {
	CommitCount  int      `json:"commit_count"`
	FirstCommit  string   `json:"first_commit"`
	LastCommit   string   `json:"last_commit"`
	Repositories []string `json:"repositories"`
}

// RepositoryEntry is one repository's aggregated statistics.
type RepositoryEntry struct {
	ContributorCount int      `json:"contributor_count"`
	CommitCount      int      `json:"commit_count"`
	Contributors     []string `json:"contributors"`
}

// Build assembles the document from a run result. Excluded sets are sorted
// so identical runs serialize identically.
func Build(result *counter.Result, meta Metadata) *Document {
	doc := &Document{
		Metadata: meta,
		Summary: Summary{
			TotalContributors:    len(result.Contributors),
			TotalRepositories:    len(result.Repositories),
			ExcludedContributors: len(result.ExcludedContributors),
			ExcludedRepositories: len(result.ExcludedRepositories),
		},
		Contributors:         make(map[string]ContributorEntry, len(result.Contributors)),
		Repositories:         make(map[string]RepositoryEntry, len(result.Repositories)),
		ExcludedContributors: sortedKeys(result.ExcludedContributors),
		ExcludedRepositories: sortedKeys(result.ExcludedRepositories),
	}

	for username, stats := range result.Contributors {
		doc.Contributors[username] = ContributorEntry{
			CommitCount:  stats.CommitCount,
			FirstCommit:  stats.FirstCommit.UTC().Format(time.RFC3339),
			LastCommit:   stats.LastCommit.UTC().Format(time.RFC3339),
			Repositories: stats.Repositories,
		}
	}
	for name, stats := range result.Repositories {
		doc.Repositories[name] = RepositoryEntry{
			ContributorCount: stats.ContributorCount,
			CommitCount:      stats.CommitCount,
			Contributors:     stats.Contributors,
		}
	}
	return doc
}

// NewMetadata fills run metadata with an RFC3339 period.
func NewMetadata(org, providerType, url string, since, until time.Time) Metadata {
	return Metadata{
		Organization: org,
		Provider:     providerType,
		URL:          url,
		Period: Period{
			Start: since.UTC().Format(time.RFC3339),
			End:   until.UTC().Format(time.RFC3339),
		},
	}
}

// WriteJSON serializes the document with indentation.
func (d *Document) WriteJSON(w io.Writer) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(d)
}

// TextOptions tune the text rendering.
type TextOptions struct {
	ListContributors bool
}

// WriteText prints the human-readable summary, optionally followed by a
// per-contributor table sorted by commit count.
func (d *Document) WriteText(w io.Writer, opts TextOptions) error {
	label := color.New(color.FgCyan, color.Bold).SprintFunc()
	warn := color.New(color.FgYellow).SprintFunc()

	fmt.Fprintf(w, "%s %s (%s)\n", label("Organization:"), d.Metadata.Organization, d.Metadata.Provider)
	fmt.Fprintf(w, "%s %s to %s\n", label("Period:"), d.Metadata.Period.Start, d.Metadata.Period.End)
	fmt.Fprintf(w, "%s %d\n", label("Contributors:"), d.Summary.TotalContributors)
	fmt.Fprintf(w, "%s %d\n", label("Repositories:"), d.Summary.TotalRepositories)
	if d.Summary.ExcludedContributors > 0 {
		fmt.Fprintf(w, "%s %d contributors excluded by filter rules\n", warn("Note:"), d.Summary.ExcludedContributors)
	}
	if d.Summary.ExcludedRepositories > 0 {
		fmt.Fprintf(w, "%s %d repositories excluded by filter rules\n", warn("Note:"), d.Summary.ExcludedRepositories)
	}

	if !opts.ListContributors || len(d.Contributors) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	return d.writeContributorTable(w)
}

func (d *Document) writeContributorTable(w io.Writer) error {
	usernames := make([]string, 0, len(d.Contributors))
	for username := range d.Contributors {
		usernames = append(usernames, username)
	}
	sort.Slice(usernames, func(i, j int) bool {
		a, b := d.Contributors[usernames[i]], d.Contributors[usernames[j]]
		if a.CommitCount != b.CommitCount {
			return a.CommitCount > b.CommitCount
		}
		return usernames[i] < usernames[j]
	})

	table := tablewriter.NewWriter(w)
	table.Header([]string{"Contributor", "Commits", "Repos", "First Commit", "Last Commit"})
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row.Alignment.Global = tw.AlignRight
	})

	var data [][]string
	for _, username := range usernames {
		entry := d.Contributors[username]
		data = append(data, []string{
			username,
			fmt.Sprintf("%d", entry.CommitCount),
			fmt.Sprintf("%d", len(entry.Repositories)),
			entry.FirstCommit,
			entry.LastCommit,
		})
	}
	if err := table.Bulk(data); err != nil {
		return fmt.Errorf("populate contributor table: %w", err)
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("render contributor table: %w", err)
	}
	return nil
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
