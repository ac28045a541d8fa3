// Package filter evaluates repository and contributor admission rules.
// Engines are stateless beyond the rules they were built with, so the same
// input always produces the same answer.
package filter

import (
	"path"
	"strings"
)

// RepoRule matches a repository name either exactly or by glob pattern.
// Exactly one of the fields is set.
type RepoRule struct {
	Pattern string
	Exact   string
}

// ContributorRule rejects a contributor when any of its clauses matches.
type ContributorRule struct {
	Pattern string
	Users   []string
	Emails  []string
	Domains []string
}

// Rules is the full rule set an Engine evaluates.
type Rules struct {
	IncludeRepositories []RepoRule
	ExcludeRepositories []RepoRule
	ExcludeContributors []ContributorRule

	// ExcludeBots drops identities with a "[bot]" suffix. This is a literal
	// suffix check rather than a glob, since brackets are character classes
	// in pattern syntax.
	ExcludeBots bool
}

// Engine answers admission questions for repositories and contributors.
type Engine struct {
	rules Rules
}

// New builds an engine over the given rules. Patterns are assumed valid;
// config loading rejects malformed globs before an engine is built.
func New(rules Rules) *Engine {
	return &Engine{rules: rules}
}

// ShouldIncludeRepository reports whether a repository passes the rules.
// Exclusion always wins; when include rules exist, the name must match at
// least one of them.
func (e *Engine) ShouldIncludeRepository(name string) bool {
	for _, rule := range e.rules.ExcludeRepositories {
		if repoRuleMatches(rule, name) {
			return false
		}
	}
	if len(e.rules.IncludeRepositories) == 0 {
		return true
	}
	for _, rule := range e.rules.IncludeRepositories {
		if repoRuleMatches(rule, name) {
			return true
		}
	}
	return false
}

// ShouldIncludeContributor reports whether a contributor passes the rules.
// Exclusion rules are OR'd rejections and short-circuit on the first match.
func (e *Engine) ShouldIncludeContributor(username, email string) bool {
	if e.rules.ExcludeBots && strings.HasSuffix(strings.ToLower(username), "[bot]") {
		return false
	}
	for _, rule := range e.rules.ExcludeContributors {
		if contributorRuleMatches(rule, username, email) {
			return false
		}
	}
	return true
}

func repoRuleMatches(rule RepoRule, name string) bool {
	if rule.Exact != "" {
		return name == rule.Exact
	}
	return globMatches(rule.Pattern, name)
}

func contributorRuleMatches(rule ContributorRule, username, email string) bool {
	if rule.Pattern != "" && globMatches(rule.Pattern, username) {
		return true
	}
	for _, user := range rule.Users {
		if username == user {
			return true
		}
	}
	if email != "" {
		for _, pattern := range rule.Emails {
			if globMatches(pattern, email) {
				return true
			}
		}
		if domain := emailDomain(email); domain != "" {
			for _, pattern := range rule.Domains {
				if globMatches(pattern, domain) {
					return true
				}
			}
		}
	}
	return false
}

// globMatches treats a pattern with no metacharacters as an exact string so
// literal names behave the same whether or not they were written as globs.
func globMatches(pattern, value string) bool {
	if pattern == "" {
		return false
	}
	if pattern == value {
		return true
	}
	ok, err := path.Match(pattern, value)
	return err == nil && ok
}

func emailDomain(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return email[at+1:]
}
