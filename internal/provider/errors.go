package provider

import "fmt"

// AuthError indicates an invalid or missing credential. Fatal: the run aborts
// before producing partial output.
type AuthError struct {
	Provider string
	Err      error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: authentication failed", e.Provider)
	}
	return fmt.Sprintf("%s: authentication failed: %v", e.Provider, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// NotFoundError indicates an unknown organization, group, workspace, project,
// or repository. Fatal when hit while listing organization repositories.
type NotFoundError struct {
	Provider string
	Resource string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: %s not found", e.Provider, e.Resource)
}

// RepoError wraps a per-repository processing failure after retries were
// exhausted. Recoverable: the aggregation engine logs it, skips the
// repository, and continues the run.
type RepoError struct {
	Repo string
	Err  error
}

func (e *RepoError) Error() string {
	return fmt.Sprintf("repository %s: %v", e.Repo, e.Err)
}

func (e *RepoError) Unwrap() error { return e.Err }
