// Package forge defines the git-forge collaborator contract consumed by the
// task workers, and a GitHub REST implementation of it. Failures are
// classified so workers can fail fast on auth problems and report
// rate-limiting distinctly from anything transient.
package forge

import (
	"context"
	"errors"
)

// Classified failure modes. Every implementation must report these
// distinctly; "other" failures are returned wrapped but unclassified.
var (
	ErrAuth        = errors.New("forge: authentication invalid")
	ErrNotFound    = errors.New("forge: resource not found")
	ErrRateLimited = errors.New("forge: rate limited")
)

// CI states reported by CombinedStatus.
const (
	CIStateSuccess = "success"
	CIStatePending = "pending"
	CIStateFailure = "failure"
)

// PullRequestInput describes a pull request to open.
type PullRequestInput struct {
	Title  string
	Body   string
	Head   string // branch with the changes
	Base   string // branch to merge into
	Labels []string
	Draft  bool
}

// PullRequest is the forge's view of an open pull request.
type PullRequest struct {
	Number  int
	URL     string
	HeadSHA string
}

// Forge is the collaborator contract: just enough surface for a worker to
// land a change and read CI.
type Forge interface {
	// CreateBranch creates branch from the head of fromBranch.
	CreateBranch(ctx context.Context, branch, fromBranch string) error
	// CommitFile creates or updates path on branch and returns the new
	// commit SHA.
	CommitFile(ctx context.Context, branch, path, message string, content []byte) (string, error)
	// OpenPullRequest opens a pull request and returns it.
	OpenPullRequest(ctx context.Context, in PullRequestInput) (PullRequest, error)
	// CombinedStatus returns the combined CI state for a ref.
	CombinedStatus(ctx context.Context, ref string) (string, error)
	// ClosePullRequest closes an open pull request.
	ClosePullRequest(ctx context.Context, number int) error
	// DeleteBranch removes a branch.
	DeleteBranch(ctx context.Context, branch string) error
}
