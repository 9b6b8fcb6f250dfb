package forge

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Forge for tests. Each operation can be made to fail
// by setting the corresponding Err field; FailCIOnce makes the first
// CombinedStatus call report failure and subsequent calls success, which is
// how worker retry paths are exercised.
type Fake struct {
	mu sync.Mutex

	Branches map[string]string            // branch -> from branch
	Commits  map[string][]string          // branch -> commit messages
	PRs      map[int]PullRequestInput     // number -> input
	Closed   map[int]bool                 // closed PR numbers
	Deleted  map[string]bool              // deleted branches
	nextPR   int
	commitN  int

	CIState    string // returned by CombinedStatus; default success
	FailCIOnce bool
	ciCalls    int

	CreateBranchErr error
	CommitFileErr   error
	OpenPRErr       error
	StatusErr       error
}

// NewFake returns a Fake with empty state and green CI.
func NewFake() *Fake {
	return &Fake{
		Branches: make(map[string]string),
		Commits:  make(map[string][]string),
		PRs:      make(map[int]PullRequestInput),
		Closed:   make(map[int]bool),
		Deleted:  make(map[string]bool),
		CIState:  CIStateSuccess,
	}
}

func (f *Fake) CreateBranch(_ context.Context, branch, fromBranch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateBranchErr != nil {
		return f.CreateBranchErr
	}
	f.Branches[branch] = fromBranch
	return nil
}

func (f *Fake) CommitFile(_ context.Context, branch, path, message string, _ []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CommitFileErr != nil {
		return "", f.CommitFileErr
	}
	if _, ok := f.Branches[branch]; !ok {
		return "", fmt.Errorf("branch %s: %w", branch, ErrNotFound)
	}
	f.Commits[branch] = append(f.Commits[branch], message)
	f.commitN++
	return fmt.Sprintf("sha-%d", f.commitN), nil
}

func (f *Fake) OpenPullRequest(_ context.Context, in PullRequestInput) (PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.OpenPRErr != nil {
		return PullRequest{}, f.OpenPRErr
	}
	f.nextPR++
	f.PRs[f.nextPR] = in
	return PullRequest{
		Number:  f.nextPR,
		URL:     fmt.Sprintf("https://forge.example/%s/pull/%d", in.Head, f.nextPR),
		HeadSHA: fmt.Sprintf("sha-%d", f.commitN),
	}, nil
}

func (f *Fake) CombinedStatus(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StatusErr != nil {
		return "", f.StatusErr
	}
	f.ciCalls++
	if f.FailCIOnce && f.ciCalls == 1 {
		return CIStateFailure, nil
	}
	if f.CIState == "" {
		return CIStateSuccess, nil
	}
	return f.CIState, nil
}

func (f *Fake) ClosePullRequest(_ context.Context, number int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.PRs[number]; !ok {
		return ErrNotFound
	}
	f.Closed[number] = true
	return nil
}

func (f *Fake) DeleteBranch(_ context.Context, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Branches[branch]; !ok {
		return ErrNotFound
	}
	f.Deleted[branch] = true
	return nil
}

// CommitCount returns how many commits landed on branch.
func (f *Fake) CommitCount(branch string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Commits[branch])
}

// CICalls returns how many times CombinedStatus was consulted.
func (f *Fake) CICalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ciCalls
}
