package forge

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultBaseURL = "https://api.github.com"

// GitHubClient implements Forge against the GitHub REST API.
type GitHubClient struct {
	baseURL string
	owner   string
	repo    string
	token   string
	client  *http.Client
}

// NewGitHubClient creates a client for owner/repo. baseURL may be empty for
// the public API; httpClient may be nil.
func NewGitHubClient(baseURL, owner, repo, token string, httpClient *http.Client) *GitHubClient {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &GitHubClient{
		baseURL: baseURL,
		owner:   owner,
		repo:    repo,
		token:   token,
		client:  httpClient,
	}
}

func (g *GitHubClient) CreateBranch(ctx context.Context, branch, fromBranch string) error {
	// Resolve the source branch head first.
	var ref struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	if err := g.do(ctx, http.MethodGet, g.repoPath("git/ref/heads/"+fromBranch), nil, &ref); err != nil {
		return fmt.Errorf("resolve branch %s: %w", fromBranch, err)
	}

	body := map[string]string{
		"ref": "refs/heads/" + branch,
		"sha": ref.Object.SHA,
	}
	if err := g.do(ctx, http.MethodPost, g.repoPath("git/refs"), body, nil); err != nil {
		return fmt.Errorf("create branch %s: %w", branch, err)
	}
	return nil
}

func (g *GitHubClient) CommitFile(ctx context.Context, branch, path, message string, content []byte) (string, error) {
	// Create-or-update: a PUT to contents needs the existing blob SHA when
	// the file already exists on the branch.
	var existing struct {
		SHA string `json:"sha"`
	}
	err := g.do(ctx, http.MethodGet, g.repoPath("contents/"+path)+"?ref="+branch, nil, &existing)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}

	body := map[string]any{
		"message": message,
		"content": base64.StdEncoding.EncodeToString(content),
		"branch":  branch,
	}
	if existing.SHA != "" {
		body["sha"] = existing.SHA
	}

	var resp struct {
		Commit struct {
			SHA string `json:"sha"`
		} `json:"commit"`
	}
	if err := g.do(ctx, http.MethodPut, g.repoPath("contents/"+path), body, &resp); err != nil {
		return "", fmt.Errorf("commit %s: %w", path, err)
	}
	return resp.Commit.SHA, nil
}

func (g *GitHubClient) OpenPullRequest(ctx context.Context, in PullRequestInput) (PullRequest, error) {
	body := map[string]any{
		"title": in.Title,
		"body":  in.Body,
		"head":  in.Head,
		"base":  in.Base,
		"draft": in.Draft,
	}
	var resp struct {
		Number  int    `json:"number"`
		HTMLURL string `json:"html_url"`
		Head    struct {
			SHA string `json:"sha"`
		} `json:"head"`
	}
	if err := g.do(ctx, http.MethodPost, g.repoPath("pulls"), body, &resp); err != nil {
		return PullRequest{}, fmt.Errorf("open pull request: %w", err)
	}

	if len(in.Labels) > 0 {
		labelBody := map[string]any{"labels": in.Labels}
		path := g.repoPath(fmt.Sprintf("issues/%d/labels", resp.Number))
		if err := g.do(ctx, http.MethodPost, path, labelBody, nil); err != nil {
			// The pull request exists; label failure is not fatal.
			return PullRequest{
				Number:  resp.Number,
				URL:     resp.HTMLURL,
				HeadSHA: resp.Head.SHA,
			}, nil
		}
	}
	return PullRequest{
		Number:  resp.Number,
		URL:     resp.HTMLURL,
		HeadSHA: resp.Head.SHA,
	}, nil
}

func (g *GitHubClient) CombinedStatus(ctx context.Context, ref string) (string, error) {
	var resp struct {
		State string `json:"state"`
	}
	if err := g.do(ctx, http.MethodGet, g.repoPath("commits/"+ref+"/status"), nil, &resp); err != nil {
		return "", fmt.Errorf("combined status %s: %w", ref, err)
	}
	return resp.State, nil
}

func (g *GitHubClient) ClosePullRequest(ctx context.Context, number int) error {
	body := map[string]string{"state": "closed"}
	if err := g.do(ctx, http.MethodPatch, g.repoPath(fmt.Sprintf("pulls/%d", number)), body, nil); err != nil {
		return fmt.Errorf("close pull request %d: %w", number, err)
	}
	return nil
}

func (g *GitHubClient) DeleteBranch(ctx context.Context, branch string) error {
	if err := g.do(ctx, http.MethodDelete, g.repoPath("git/refs/heads/"+branch), nil, nil); err != nil {
		return fmt.Errorf("delete branch %s: %w", branch, err)
	}
	return nil
}

func (g *GitHubClient) repoPath(suffix string) string {
	return fmt.Sprintf("%s/repos/%s/%s/%s", g.baseURL, g.owner, g.repo, suffix)
}

func (g *GitHubClient) do(ctx context.Context, method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := classifyStatus(resp, data); err != nil {
		return err
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// classifyStatus maps HTTP status codes onto the forge error taxonomy.
func classifyStatus(resp *http.Response, body []byte) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrAuth
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case resp.StatusCode == http.StatusForbidden:
		// GitHub signals primary rate limiting with 403 and an exhausted
		// quota header.
		if resp.Header.Get("X-RateLimit-Remaining") == "0" {
			return ErrRateLimited
		}
		return ErrAuth
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	default:
		msg := parseErrorMessage(body)
		return fmt.Errorf("forge: status %d: %s", resp.StatusCode, msg)
	}
}

func parseErrorMessage(body []byte) string {
	var e struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Message != "" {
		return e.Message
	}
	const max = 200
	if len(body) > max {
		body = body[:max]
	}
	return string(body)
}
