package forge_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/basket/drover/internal/forge"
)

// fakeForgeServer simulates the handful of GitHub endpoints the client uses.
func fakeForgeServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("GET /repos/o/r/git/ref/heads/main", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": map[string]string{"sha": "base-sha"},
		})
	})
	mux.HandleFunc("POST /repos/o/r/git/refs", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["sha"] != "base-sha" {
			http.Error(w, `{"message":"bad sha"}`, http.StatusUnprocessableEntity)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("GET /repos/o/r/contents/docs/faq.md", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r) // new file
	})
	mux.HandleFunc("PUT /repos/o/r/contents/docs/faq.md", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"commit": map[string]string{"sha": "commit-sha"},
		})
	})
	mux.HandleFunc("POST /repos/o/r/pulls", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"number":   7,
			"html_url": "https://forge.example/o/r/pull/7",
			"head":     map[string]string{"sha": "commit-sha"},
		})
	})
	mux.HandleFunc("GET /repos/o/r/commits/commit-sha/status", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"state": "success"})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestGitHubClient_HappyPath(t *testing.T) {
	srv := fakeForgeServer(t)
	g := forge.NewGitHubClient(srv.URL, "o", "r", "token", srv.Client())
	ctx := context.Background()

	if err := g.CreateBranch(ctx, "drover/update-faq", "main"); err != nil {
		t.Fatalf("create branch: %v", err)
	}
	sha, err := g.CommitFile(ctx, "drover/update-faq", "docs/faq.md", "update faq", []byte("# FAQ"))
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if sha != "commit-sha" {
		t.Fatalf("sha = %q", sha)
	}
	pr, err := g.OpenPullRequest(ctx, forge.PullRequestInput{
		Title: "Update FAQ", Head: "drover/update-faq", Base: "main",
	})
	if err != nil {
		t.Fatalf("open pr: %v", err)
	}
	if pr.Number != 7 || pr.URL != "https://forge.example/o/r/pull/7" {
		t.Fatalf("pr = %+v", pr)
	}
	state, err := g.CombinedStatus(ctx, pr.HeadSHA)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if state != forge.CIStateSuccess {
		t.Fatalf("state = %q", state)
	}
}

func TestGitHubClient_ErrorClassification(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		headers map[string]string
		want    error
	}{
		{"unauthorized", http.StatusUnauthorized, nil, forge.ErrAuth},
		{"forbidden", http.StatusForbidden, nil, forge.ErrAuth},
		{"rate limited 429", http.StatusTooManyRequests, nil, forge.ErrRateLimited},
		{"rate limited 403", http.StatusForbidden, map[string]string{"X-RateLimit-Remaining": "0"}, forge.ErrRateLimited},
		{"not found", http.StatusNotFound, nil, forge.ErrNotFound},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tc.headers {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"message":"nope"}`))
			}))
			defer srv.Close()

			g := forge.NewGitHubClient(srv.URL, "o", "r", "token", srv.Client())
			_, err := g.CombinedStatus(context.Background(), "sha")
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestGitHubClient_OtherErrorsUnclassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"server on fire"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	g := forge.NewGitHubClient(srv.URL, "o", "r", "token", srv.Client())
	_, err := g.CombinedStatus(context.Background(), "sha")
	if err == nil {
		t.Fatal("expected error")
	}
	for _, sentinel := range []error{forge.ErrAuth, forge.ErrNotFound, forge.ErrRateLimited} {
		if errors.Is(err, sentinel) {
			t.Fatalf("500 misclassified as %v", sentinel)
		}
	}
}
