package policy_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/drover/internal/policy"
)

const samplePolicy = `resource_sandbox:
  file_access:
    allow:
      - "/workspace/**"
      - "/tmp/*.log"
    deny:
      - "/workspace/secrets/**"
risk_routing:
  auto_approve_labels:
    - docs
    - chore
  high_risk_labels:
    - destructive
    - production
`

func writePolicy(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	return path
}

func TestLoad_MissingFileGivesFailClosedDefault(t *testing.T) {
	p, err := policy.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.CheckFileAccess("/workspace/notes.md") {
		t.Fatal("default policy must deny all file access")
	}
	if p.RequiresHumanApproval(nil, "destructive") {
		t.Fatal("default policy has no high-risk labels")
	}
}

func TestCheckFileAccess_AllowAndDeny(t *testing.T) {
	p, err := policy.Load(writePolicy(t, samplePolicy))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	cases := []struct {
		path string
		want bool
	}{
		{"/workspace/src/main.go", true},
		{"/workspace/secrets/key.pem", false}, // deny beats allow
		{"/tmp/build.log", true},
		{"/tmp/nested/build.log", false},
		{"/etc/passwd", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := p.CheckFileAccess(tc.path); got != tc.want {
			t.Errorf("CheckFileAccess(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

func TestRequiresHumanApproval_Routing(t *testing.T) {
	p, err := policy.Load(writePolicy(t, samplePolicy))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	// Auto-approve label wins even with a high-risk class.
	if p.RequiresHumanApproval([]string{"docs"}, "destructive") {
		t.Fatal("auto-approve label must win")
	}
	// High-risk class without an auto-approve label.
	if !p.RequiresHumanApproval([]string{"feature"}, "destructive") {
		t.Fatal("destructive risk class must require approval")
	}
	// Neither set matched: default is no approval.
	if p.RequiresHumanApproval([]string{"feature"}, "routine") {
		t.Fatal("unmatched labels must not require approval")
	}
}

func TestLoad_InvalidYAMLFails(t *testing.T) {
	path := writePolicy(t, "resource_sandbox: [not a mapping")
	if _, err := policy.Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestReload_InvalidFileRetainsPrevious(t *testing.T) {
	path := writePolicy(t, samplePolicy)
	initial, err := policy.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	live := policy.NewLivePolicy(initial, path)

	if !live.CheckFileAccess("/workspace/src/main.go") {
		t.Fatal("expected initial allow")
	}
	before := live.PolicyVersion()

	if err := os.WriteFile(path, []byte("{{{not yaml"), 0o644); err != nil {
		t.Fatalf("write invalid: %v", err)
	}
	if err := live.Reload(); err == nil {
		t.Fatal("expected reload error")
	}
	if !live.CheckFileAccess("/workspace/src/main.go") {
		t.Fatal("previous policy must remain active after a failed reload")
	}
	if live.PolicyVersion() != before {
		t.Fatal("policy version must not change on a failed reload")
	}
}

func TestReload_ValidFileSwapsAtomically(t *testing.T) {
	path := writePolicy(t, samplePolicy)
	initial, err := policy.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	live := policy.NewLivePolicy(initial, path)

	next := `resource_sandbox:
  file_access:
    allow:
      - "/srv/**"
`
	if err := os.WriteFile(path, []byte(next), 0o644); err != nil {
		t.Fatalf("write next: %v", err)
	}
	if err := live.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if live.CheckFileAccess("/workspace/src/main.go") {
		t.Fatal("old allow list still active after reload")
	}
	if !live.CheckFileAccess("/srv/app/main.go") {
		t.Fatal("new allow list not active after reload")
	}
}

func TestLoad_InvalidGlobRejected(t *testing.T) {
	path := writePolicy(t, "resource_sandbox:\n  file_access:\n    allow:\n      - \"/workspace/[\"\n")
	if _, err := policy.Load(path); err == nil {
		t.Fatal("expected invalid glob to be rejected")
	}
}

func TestPolicyVersion_StableAcrossEqualDocs(t *testing.T) {
	a, err := policy.Load(writePolicy(t, samplePolicy))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b, err := policy.Load(writePolicy(t, samplePolicy))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if a.PolicyVersion() != b.PolicyVersion() {
		t.Fatal("equal documents must share a version")
	}
	if a.PolicyVersion() == policy.Default().PolicyVersion() {
		t.Fatal("distinct documents must differ")
	}
}
