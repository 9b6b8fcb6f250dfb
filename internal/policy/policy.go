// Package policy loads the declarative rule document governing file access
// and approval routing, and serves point queries against it. The document is
// hot-reloadable; a failed reload keeps the previous document active.
package policy

import (
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// Checker is the interface consumed at the tool and worker boundaries.
type Checker interface {
	CheckFileAccess(path string) bool
	RequiresHumanApproval(labels []string, riskClass string) bool
	AutoApprove(labels []string) bool
	PolicyVersion() string
}

// FileAccess holds the allow/deny glob lists for the resource sandbox.
type FileAccess struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

// ResourceSandbox groups resource access rules.
type ResourceSandbox struct {
	FileAccess FileAccess `yaml:"file_access"`
}

// RiskRouting maps task labels and risk classes to approval requirements.
type RiskRouting struct {
	AutoApproveLabels []string `yaml:"auto_approve_labels"`
	HighRiskLabels    []string `yaml:"high_risk_labels"`
}

// Policy is the serializable policy document.
type Policy struct {
	ResourceSandbox ResourceSandbox `yaml:"resource_sandbox"`
	RiskRouting     RiskRouting     `yaml:"risk_routing"`
}

// Default returns the empty fail-closed policy: no allow globs, so every
// file-access check denies, and no routing labels.
func Default() Policy {
	return Policy{}
}

// DefaultYAML returns the starter policy document written on first run.
func DefaultYAML() string {
	return `# Drover policy. File access is default-deny: only paths matching an
# allow glob (and no deny glob) are reachable. Deny beats allow.

resource_sandbox:
  file_access:
    allow:
      - "workspace/**"
      - "tasks/**"
    deny:
      - "**/.env"
      - "**/*.pem"
      - "**/id_rsa*"

# Labels on the enclosing task route risky tool calls.
risk_routing:
  auto_approve_labels:
    - trusted-batch
  high_risk_labels:
    - production
    - billing
`
}

// Load parses the policy file at path. A missing or empty file yields the
// fail-closed default; a present but unparsable file is an error so the
// caller can keep its previous document.
func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return Default(), nil
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) validate() error {
	for _, g := range append(append([]string{}, p.ResourceSandbox.FileAccess.Allow...), p.ResourceSandbox.FileAccess.Deny...) {
		g = strings.TrimSpace(g)
		if g == "" {
			continue
		}
		if !doublestar.ValidatePattern(g) {
			return fmt.Errorf("invalid glob %q", g)
		}
	}
	return nil
}

// CheckFileAccess evaluates the allow/deny glob lists for path. Deny entries
// take precedence over allow entries; with no allow match the answer is false.
func (p Policy) CheckFileAccess(path string) bool {
	path = strings.TrimSpace(path)
	if path == "" {
		return false
	}
	for _, g := range p.ResourceSandbox.FileAccess.Deny {
		if globMatch(g, path) {
			return false
		}
	}
	for _, g := range p.ResourceSandbox.FileAccess.Allow {
		if globMatch(g, path) {
			return true
		}
	}
	return false
}

func globMatch(pattern, path string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return false
	}
	ok, err := doublestar.Match(pattern, path)
	return err == nil && ok
}

// AutoApprove reports whether any of the task labels is in the auto-approve
// set. Auto-approved work skips the human gate even when a risk predicate
// matched.
func (p Policy) AutoApprove(labels []string) bool {
	for _, l := range labels {
		l = strings.ToLower(strings.TrimSpace(l))
		for _, auto := range p.RiskRouting.AutoApproveLabels {
			if l != "" && l == strings.ToLower(strings.TrimSpace(auto)) {
				return true
			}
		}
	}
	return false
}

// RequiresHumanApproval routes an operation by its task labels and risk
// class. Auto-approve labels win over high-risk classification; anything
// matching neither set does not require approval.
func (p Policy) RequiresHumanApproval(labels []string, riskClass string) bool {
	for _, l := range labels {
		l = strings.ToLower(strings.TrimSpace(l))
		for _, auto := range p.RiskRouting.AutoApproveLabels {
			if l != "" && l == strings.ToLower(strings.TrimSpace(auto)) {
				return false
			}
		}
	}
	riskClass = strings.ToLower(strings.TrimSpace(riskClass))
	for _, high := range p.RiskRouting.HighRiskLabels {
		if riskClass != "" && riskClass == strings.ToLower(strings.TrimSpace(high)) {
			return true
		}
	}
	return false
}

// PolicyVersion returns a stable fingerprint of the document, recorded with
// audit entries so decisions can be traced to the policy that made them.
func (p Policy) PolicyVersion() string {
	h := fnv.New64a()
	for _, v := range p.ResourceSandbox.FileAccess.Allow {
		_, _ = h.Write([]byte("a:" + strings.TrimSpace(v) + "|"))
	}
	for _, v := range p.ResourceSandbox.FileAccess.Deny {
		_, _ = h.Write([]byte("d:" + strings.TrimSpace(v) + "|"))
	}
	for _, v := range p.RiskRouting.AutoApproveLabels {
		_, _ = h.Write([]byte("auto:" + strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	for _, v := range p.RiskRouting.HighRiskLabels {
		_, _ = h.Write([]byte("high:" + strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}

// LivePolicy wraps a Policy with thread-safe atomic replacement. Readers see
// either the old or the new document, never a partially applied one, because
// reload is a single assignment under the write lock.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
	path string
}

// NewLivePolicy creates a LivePolicy from an initial Policy snapshot.
// path is remembered for Reload.
func NewLivePolicy(initial Policy, path string) *LivePolicy {
	return &LivePolicy{data: initial, path: path}
}

// CheckFileAccess is the thread-safe file-access check used at runtime.
func (lp *LivePolicy) CheckFileAccess(path string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.CheckFileAccess(path)
}

// RequiresHumanApproval is the thread-safe routing check used at runtime.
func (lp *LivePolicy) RequiresHumanApproval(labels []string, riskClass string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.RequiresHumanApproval(labels, riskClass)
}

// AutoApprove is the thread-safe auto-approve check used at runtime.
func (lp *LivePolicy) AutoApprove(labels []string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.AutoApprove(labels)
}

// PolicyVersion returns the fingerprint of the active document.
func (lp *LivePolicy) PolicyVersion() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.PolicyVersion()
}

// Snapshot returns a copy of the current policy data.
func (lp *LivePolicy) Snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	cp := lp.data
	cp.ResourceSandbox.FileAccess.Allow = append([]string(nil), lp.data.ResourceSandbox.FileAccess.Allow...)
	cp.ResourceSandbox.FileAccess.Deny = append([]string(nil), lp.data.ResourceSandbox.FileAccess.Deny...)
	cp.RiskRouting.AutoApproveLabels = append([]string(nil), lp.data.RiskRouting.AutoApproveLabels...)
	cp.RiskRouting.HighRiskLabels = append([]string(nil), lp.data.RiskRouting.HighRiskLabels...)
	return cp
}

// Replace swaps in a fresh Policy snapshot.
func (lp *LivePolicy) Replace(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p
}

// Reload re-reads the policy file and swaps the document in atomically.
// On any load error the previous policy remains active and the error is
// returned for logging.
func (lp *LivePolicy) Reload() error {
	if lp == nil {
		return fmt.Errorf("nil live policy")
	}
	p, err := Load(lp.path)
	if err != nil {
		return err
	}
	lp.Replace(p)
	return nil
}
