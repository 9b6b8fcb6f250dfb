package toolproto

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseToolName(t *testing.T) {
	for _, name := range []string{"shell", "browser", "deploy", "errtracker"} {
		if _, err := ParseToolName(name); err != nil {
			t.Errorf("ParseToolName(%q): %v", name, err)
		}
	}
	if _, err := ParseToolName("telepathy"); !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("expected ErrUnknownTool, got %v", err)
	}
	if _, err := ParseToolName("  Shell "); err != nil {
		t.Fatalf("normalized name rejected: %v", err)
	}
}

func TestValidateArgs(t *testing.T) {
	args, err := ValidateArgs(ToolShell, json.RawMessage(`{"command":"ls"}`))
	if err != nil {
		t.Fatalf("valid args rejected: %v", err)
	}
	if args["command"] != "ls" {
		t.Fatalf("args = %v", args)
	}

	// Missing required field.
	if _, err := ValidateArgs(ToolShell, json.RawMessage(`{"working_dir":"/tmp"}`)); err == nil {
		t.Fatal("missing command accepted")
	}
	// Unknown field.
	if _, err := ValidateArgs(ToolShell, json.RawMessage(`{"command":"ls","verbose":true}`)); err == nil {
		t.Fatal("unknown field accepted")
	}
	// Malformed JSON.
	if _, err := ValidateArgs(ToolShell, json.RawMessage(`{`)); err == nil {
		t.Fatal("malformed JSON accepted")
	}
}

func TestRiskMatch_Shell(t *testing.T) {
	cases := []struct {
		command string
		want    bool
	}{
		{"rm -rf /data", true},
		{"dd if=/dev/zero of=/dev/sda", true},
		{"shutdown -h now", true},
		{"psql -c 'DROP TABLE users'", true},
		{"echo hello", false},
		{"ls -la /workspace", false},
		{"git commit -m 'remove stale docs'", false},
	}
	for _, tc := range cases {
		got, reason := RiskMatch(ToolShell, map[string]any{"command": tc.command})
		if got != tc.want {
			t.Errorf("RiskMatch(%q) = %v (%s), want %v", tc.command, got, reason, tc.want)
		}
	}
}

func TestRiskMatch_ActionSets(t *testing.T) {
	if ok, _ := RiskMatch(ToolBrowser, map[string]any{"action": "purchase"}); !ok {
		t.Error("browser purchase should be risky")
	}
	if ok, _ := RiskMatch(ToolBrowser, map[string]any{"action": "navigate"}); ok {
		t.Error("browser navigate should not be risky")
	}
	if ok, _ := RiskMatch(ToolDeploy, map[string]any{"action": "rollback"}); !ok {
		t.Error("deploy rollback should be risky")
	}
	if ok, _ := RiskMatch(ToolDeploy, map[string]any{"action": "status"}); ok {
		t.Error("deploy status should not be risky")
	}
	if ok, _ := RiskMatch(ToolErrTracker, map[string]any{"action": "resolve_all"}); !ok {
		t.Error("errtracker resolve_all should be risky")
	}
}
