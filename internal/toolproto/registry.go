package toolproto

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ToolName identifies one of the closed set of tool backends. Dispatch is by
// this enum, not open-ended lookup; unknown names are rejected at the
// boundary.
type ToolName string

const (
	ToolShell      ToolName = "shell"
	ToolBrowser    ToolName = "browser"
	ToolDeploy     ToolName = "deploy"
	ToolErrTracker ToolName = "errtracker"
)

// ErrUnknownTool is returned for a name outside the registry.
var ErrUnknownTool = errors.New("toolproto: unknown tool")

// toolSpec couples a tool's argument schema with its static risk predicate.
type toolSpec struct {
	schema *jsonschema.Schema
	risky  func(args map[string]any) (bool, string)
}

var registry = map[ToolName]toolSpec{
	ToolShell: {
		schema: mustCompileSchema("shell", `{
			"type": "object",
			"properties": {
				"command": {"type": "string", "minLength": 1},
				"working_dir": {"type": "string"},
				"timeout_sec": {"type": "integer", "minimum": 1}
			},
			"required": ["command"],
			"additionalProperties": false
		}`),
		risky: shellRisk,
	},
	ToolBrowser: {
		schema: mustCompileSchema("browser", `{
			"type": "object",
			"properties": {
				"action": {"type": "string", "minLength": 1},
				"url": {"type": "string"},
				"selector": {"type": "string"},
				"value": {"type": "string"}
			},
			"required": ["action"],
			"additionalProperties": false
		}`),
		risky: actionRisk(map[string]struct{}{
			"purchase":       {},
			"submit_payment": {},
			"delete_account": {},
			"transfer_funds": {},
		}),
	},
	ToolDeploy: {
		schema: mustCompileSchema("deploy", `{
			"type": "object",
			"properties": {
				"action": {"type": "string", "minLength": 1},
				"service": {"type": "string"},
				"environment": {"type": "string"},
				"version": {"type": "string"}
			},
			"required": ["action"],
			"additionalProperties": false
		}`),
		risky: actionRisk(map[string]struct{}{
			"rollback":          {},
			"delete_deployment": {},
			"scale_to_zero":     {},
			"promote":           {},
		}),
	},
	ToolErrTracker: {
		schema: mustCompileSchema("errtracker", `{
			"type": "object",
			"properties": {
				"action": {"type": "string", "minLength": 1},
				"project": {"type": "string"},
				"issue_id": {"type": "string"}
			},
			"required": ["action"],
			"additionalProperties": false
		}`),
		risky: actionRisk(map[string]struct{}{
			"delete_project": {},
			"resolve_all":    {},
		}),
	},
}

func mustCompileSchema(name, raw string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("tool schema %s: %v", name, err))
	}
	c := jsonschema.NewCompiler()
	url := "drover://tools/" + name + ".json"
	if err := c.AddResource(url, doc); err != nil {
		panic(fmt.Sprintf("tool schema %s: %v", name, err))
	}
	s, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("tool schema %s: %v", name, err))
	}
	return s
}

// destructiveSubstrings trip the shell risk predicate when present anywhere
// in the command string.
var destructiveSubstrings = []string{
	"rm -rf", "rm -fr", "rm -r ", "mkfs", "dd if=", "dd of=/dev/",
	"shutdown", "reboot", "> /dev/sd", ":(){", "drop table", "truncate table",
}

func shellRisk(args map[string]any) (bool, string) {
	cmd, _ := args["command"].(string)
	lower := strings.ToLower(cmd)
	for _, sub := range destructiveSubstrings {
		if strings.Contains(lower, sub) {
			return true, fmt.Sprintf("destructive command pattern %q", strings.TrimSpace(sub))
		}
	}
	return false, ""
}

func actionRisk(highRisk map[string]struct{}) func(map[string]any) (bool, string) {
	return func(args map[string]any) (bool, string) {
		action, _ := args["action"].(string)
		action = strings.ToLower(strings.TrimSpace(action))
		if _, ok := highRisk[action]; ok {
			return true, fmt.Sprintf("high-risk action %q", action)
		}
		return false, ""
	}
}

// ParseToolName validates a wire-level tool name against the registry.
func ParseToolName(name string) (ToolName, error) {
	tn := ToolName(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := registry[tn]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	return tn, nil
}

// ValidateArgs checks raw JSON arguments against the tool's schema and
// returns the decoded object.
func ValidateArgs(name ToolName, raw json.RawMessage) (map[string]any, error) {
	spec, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	if err := spec.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("invalid arguments for %s: %w", name, err)
	}
	args, _ := doc.(map[string]any)
	return args, nil
}

// RiskMatch evaluates the tool's static risk predicate on decoded arguments.
// It returns whether the invocation is risky and the matched reason.
func RiskMatch(name ToolName, args map[string]any) (bool, string) {
	spec, ok := registry[name]
	if !ok {
		return false, ""
	}
	return spec.risky(args)
}

// Names returns the closed set of registered tool names.
func Names() []ToolName {
	return []ToolName{ToolShell, ToolBrowser, ToolDeploy, ToolErrTracker}
}
