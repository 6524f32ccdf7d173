package providers

import (
	"encoding/json"
	"fmt"
	"path/filepath"
)

// ClaudeDeniedCommands are refused by the agent's own permission layer
// before any hook runs.
var ClaudeDeniedCommands = []string{
	"Bash(curl:*)",
	"Bash(wget:*)",
	"Bash(ssh:*)",
	"Bash(scp:*)",
	"Bash(nc:*)",
	"Bash(sudo:*)",
}

const claudeHookMatcher = "Write|Edit|MultiEdit|NotebookEdit|Read|Glob|Grep|Bash"

type claudeKind struct{}

type claudeSettings struct {
	Permissions claudePermissions            `json:"permissions"`
	Hooks       map[string][]claudeHookGroup `json:"hooks"`
}

type claudePermissions struct {
	Deny                  []string `json:"deny"`
	AdditionalDirectories []string `json:"additionalDirectories,omitempty"`
}

type claudeHookGroup struct {
	Matcher string       `json:"matcher"`
	Hooks   []claudeHook `json:"hooks"`
}

type claudeHook struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	Timeout int    `json:"timeout"`
}

func (claudeKind) Name() string    { return "claude" }
func (claudeKind) Sandboxed() bool { return true }
func (claudeKind) isKind()         {}

// HookSetup writes <sandbox>/.claude/settings.json and passes it with
// --settings. Claude hook timeouts are in seconds.
func (claudeKind) HookSetup(ctx HookContext) (HookSetup, error) {
	settings := claudeSettings{
		Permissions: claudePermissions{Deny: ClaudeDeniedCommands},
		Hooks: map[string][]claudeHookGroup{
			"PreToolUse": {{
				Matcher: claudeHookMatcher,
				Hooks: []claudeHook{{
					Type:    "command",
					Command: ctx.ValidatorCommand + " --agent claude",
					Timeout: ctx.TimeoutSec,
				}},
			}},
		},
	}
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return HookSetup{}, fmt.Errorf("failed to encode claude settings: %w", err)
	}

	path := filepath.Join(ctx.SandboxRoot, ".claude", "settings.json")
	return HookSetup{
		Files: []HookFile{{Path: path, Data: data}},
		Args:  []string{"--settings", path},
		Env:   []string{"CLAUDE_PROJECT_DIR=" + ctx.ProjectDir},
	}, nil
}

func (claudeKind) RenderDecision(d Decision) any {
	return map[string]any{
		"hookSpecificOutput": map[string]any{
			"hookEventName":            "PreToolUse",
			"permissionDecision":       string(d.Permission),
			"permissionDecisionReason": d.Reason,
		},
	}
}

func (claudeKind) toolClass(tool string) toolClass {
	switch tool {
	case "Write", "Edit", "MultiEdit", "NotebookEdit", "Read", "Glob", "Grep", "LS":
		return toolFile
	case "Bash":
		return toolShell
	}
	return toolOther
}
