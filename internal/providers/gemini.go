package providers

import (
	"encoding/json"
	"fmt"
	"path/filepath"
)

// GeminiExcludedTools disables risky shell commands in the agent itself.
var GeminiExcludedTools = []string{
	"run_shell_command(curl)",
	"run_shell_command(wget)",
	"run_shell_command(ssh)",
	"run_shell_command(scp)",
	"run_shell_command(nc)",
	"run_shell_command(sudo)",
}

const geminiHookMatcher = "write_file|replace|read_file|read_many_files|list_directory|glob|search_file_content|run_shell_command"

type geminiKind struct{}

type geminiSettings struct {
	ExcludeTools []string                     `json:"excludeTools"`
	Hooks        map[string][]geminiHookGroup `json:"hooks"`
}

type geminiHookGroup struct {
	Matcher string       `json:"matcher"`
	Hooks   []geminiHook `json:"hooks"`
}

type geminiHook struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	Timeout int    `json:"timeout"`
}

func (geminiKind) Name() string    { return "gemini" }
func (geminiKind) Sandboxed() bool { return true }
func (geminiKind) isKind()         {}

// HookSetup writes the settings into the sandbox (loaded as system settings)
// and, when the project has none, into <project>/.gemini/settings.json where
// the agent discovers it by convention. Gemini hook timeouts are in
// milliseconds.
func (geminiKind) HookSetup(ctx HookContext) (HookSetup, error) {
	settings := geminiSettings{
		ExcludeTools: GeminiExcludedTools,
		Hooks: map[string][]geminiHookGroup{
			"BeforeTool": {{
				Matcher: geminiHookMatcher,
				Hooks: []geminiHook{{
					Type:    "command",
					Command: ctx.ValidatorCommand + " --agent gemini",
					Timeout: ctx.TimeoutSec * 1000,
				}},
			}},
		},
	}
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return HookSetup{}, fmt.Errorf("failed to encode gemini settings: %w", err)
	}

	sandboxPath := filepath.Join(ctx.SandboxRoot, ".gemini", "settings.json")
	return HookSetup{
		Files: []HookFile{
			{Path: sandboxPath, Data: data},
			{Path: filepath.Join(ctx.ProjectDir, ".gemini", "settings.json"), Data: data, OnlyIfAbsent: true},
		},
		Env: []string{
			"GEMINI_CLI_SYSTEM_SETTINGS_PATH=" + sandboxPath,
			"GEMINI_PROJECT_DIR=" + ctx.ProjectDir,
		},
	}, nil
}

func (geminiKind) RenderDecision(d Decision) any {
	out := map[string]any{"decision": string(d.Permission)}
	if d.Reason != "" {
		out["reason"] = d.Reason
	}
	return out
}

func (geminiKind) toolClass(tool string) toolClass {
	switch tool {
	case "write_file", "replace", "read_file", "read_many_files", "list_directory", "glob", "search_file_content":
		return toolFile
	case "run_shell_command":
		return toolShell
	}
	return toolOther
}
