package sandbox

import (
	"sort"
	"strings"
)

// AllowedVars are copied from the parent environment into a sandboxed one.
// Everything else is dropped.
var AllowedVars = []string{
	"PATH",
	"TERM",
	"COLORTERM",
	"LANG",
	"LANGUAGE",
	"USER",
	"LOGNAME",
	"SHELL",
	"TZ",
}

// allowedPrefixes extend AllowedVars.
var allowedPrefixes = []string{"LC_"}

// DeniedVars are credentials that are always present but blank in a
// sandboxed environment.
var DeniedVars = []string{
	"SSH_AUTH_SOCK",
	"SSH_AGENT_PID",
	"AWS_ACCESS_KEY_ID",
	"AWS_SECRET_ACCESS_KEY",
	"AWS_SESSION_TOKEN",
	"GITHUB_TOKEN",
	"GH_TOKEN",
	"ANTHROPIC_API_KEY",
	"OPENAI_API_KEY",
	"GEMINI_API_KEY",
	"GOOGLE_API_KEY",
	"GOOGLE_APPLICATION_CREDENTIALS",
}

// DeniedPrefixes blank any parent variable with a cloud-provider prefix.
var DeniedPrefixes = []string{"AWS_", "GCP_", "AZURE_", "GOOGLE_CLOUD_"}

// Env is an environment under construction. Later Sets win.
type Env struct {
	vars map[string]string
}

// NewEnv returns an empty environment.
func NewEnv() *Env {
	return &Env{vars: make(map[string]string)}
}

// Inherited copies the whole parent environment. Used for sessions that are
// not sandboxed.
func Inherited(parent []string) *Env {
	env := NewEnv()
	for _, kv := range parent {
		if key, value, ok := strings.Cut(kv, "="); ok && key != "" {
			env.vars[key] = value
		}
	}
	return env
}

// Restricted builds the environment of an agent process that runs without a
// sandbox tree: the allow-listed parent variables with every deny-listed
// name blanked. HOME is left to the identity switch.
func Restricted(parent []string) *Env {
	env := NewEnv()
	parentVars := Inherited(parent).vars

	for key, value := range parentVars {
		if allowed(key) {
			env.vars[key] = value
		}
	}
	for _, key := range DeniedVars {
		env.Set(key, "")
	}
	for key := range parentVars {
		if hasAnyPrefix(key, DeniedPrefixes) {
			env.Set(key, "")
		}
	}
	return env
}

// Sanitized builds the environment of a sandboxed process: Restricted plus
// HOME and TMPDIR inside the sandbox, sandbox markers and the kind's hook
// variables.
func Sanitized(parent []string, sb *Sandbox) *Env {
	env := Restricted(parent)
	env.Set("HOME", sb.Home)
	env.Set("TMPDIR", sb.Tmp)
	env.Set("AGENT_SANDBOX", "1")
	env.Set("AGENT_SANDBOX_ROOT", sb.Root)
	env.SetAll(sb.Env)
	return env
}

// Denied reports whether key is a credential name or carries a
// cloud-provider prefix.
func Denied(key string) bool {
	for _, name := range DeniedVars {
		if key == name {
			return true
		}
	}
	return hasAnyPrefix(key, DeniedPrefixes)
}

// Set assigns key.
func (e *Env) Set(key, value string) {
	e.vars[key] = value
}

// SetAll applies KEY=VALUE entries.
func (e *Env) SetAll(entries []string) {
	for _, kv := range entries {
		if key, value, ok := strings.Cut(kv, "="); ok && key != "" {
			e.vars[key] = value
		}
	}
}

// Get returns the value of key and whether it is present.
func (e *Env) Get(key string) (string, bool) {
	value, ok := e.vars[key]
	return value, ok
}

// List returns KEY=VALUE entries sorted by key.
func (e *Env) List() []string {
	keys := make([]string, 0, len(e.vars))
	for key := range e.vars {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, key+"="+e.vars[key])
	}
	return out
}

func allowed(key string) bool {
	for _, name := range AllowedVars {
		if key == name {
			return true
		}
	}
	return hasAnyPrefix(key, allowedPrefixes)
}

func hasAnyPrefix(key string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}
