// Package providers models the closed set of agent kinds the daemon knows
// how to launch. Each kind decides whether its sessions are sandboxed and
// how its pre-tool-use hook mechanism is configured.
package providers

import "strings"

// Kind is one agent kind. The unexported method closes the set to this
// package so every kind is handled by exhaustive switches at compile time.
type Kind interface {
	// Name is the wire name ("claude", "shell", ...).
	Name() string
	// Sandboxed reports whether sessions of this kind are agent sessions
	// subject to privilege separation and sandboxing.
	Sandboxed() bool
	// HookSetup generates the tool-hook configuration for a sandboxed
	// session. Kinds without a hook mechanism return an empty setup.
	HookSetup(ctx HookContext) (HookSetup, error)
	// RenderDecision encodes a validator decision in the format the agent
	// expects on stdout.
	RenderDecision(d Decision) any

	toolClass(tool string) toolClass
	isKind()
}

// HookContext carries what a kind needs to generate its configuration.
type HookContext struct {
	SandboxRoot string
	ProjectDir  string
	// ValidatorCommand is the external command run before each tool call.
	ValidatorCommand string
	TimeoutSec       int
}

// HookFile is one generated configuration file.
type HookFile struct {
	Path string
	Data []byte
	// OnlyIfAbsent marks files in the operator's project that must never
	// overwrite existing settings.
	OnlyIfAbsent bool
}

// HookSetup is everything a kind contributes to a sandboxed launch.
type HookSetup struct {
	Files []HookFile
	// Args are appended to the agent's command line.
	Args []string
	// Env entries are added after sanitization.
	Env []string
}

type toolClass int

const (
	toolOther toolClass = iota
	toolFile
	toolShell
)

var (
	Shell  Kind = shellKind{name: "shell"}
	Human  Kind = shellKind{name: "human"}
	Claude Kind = claudeKind{}
	Gemini Kind = geminiKind{}
)

// Lookup maps a wire name to its kind. Unknown names are generic agents:
// sandboxed, without a hook mechanism.
func Lookup(name string) Kind {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "shell":
		return Shell
	case "human":
		return Human
	case "claude":
		return Claude
	case "gemini":
		return Gemini
	default:
		return genericKind{name: name}
	}
}

// shellKind covers operator-driven sessions; they are never wrapped.
type shellKind struct{ name string }

func (k shellKind) Name() string                           { return k.name }
func (shellKind) Sandboxed() bool                          { return false }
func (shellKind) HookSetup(HookContext) (HookSetup, error) { return HookSetup{}, nil }
func (shellKind) RenderDecision(d Decision) any            { return genericDecision(d) }
func (shellKind) toolClass(string) toolClass               { return toolOther }
func (shellKind) isKind()                                  {}

// genericKind is any agent without a hook mechanism.
type genericKind struct{ name string }

func (k genericKind) Name() string                           { return k.name }
func (genericKind) Sandboxed() bool                          { return true }
func (genericKind) HookSetup(HookContext) (HookSetup, error) { return HookSetup{}, nil }
func (genericKind) RenderDecision(d Decision) any            { return genericDecision(d) }
func (genericKind) toolClass(string) toolClass               { return toolOther }
func (genericKind) isKind()                                  {}

func genericDecision(d Decision) any {
	return map[string]any{"decision": string(d.Permission), "reason": d.Reason}
}
