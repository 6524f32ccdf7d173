package config

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/agent-command/sessiond/internal/logging"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Storage  StorageConfig  `yaml:"storage"`
	Posture  PostureConfig  `yaml:"posture"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Terminal TerminalConfig `yaml:"terminal"`
	Resolver ResolverConfig `yaml:"resolver"`
	Service  ServiceConfig  `yaml:"service"`
	Server   ServerConfig   `yaml:"server"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  logging.Config `yaml:"logging"`
}

type StorageConfig struct {
	StateDir     string `yaml:"state_dir"`
	SessionsFile string `yaml:"sessions_file"`
}

type PostureConfig struct {
	FlagPath         string `yaml:"flag_path"`
	ServiceAccount   string `yaml:"service_account"`
	PrivilegeCommand string `yaml:"privilege_command"`
}

type SandboxConfig struct {
	FrameworkRoot    string `yaml:"framework_root"`
	HelperPath       string `yaml:"helper_path"`
	UnsharePath      string `yaml:"unshare_path"`
	ProbeTimeoutMs   int    `yaml:"probe_timeout_ms"`
	ValidatorCommand string `yaml:"validator_command"`
	HookTimeoutSec   int    `yaml:"hook_timeout_sec"`
	ProjectMount     string `yaml:"project_mount"`
	// RequireIsolation refuses agent sessions under production posture when
	// no namespace primitive is available instead of degrading.
	RequireIsolation bool `yaml:"require_isolation"`
}

type TerminalConfig struct {
	DefaultCols int    `yaml:"default_cols"`
	DefaultRows int    `yaml:"default_rows"`
	ReadChunk   int    `yaml:"read_chunk"`
	Term        string `yaml:"term"`

	// ScrollbackBytes bounds each session's on-disk transcript.
	ScrollbackBytes int64 `yaml:"scrollback_bytes"`
}

type ResolverConfig struct {
	Shell     string   `yaml:"shell"`
	TimeoutMs int      `yaml:"timeout_ms"`
	ExtraDirs []string `yaml:"extra_dirs"`
}

type ServiceConfig struct {
	DefaultURL string `yaml:"default_url"`
	ConfigFile string `yaml:"config_file"`
}

type ServerConfig struct {
	Listen string `yaml:"listen"`
	Token  string `yaml:"token"`
}

type MetricsConfig struct {
	// Listen is the /metrics address; "off" disables the endpoint.
	Listen string `yaml:"listen"`
}

// MetricsOff disables the metrics endpoint when used as metrics.listen.
const MetricsOff = "off"

// Enabled reports whether the metrics endpoint should be served.
func (m MetricsConfig) Enabled() bool {
	return m.Listen != "" && m.Listen != MetricsOff
}

// LoadConfig reads path and fills in defaults. A missing file is not an
// error; the daemon runs on defaults alone.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, err
			}
		}
	}

	// Optional environment overrides.
	if envDir := os.Getenv("SESSIOND_STATE_DIR"); envDir != "" {
		cfg.Storage.StateDir = envDir
	}
	if envToken := os.Getenv("SESSIOND_TOKEN"); envToken != "" {
		cfg.Server.Token = envToken
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a configuration populated only with defaults.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (cfg *Config) applyDefaults() {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	if cfg.Storage.StateDir == "" {
		cfg.Storage.StateDir = filepath.Join(home, ".sessiond")
	}
	if cfg.Storage.SessionsFile == "" {
		cfg.Storage.SessionsFile = filepath.Join(cfg.Storage.StateDir, "console", "sessions.json")
	}
	if cfg.Posture.FlagPath == "" {
		cfg.Posture.FlagPath = filepath.Join(cfg.Storage.StateDir, "production_mode")
	}
	if cfg.Posture.ServiceAccount == "" {
		cfg.Posture.ServiceAccount = "agent"
	}
	if cfg.Posture.PrivilegeCommand == "" {
		cfg.Posture.PrivilegeCommand = "sudo"
	}
	if cfg.Sandbox.FrameworkRoot == "" {
		cfg.Sandbox.FrameworkRoot = defaultFrameworkRoot()
	}
	if cfg.Sandbox.UnsharePath == "" {
		cfg.Sandbox.UnsharePath = "unshare"
	}
	if cfg.Sandbox.ProbeTimeoutMs == 0 {
		cfg.Sandbox.ProbeTimeoutMs = 500
	}
	if cfg.Sandbox.ValidatorCommand == "" {
		cfg.Sandbox.ValidatorCommand = defaultValidatorCommand()
	}
	if cfg.Sandbox.HookTimeoutSec == 0 {
		cfg.Sandbox.HookTimeoutSec = 15
	}
	if cfg.Sandbox.ProjectMount == "" {
		cfg.Sandbox.ProjectMount = "/project"
	}
	if cfg.Terminal.DefaultCols == 0 {
		cfg.Terminal.DefaultCols = 120
	}
	if cfg.Terminal.DefaultRows == 0 {
		cfg.Terminal.DefaultRows = 30
	}
	if cfg.Terminal.ReadChunk == 0 {
		cfg.Terminal.ReadChunk = 4096
	}
	if cfg.Terminal.Term == "" {
		cfg.Terminal.Term = "xterm-256color"
	}
	if cfg.Terminal.ScrollbackBytes == 0 {
		cfg.Terminal.ScrollbackBytes = 256 * 1024
	}
	if cfg.Resolver.Shell == "" {
		cfg.Resolver.Shell = os.Getenv("SHELL")
		if cfg.Resolver.Shell == "" {
			cfg.Resolver.Shell = "/bin/bash"
		}
	}
	if cfg.Resolver.TimeoutMs == 0 {
		cfg.Resolver.TimeoutMs = 2000
	}
	if len(cfg.Resolver.ExtraDirs) == 0 {
		cfg.Resolver.ExtraDirs = []string{
			filepath.Join(home, ".npm-global", "bin"),
			filepath.Join(home, ".cargo", "bin"),
			filepath.Join(home, ".local", "bin"),
			filepath.Join(home, "go", "bin"),
		}
	}
	if cfg.Service.DefaultURL == "" {
		cfg.Service.DefaultURL = "http://localhost:5002"
	}
	if cfg.Service.ConfigFile == "" {
		cfg.Service.ConfigFile = filepath.Join("config", "gateway.json")
	}
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = "127.0.0.1:7781"
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = "127.0.0.1:9781"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// defaultFrameworkRoot is the install root: the parent of the directory
// holding the running binary (<root>/bin/sessiond).
func defaultFrameworkRoot() string {
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Dir(filepath.Dir(exe))
}

func defaultValidatorCommand() string {
	exe, err := os.Executable()
	if err != nil {
		return "sessiond hook"
	}
	return exe + " hook"
}
