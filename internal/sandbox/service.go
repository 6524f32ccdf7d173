package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/jsonc"
)

type serviceConfig struct {
	Port int `json:"port"`
}

// ServiceURL returns the service-locator URL for a session working in cwd:
// http://localhost:<port> when <cwd>/<configFile> names a port, fallback
// otherwise. The file may carry comments and trailing commas.
func ServiceURL(cwd, configFile, fallback string) string {
	if cwd == "" || configFile == "" {
		return fallback
	}
	path := configFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(cwd, configFile)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fallback
	}
	var cfg serviceConfig
	if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil || cfg.Port <= 0 || cfg.Port > 65535 {
		return fallback
	}
	return fmt.Sprintf("http://localhost:%d", cfg.Port)
}
