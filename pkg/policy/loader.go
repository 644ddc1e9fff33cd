package policy

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/deterministic-agent-lab/tracegate/pkg/gateerr"
)

// candidateNames are the policy file names probed inside a policy directory.
var candidateNames = []string{"policy.yaml", "policy.yml", "policy.json"}

// Load reads a policy config from a file, or from the first candidate file
// inside a directory.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, gateerr.Wrap(gateerr.CodeIoError, err, "stat policy path %s", path)
	}
	if info.IsDir() {
		for _, name := range candidateNames {
			candidate := filepath.Join(path, name)
			if _, err := os.Stat(candidate); err == nil {
				return loadFile(candidate)
			}
		}
		return nil, gateerr.New(gateerr.CodeIoError, "no policy file found in %s", path)
	}
	return loadFile(path)
}

func loadFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, gateerr.Wrap(gateerr.CodeIoError, err, "read policy %s", path)
	}
	var cfg Config
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, gateerr.Wrap(gateerr.CodeSchemaViolation, err, "parse policy %s", path)
		}
	} else {
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, gateerr.Wrap(gateerr.CodeSchemaViolation, err, "parse policy %s", path)
		}
	}
	if cfg.Version == "" {
		return nil, gateerr.New(gateerr.CodeSchemaViolation, "policy %s has no version", path)
	}
	return &cfg, nil
}

// Provider yields the current policy on demand. Policy files are read-only
// to the gate, so every fetch re-reads from disk.
type Provider interface {
	Current() (*Config, error)
}

// FileProvider loads policy from a fixed path on every call.
type FileProvider struct {
	Path string
}

// Current implements Provider.
func (p *FileProvider) Current() (*Config, error) {
	return Load(p.Path)
}

// StaticProvider serves a fixed config, for tests and embedded callers.
type StaticProvider struct {
	Config *Config
}

// Current implements Provider.
func (p *StaticProvider) Current() (*Config, error) {
	return p.Config, nil
}
