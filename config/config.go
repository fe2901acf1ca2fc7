// Package config defines TaskConfig and the remote-endpoint tagged union,
// and loads a task list from a JSON or YAML document, dispatching on file
// extension to pick a parser.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	DefaultScanMS         = 300
	DefaultRetryMax       = 3
	DefaultRetryBackoffMS = 500
)

// RemoteCfg is a tagged union over the supported remote endpoint kinds.
// Today only "sftp" exists; the Kind discriminator and the inline-fields
// shape (rather than a Go interface with one implementation) mirror the
// original's serde-tagged enum and leave room for future variants (http,
// grpc) without speculative abstraction now.
type RemoteCfg struct {
	Kind string `yaml:"type" json:"type"`

	// SFTP fields.
	Host         string   `yaml:"host,omitempty" json:"host,omitempty"`
	User         string   `yaml:"user,omitempty" json:"user,omitempty"`
	Password     string   `yaml:"password,omitempty" json:"password,omitempty"`
	Key          string   `yaml:"key,omitempty" json:"key,omitempty"`
	Fingerprints []string `yaml:"fingerprints,omitempty" json:"fingerprints,omitempty"`
}

// TaskConfig is the immutable per-task descriptor loaded from a
// configuration file.
type TaskConfig struct {
	ID      uuid.UUID `yaml:"id" json:"id"`
	Name    string    `yaml:"name" json:"name"`
	Local   string    `yaml:"local" json:"local"`
	Remote  string    `yaml:"remote" json:"remote"`
	Include []string  `yaml:"include" json:"include"`
	Exclude []string  `yaml:"exclude" json:"exclude"`

	ScanMS         int64  `yaml:"scan_ms" json:"scan_ms"`
	Size           string `yaml:"size" json:"size"`
	RetryMax       int    `yaml:"retry_max" json:"retry_max"`
	RetryBackoffMS int64  `yaml:"retry_backoff_ms" json:"retry_backoff_ms"`

	RemoteCfg RemoteCfg `yaml:"remote_cfg" json:"remote_cfg"`
}

// applyDefaults fills zero-valued optional fields with their defaults.
func (c *TaskConfig) applyDefaults() {
	if c.ScanMS == 0 {
		c.ScanMS = DefaultScanMS
	}
	if c.RetryMax == 0 {
		c.RetryMax = DefaultRetryMax
	}
	if c.RetryBackoffMS == 0 {
		c.RetryBackoffMS = DefaultRetryBackoffMS
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
}

// Load reads a task-list document from path. The extension selects the
// parser: ".json" decodes as JSON; anything else (".yaml", ".yml", or no
// recognized extension) decodes as YAML, matching the CLI contract's
// "anything else -> YAML" fallback. An empty list is a fatal
// (configuration-kind) error.
func Load(path string) ([]TaskConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var tasks []TaskConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &tasks); err != nil {
			return nil, fmt.Errorf("parse json config %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, &tasks); err != nil {
			return nil, fmt.Errorf("parse yaml config %s: %w", path, err)
		}
	}

	if len(tasks) == 0 {
		return nil, fmt.Errorf("config %s: task list is empty", path)
	}

	for i := range tasks {
		tasks[i].applyDefaults()
		if err := validateRemoteCfg(tasks[i].RemoteCfg); err != nil {
			return nil, fmt.Errorf("task %q: %w", tasks[i].Name, err)
		}
	}

	return tasks, nil
}

func validateRemoteCfg(cfg RemoteCfg) error {
	switch cfg.Kind {
	case "sftp":
		if cfg.Host == "" {
			return fmt.Errorf("sftp remote_cfg requires host")
		}
		return nil
	case "":
		return fmt.Errorf("remote_cfg.type is required")
	default:
		return fmt.Errorf("unsupported remote_cfg.type %q", cfg.Kind)
	}
}

// ParseSizeRange parses the "min..max" / "..max" / "min.." / "n" size
// filter grammar into optional byte bounds. A bare number means min=n,
// max unset.
func ParseSizeRange(s string) (min *uint64, max *uint64) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if a, b, found := strings.Cut(s, ".."); found {
		if a != "" {
			if v, err := parseUint(a); err == nil {
				min = &v
			}
		}
		if b != "" {
			if v, err := parseUint(b); err == nil {
				max = &v
			}
		}
		return min, max
	}
	if v, err := parseUint(s); err == nil {
		min = &v
	}
	return min, max
}

func parseUint(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}
