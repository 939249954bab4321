package strategy

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"roostoo-bot/internal/errs"
)

// Config represents a strategy configuration entry in YAML.
type Config struct {
	ID         string         `yaml:"id"`
	Name       string         `yaml:"name"`
	Type       string         `yaml:"type"`
	Symbol     string         `yaml:"symbol"`
	Parameters map[string]any `yaml:"parameters"`
	IsActive   bool           `yaml:"is_active"`
}

// ConfigFile represents the top-level YAML structure.
type ConfigFile struct {
	Strategies []Config `yaml:"strategies"`
}

// LoadConfig reads strategies from a YAML file.
func LoadConfig(path string) ([]Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Config("read strategies file: %v", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes and validates a strategies document.
func ParseConfig(data []byte) ([]Config, error) {
	var file ConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errs.Config("parse strategies: %v", err)
	}
	seen := make(map[string]struct{}, len(file.Strategies))
	for _, c := range file.Strategies {
		if c.ID == "" || c.Type == "" {
			return nil, errs.Config("strategy entries need id and type")
		}
		if !strings.Contains(c.Symbol, "/") {
			return nil, errs.Config("strategy %s: symbol %q must look like COIN/USD", c.ID, c.Symbol)
		}
		if _, dup := seen[c.ID]; dup {
			return nil, errs.Config("duplicate strategy id %s", c.ID)
		}
		seen[c.ID] = struct{}{}
	}
	return file.Strategies, nil
}

// Select returns the entries to run. With no ids every active entry is
// returned; otherwise exactly the listed ids, each of which must exist.
func Select(configs []Config, ids []string) ([]Config, error) {
	if len(ids) == 0 {
		var out []Config
		for _, c := range configs {
			if c.IsActive {
				out = append(out, c)
			}
		}
		return out, nil
	}
	byID := make(map[string]Config, len(configs))
	for _, c := range configs {
		byID[c.ID] = c
	}
	out := make([]Config, 0, len(ids))
	for _, id := range ids {
		c, ok := byID[id]
		if !ok {
			return nil, errs.Config("STRATEGIES references unknown strategy %s", id)
		}
		out = append(out, c)
	}
	return out, nil
}

// Decode copies Parameters into the struct pointed to by v, honoring its
// yaml tags. Fields missing from the file keep the values already in v.
func (c Config) Decode(v any) error {
	if len(c.Parameters) == 0 {
		return nil
	}
	raw, err := yaml.Marshal(c.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	if err := yaml.Unmarshal(raw, v); err != nil {
		return errs.Config("strategy %s parameters: %v", c.ID, err)
	}
	return nil
}
