package plugin

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ManagerConfig describes how the registry should behave.
type ManagerConfig struct {
	PluginDir string `yaml:"pluginDir"`
	DataDir   string `yaml:"dataDir"`
	// Defaults narrows the policy of every plugin context.
	Defaults Policy `yaml:"defaults"`
	// Activate lists the providers to activate at startup per capability.
	// Exclusive capabilities accept a single id.
	Activate map[Capability][]string `yaml:"activate"`
	Plugins  map[string]PluginConfig `yaml:"plugins"`
}

// PluginConfig is the configuration block for a single plugin.
type PluginConfig struct {
	// Enabled defaults to true when omitted.
	Enabled *bool   `yaml:"enabled"`
	Policy  *Policy `yaml:"policy"`
}

// IsEnabled reports whether the plugin may be registered.
func (c PluginConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// LoadManagerConfig reads a YAML file into a ManagerConfig.
func LoadManagerConfig(path string) (ManagerConfig, error) {
	var cfg ManagerConfig
	if path == "" {
		return cfg, errors.New("config path cannot be empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read plugin config: %w", err)
	}
	return ParseManagerConfig(raw)
}

// ParseManagerConfig decodes and validates YAML registry configuration.
func ParseManagerConfig(raw []byte) (ManagerConfig, error) {
	var cfg ManagerConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal plugin config: %w", err)
	}
	if cfg.Plugins == nil {
		cfg.Plugins = map[string]PluginConfig{}
	}
	if cfg.Activate == nil {
		cfg.Activate = map[Capability][]string{}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate ensures the manager configuration is internally consistent.
func (c ManagerConfig) Validate() error {
	for id := range c.Plugins {
		if !ValidID(id) {
			return fmt.Errorf("%w: %q in plugins block", ErrInvalidID, id)
		}
	}
	for capability, ids := range c.Activate {
		if !capability.Valid() {
			return fmt.Errorf("%w: %q in activate block", ErrUnknownCapability, capability)
		}
		if capability.Exclusive() && len(ids) > 1 {
			return fmt.Errorf("capability %s is exclusive but %d providers are configured", capability, len(ids))
		}
		for _, id := range ids {
			if !ValidID(id) {
				return fmt.Errorf("%w: %q in activate block", ErrInvalidID, id)
			}
		}
	}
	return nil
}

// policyFor returns the configured narrowing for id.
func (c ManagerConfig) policyFor(id string) Policy {
	policy := Policy{Allowed: AllPermissions()}.Narrow(&c.Defaults)
	if pc, ok := c.Plugins[id]; ok && pc.Policy != nil {
		policy = policy.Narrow(pc.Policy)
	}
	return policy
}

// enabled reports whether id may be registered.
func (c ManagerConfig) enabled(id string) bool {
	pc, ok := c.Plugins[id]
	return !ok || pc.IsEnabled()
}
