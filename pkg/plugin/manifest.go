package plugin

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ManifestFile is the manifest name expected at the root of a package.
const ManifestFile = "plugin.yaml"

// Runtime selects the loader of a sideloaded package.
type Runtime string

const (
	RuntimeGo  Runtime = "go"
	RuntimeLua Runtime = "lua"
)

// Manifest describes a sideloaded plugin package.
type Manifest struct {
	FactoryClass string  `yaml:"factoryClass" json:"factoryClass"`
	APIVersion   int     `yaml:"apiVersion" json:"apiVersion"`
	ID           string  `yaml:"id" json:"id"`
	Name         string  `yaml:"name" json:"name"`
	Version      string  `yaml:"version" json:"version"`
	Author       string  `yaml:"author,omitempty" json:"author,omitempty"`
	Description  string  `yaml:"description,omitempty" json:"description,omitempty"`
	Runtime      Runtime `yaml:"runtime,omitempty" json:"runtime,omitempty"`
	Entry        string  `yaml:"entry,omitempty" json:"entry,omitempty"`
}

// ParseManifest decodes and validates a manifest.
func ParseManifest(raw []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// LoadManifest reads the manifest of the package in dir.
func LoadManifest(dir string) (Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Manifest{}, fmt.Errorf("%w: %s missing in %s", ErrInvalidManifest, ManifestFile, dir)
		}
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(raw)
}

func (m *Manifest) applyDefaults() {
	m.Runtime = Runtime(strings.ToLower(strings.TrimSpace(string(m.Runtime))))
	if m.Runtime == "" {
		m.Runtime = RuntimeGo
	}
	if m.Entry == "" {
		switch m.Runtime {
		case RuntimeLua:
			m.Entry = "main.lua"
		default:
			m.Entry = "plugin.so"
		}
	}
}

// Validate checks required fields, the id pattern and the version format.
// The API version is only required to be present; matching it against the
// host is the registry's job.
func (m Manifest) Validate() error {
	if strings.TrimSpace(m.FactoryClass) == "" {
		return fmt.Errorf("%w: factoryClass is required", ErrInvalidManifest)
	}
	if m.APIVersion <= 0 {
		return fmt.Errorf("%w: apiVersion is required", ErrInvalidManifest)
	}
	if err := m.Metadata().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}
	switch m.Runtime {
	case RuntimeGo, RuntimeLua:
	default:
		return fmt.Errorf("%w: unknown runtime %q", ErrInvalidManifest, m.Runtime)
	}
	if filepath.IsAbs(m.Entry) || strings.Contains(filepath.ToSlash(m.Entry), "..") {
		return fmt.Errorf("%w: entry %q must stay inside the package", ErrInvalidManifest, m.Entry)
	}
	return nil
}

// Metadata returns the identity part of the manifest.
func (m Manifest) Metadata() Metadata {
	return Metadata{
		ID:          m.ID,
		Name:        m.Name,
		Version:     m.Version,
		APIVersion:  m.APIVersion,
		Description: m.Description,
		Author:      m.Author,
	}
}
