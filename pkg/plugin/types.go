package plugin

import (
	"fmt"
	"regexp"
	"strings"
)

// APIVersion is the plugin contract version implemented by this host.
// Plugins declaring any other version are skipped at registration.
const APIVersion = 1

// Capability is an ability a plugin declares and the registry routes on.
type Capability string

const (
	CapabilityGlucoseSource     Capability = "GlucoseSource"
	CapabilityInsulinSource     Capability = "InsulinSource"
	CapabilityPumpStatus        Capability = "PumpStatus"
	CapabilityPumpControl       Capability = "PumpControl"
	CapabilityBgmSource         Capability = "BgmSource"
	CapabilityCalibrationTarget Capability = "CalibrationTarget"
	CapabilityDataSync          Capability = "DataSync"
)

// Cardinality controls how many providers of a capability may be active.
type Cardinality int

const (
	// Exclusive capabilities have at most one active provider.
	Exclusive Cardinality = iota
	// Multiple capabilities may have any number of active providers.
	Multiple
)

func (c Cardinality) String() string {
	if c == Multiple {
		return "multiple"
	}
	return "exclusive"
}

var cardinalities = map[Capability]Cardinality{
	CapabilityGlucoseSource:     Exclusive,
	CapabilityInsulinSource:     Exclusive,
	CapabilityPumpStatus:        Exclusive,
	CapabilityPumpControl:       Exclusive,
	CapabilityCalibrationTarget: Exclusive,
	CapabilityBgmSource:         Multiple,
	CapabilityDataSync:          Multiple,
}

// Capabilities returns every known capability in declaration order.
func Capabilities() []Capability {
	return []Capability{
		CapabilityGlucoseSource,
		CapabilityInsulinSource,
		CapabilityPumpStatus,
		CapabilityPumpControl,
		CapabilityBgmSource,
		CapabilityCalibrationTarget,
		CapabilityDataSync,
	}
}

// Valid reports whether c is a known capability.
func (c Capability) Valid() bool {
	_, ok := cardinalities[c]
	return ok
}

// Cardinality returns the routing policy of c.
func (c Capability) Cardinality() Cardinality {
	return cardinalities[c]
}

// Exclusive reports whether c allows a single active provider only.
func (c Capability) Exclusive() bool {
	return c.Valid() && cardinalities[c] == Exclusive
}

// ParseCapability resolves a capability name case-insensitively.
func ParseCapability(name string) (Capability, error) {
	for _, c := range Capabilities() {
		if strings.EqualFold(string(c), strings.TrimSpace(name)) {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCapability, name)
}

// Metadata is the immutable identity record produced by a factory.
type Metadata struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Version     string `json:"version" yaml:"version"`
	APIVersion  int    `json:"apiVersion" yaml:"apiVersion"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Author      string `json:"author,omitempty" yaml:"author,omitempty"`
}

// idPattern validates reverse-domain plugin identifiers.
var idPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9._-]{1,127}$`)

// semverPattern validates version strings (simplified semver).
var semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9.-]+)?(\+[a-zA-Z0-9.-]+)?$`)

// ValidID reports whether id matches the identifier pattern.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// Validate checks the identity fields. It does not check the API version;
// the registry gates that separately so mismatches are skipped, not failed.
func (m Metadata) Validate() error {
	if !ValidID(m.ID) {
		return fmt.Errorf("%w: %q", ErrInvalidID, m.ID)
	}
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("%w: plugin %s has no name", ErrInvalidMetadata, m.ID)
	}
	if !semverPattern.MatchString(m.Version) {
		return fmt.Errorf("%w: plugin %s version %q is not semver", ErrInvalidMetadata, m.ID, m.Version)
	}
	return nil
}

// State represents the lifecycle position of a plugin instance.
type State string

const (
	StateCreated     State = "created"
	StateInitialized State = "initialized"
	StateActive      State = "active"
	StateInactive    State = "inactive"
	StateShutDown    State = "shut_down"
)

// Source tells how a plugin reached the registry.
type Source string

const (
	// SourceCompiled plugins are linked into the host build and trusted.
	SourceCompiled Source = "compiled"
	// SourceSideloaded plugins were loaded at runtime and run restricted.
	SourceSideloaded Source = "sideloaded"
)
