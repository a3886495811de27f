package plugin

import (
	"errors"
	"fmt"
)

// Registry and loader errors.
var (
	// ErrPluginNotFound is returned when no registered plugin has the id.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrAlreadyRegistered is returned for duplicate plugin ids.
	ErrAlreadyRegistered = errors.New("plugin is already registered")

	// ErrInvalidID is returned when an id does not match the identifier pattern.
	ErrInvalidID = errors.New("invalid plugin id")

	// ErrInvalidMetadata is returned for incomplete metadata.
	ErrInvalidMetadata = errors.New("invalid plugin metadata")

	// ErrAPIVersionMismatch is returned when a plugin targets another contract.
	ErrAPIVersionMismatch = errors.New("plugin api version mismatch")

	// ErrUnknownCapability is returned for capability names outside the enum.
	ErrUnknownCapability = errors.New("unknown capability")

	// ErrCapabilityNotProvided is returned when a plugin does not implement a
	// capability it is asked to serve.
	ErrCapabilityNotProvided = errors.New("capability not provided by plugin")

	// ErrNoProvider is returned when no active plugin serves a capability.
	ErrNoProvider = errors.New("no active provider for capability")

	// ErrShutDown is returned for operations on retired plugins or a closed
	// registry.
	ErrShutDown = errors.New("plugin has been shut down")

	// ErrAccessDenied is returned by restricted contexts for denied operations.
	ErrAccessDenied = errors.New("access denied")

	// ErrInvalidManifest is returned for malformed plugin manifests.
	ErrInvalidManifest = errors.New("invalid plugin manifest")

	// ErrInvalidTransition is returned for illegal connection state changes.
	ErrInvalidTransition = errors.New("invalid connection state transition")

	// ErrUnsupported is returned by host services that are not available.
	ErrUnsupported = errors.New("operation not supported by host")
)

// LifecycleError reports a failed lifecycle call on a plugin.
type LifecycleError struct {
	PluginID string
	Phase    string
	Err      error
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("plugin %s: %s failed: %v", e.PluginID, e.Phase, e.Err)
}

func (e *LifecycleError) Unwrap() error { return e.Err }

// FailureKind classifies expected capability call failures.
type FailureKind string

const (
	FailureIO             FailureKind = "io_failure"
	FailureDeviceNotReady FailureKind = "device_not_ready"
	FailureOutOfRange     FailureKind = "out_of_range"
	FailurePanic          FailureKind = "plugin_panic"
)

// CapabilityError is the typed failure returned by capability methods.
type CapabilityError struct {
	Kind       FailureKind
	Capability Capability
	PluginID   string
	Err        error
}

func (e *CapabilityError) Error() string {
	msg := string(e.Kind)
	if e.Capability != "" {
		msg = string(e.Capability) + ": " + msg
	}
	if e.PluginID != "" {
		msg = e.PluginID + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CapabilityError) Unwrap() error { return e.Err }

// Retryable reports whether the call may succeed when repeated.
func (e *CapabilityError) Retryable() bool {
	return e.Kind == FailureIO || e.Kind == FailureDeviceNotReady
}

// IOFailure wraps err as a transient I/O failure.
func IOFailure(err error) error {
	return &CapabilityError{Kind: FailureIO, Err: err}
}

// DeviceNotReady reports that the device cannot serve the call yet.
func DeviceNotReady(err error) error {
	return &CapabilityError{Kind: FailureDeviceNotReady, Err: err}
}

// OutOfRange reports rejected input.
func OutOfRange(err error) error {
	return &CapabilityError{Kind: FailureOutOfRange, Err: err}
}

// IsRetryable reports whether err is a retryable capability failure.
func IsRetryable(err error) bool {
	var ce *CapabilityError
	if errors.As(err, &ce) {
		return ce.Retryable()
	}
	return false
}

// AccessError reports an operation refused by a restricted context.
type AccessError struct {
	PluginID   string
	Permission Permission
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("plugin %s: %s: %s", e.PluginID, ErrAccessDenied, e.Permission)
}

func (e *AccessError) Unwrap() error { return ErrAccessDenied }

// SkipRecord describes a plugin excluded from the registry.
type SkipRecord struct {
	PluginID string `json:"pluginId"`
	Origin   string `json:"origin"`
	Reason   string `json:"reason"`
	Err      error  `json:"-"`
}
