// Package event implements the cross-plugin publish/subscribe channel.
//
// Events form a closed set: every concrete type lives in this package and
// implements the sealed Event interface. SafetyLimitsChanged is reserved for
// the platform; plugin-scoped channels refuse to publish it.
package event

import (
	"time"

	"OpenCGM-Host/pkg/safety"
)

// Kind identifies the concrete type of an event.
type Kind string

const (
	KindNewGlucoseReading    Kind = "NewGlucoseReading"
	KindNewBgmReading        Kind = "NewBgmReading"
	KindInsulinDelivered     Kind = "InsulinDelivered"
	KindDeviceConnected      Kind = "DeviceConnected"
	KindDeviceDisconnected   Kind = "DeviceDisconnected"
	KindCalibrationRequested Kind = "CalibrationRequested"
	KindCalibrationCompleted Kind = "CalibrationCompleted"
	KindSafetyLimitsChanged  Kind = "SafetyLimitsChanged"
)

// Kinds lists every event kind.
func Kinds() []Kind {
	return []Kind{
		KindNewGlucoseReading,
		KindNewBgmReading,
		KindInsulinDelivered,
		KindDeviceConnected,
		KindDeviceDisconnected,
		KindCalibrationRequested,
		KindCalibrationCompleted,
		KindSafetyLimitsChanged,
	}
}

// PlatformOnly reports whether k may only be published by the host.
func (k Kind) PlatformOnly() bool {
	return k == KindSafetyLimitsChanged
}

// Event is an immutable cross-plugin message.
type Event interface {
	// Kind returns the concrete event kind.
	Kind() Kind
	// Source returns the id of the originating plugin, or "" for platform
	// events.
	Source() string

	withSource(id string) Event
}

// NewGlucoseReading announces a validated CGM reading.
type NewGlucoseReading struct {
	PluginID  string
	Timestamp time.Time
	ValueMgDl int
	Trend     string
}

// NewBgmReading announces a validated fingerstick reading.
type NewBgmReading struct {
	PluginID  string
	Timestamp time.Time
	ValueMgDl int
}

// InsulinDelivered reports insulin the pump has already delivered.
type InsulinDelivered struct {
	PluginID   string
	Timestamp  time.Time
	Milliunits int
	// Delivery is "bolus" or "basal".
	Delivery string
}

// DeviceConnected reports a hardware connection reaching Connected.
type DeviceConnected struct {
	PluginID   string
	DeviceID   string
	DeviceName string
}

// DeviceDisconnected reports a hardware connection leaving Connected.
type DeviceDisconnected struct {
	PluginID string
	DeviceID string
	Reason   string
}

// CalibrationRequested is published before a calibration is forwarded.
type CalibrationRequested struct {
	PluginID  string
	ValueMgDl int
}

// CalibrationCompleted is published once the calibration target answered.
type CalibrationCompleted struct {
	PluginID  string
	ValueMgDl int
	Success   bool
	Error     string
}

// SafetyLimitsChanged carries new limits. Platform only.
type SafetyLimitsChanged struct {
	Limits safety.Limits
}

func (NewGlucoseReading) Kind() Kind    { return KindNewGlucoseReading }
func (NewBgmReading) Kind() Kind        { return KindNewBgmReading }
func (InsulinDelivered) Kind() Kind     { return KindInsulinDelivered }
func (DeviceConnected) Kind() Kind      { return KindDeviceConnected }
func (DeviceDisconnected) Kind() Kind   { return KindDeviceDisconnected }
func (CalibrationRequested) Kind() Kind { return KindCalibrationRequested }
func (CalibrationCompleted) Kind() Kind { return KindCalibrationCompleted }
func (SafetyLimitsChanged) Kind() Kind  { return KindSafetyLimitsChanged }

func (e NewGlucoseReading) Source() string    { return e.PluginID }
func (e NewBgmReading) Source() string        { return e.PluginID }
func (e InsulinDelivered) Source() string     { return e.PluginID }
func (e DeviceConnected) Source() string      { return e.PluginID }
func (e DeviceDisconnected) Source() string   { return e.PluginID }
func (e CalibrationRequested) Source() string { return e.PluginID }
func (e CalibrationCompleted) Source() string { return e.PluginID }
func (SafetyLimitsChanged) Source() string    { return "" }

func (e NewGlucoseReading) withSource(id string) Event    { e.PluginID = id; return e }
func (e NewBgmReading) withSource(id string) Event        { e.PluginID = id; return e }
func (e InsulinDelivered) withSource(id string) Event     { e.PluginID = id; return e }
func (e DeviceConnected) withSource(id string) Event      { e.PluginID = id; return e }
func (e DeviceDisconnected) withSource(id string) Event   { e.PluginID = id; return e }
func (e CalibrationRequested) withSource(id string) Event { e.PluginID = id; return e }
func (e CalibrationCompleted) withSource(id string) Event { e.PluginID = id; return e }
func (e SafetyLimitsChanged) withSource(string) Event     { return e }
