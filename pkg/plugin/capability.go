package plugin

import (
	"context"
	"time"

	"OpenCGM-Host/pkg/safety"
)

// Capability interfaces. Query methods perform device I/O and may fail
// transiently; extraction methods are pure and must drop every record that
// falls outside the supplied limits rather than clamp it.

// GlucoseSource supplies continuous glucose readings.
type GlucoseSource interface {
	FetchHistory(ctx context.Context, since time.Time) ([]HistoryLog, error)
	ExtractCgmFromHistoryLogs(logs []HistoryLog, limits safety.Limits) ([]GlucoseReading, error)
}

// InsulinSource supplies insulin delivery history and insulin on board.
type InsulinSource interface {
	GetIoB(ctx context.Context) (InsulinOnBoard, error)
	FetchHistory(ctx context.Context, since time.Time) ([]HistoryLog, error)
	ExtractBolusesFromHistoryLogs(logs []HistoryLog, limits safety.Limits) ([]BolusRecord, error)
	ExtractBasalFromHistoryLogs(logs []HistoryLog, limits safety.Limits) ([]BasalRecord, error)
}

// PumpStatus reports pump hardware status.
type PumpStatus interface {
	GetBatteryStatus(ctx context.Context) (BatteryStatus, error)
	GetReservoirMilliunits(ctx context.Context) (int, error)
}

// PumpControl is declared for routing completeness only. Its method set is
// unexported, so no plugin can implement it and no insulin can be actuated.
type PumpControl interface {
	pumpControl()
}

// BgmSource supplies fingerstick meter readings.
type BgmSource interface {
	FetchHistory(ctx context.Context, since time.Time) ([]HistoryLog, error)
	ExtractBgmFromHistoryLogs(logs []HistoryLog, limits safety.Limits) ([]BgmReading, error)
}

// CalibrationTarget accepts calibration values. Values reaching it have
// already passed the absolute glucose range check; implementations may
// reject more.
type CalibrationTarget interface {
	Calibrate(ctx context.Context, valueMgDl int) error
}

// SettingsDescriber is implemented by plugins that expose a settings form.
type SettingsDescriber interface {
	SettingsForm() SettingsForm
}

// DashboardProvider is implemented by plugins that stream dashboard cards.
// The channel is closed when ctx is done.
type DashboardProvider interface {
	DashboardCards(ctx context.Context) <-chan []DashboardCard
}

// implements reports whether impl satisfies the interface of c.
func implements(c Capability, impl any) bool {
	if impl == nil {
		return false
	}
	switch c {
	case CapabilityGlucoseSource:
		_, ok := impl.(GlucoseSource)
		return ok
	case CapabilityInsulinSource:
		_, ok := impl.(InsulinSource)
		return ok
	case CapabilityPumpStatus:
		_, ok := impl.(PumpStatus)
		return ok
	case CapabilityPumpControl:
		_, ok := impl.(PumpControl)
		return ok
	case CapabilityBgmSource:
		_, ok := impl.(BgmSource)
		return ok
	case CapabilityCalibrationTarget:
		_, ok := impl.(CalibrationTarget)
		return ok
	case CapabilityDataSync:
		return true
	default:
		return false
	}
}
