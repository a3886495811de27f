// Package safety holds the platform-owned safety bounds shared read-only with
// every plugin.
package safety

import "fmt"

// Absolute bounds. No configured value may leave these ranges.
const (
	AbsoluteMinGlucoseMgDl = 20
	AbsoluteMaxGlucoseMgDl = 500
	AbsoluteMaxBasalRate   = 15000 // mU/hr
	AbsoluteMaxBolusDose   = 25000 // mU
)

// Limits is an immutable snapshot of the effective safety bounds. The zero
// value is not meaningful; use New or Default.
type Limits struct {
	minGlucose int
	maxGlucose int
	maxBasal   int
	maxBolus   int
}

// Default returns the widest permitted limits.
func Default() Limits {
	return Limits{
		minGlucose: AbsoluteMinGlucoseMgDl,
		maxGlucose: AbsoluteMaxGlucoseMgDl,
		maxBasal:   AbsoluteMaxBasalRate,
		maxBolus:   AbsoluteMaxBolusDose,
	}
}

// New builds limits from user or backend supplied values. Every value is
// clamped into its absolute range, so input can narrow the bounds but never
// widen them. An inverted glucose range falls back to the absolute range.
func New(minGlucoseMgDl, maxGlucoseMgDl, maxBasalRateMilliunits, maxBolusDoseMilliunits int) Limits {
	l := Limits{
		minGlucose: clamp(minGlucoseMgDl, AbsoluteMinGlucoseMgDl, AbsoluteMaxGlucoseMgDl),
		maxGlucose: clamp(maxGlucoseMgDl, AbsoluteMinGlucoseMgDl, AbsoluteMaxGlucoseMgDl),
		maxBasal:   clamp(maxBasalRateMilliunits, 0, AbsoluteMaxBasalRate),
		maxBolus:   clamp(maxBolusDoseMilliunits, 0, AbsoluteMaxBolusDose),
	}
	if l.minGlucose > l.maxGlucose {
		l.minGlucose = AbsoluteMinGlucoseMgDl
		l.maxGlucose = AbsoluteMaxGlucoseMgDl
	}
	return l
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// MinGlucoseMgDl is the lowest plausible glucose value in mg/dL.
func (l Limits) MinGlucoseMgDl() int { return l.minGlucose }

// MaxGlucoseMgDl is the highest plausible glucose value in mg/dL.
func (l Limits) MaxGlucoseMgDl() int { return l.maxGlucose }

// MaxBasalRateMilliunits is the highest basal rate in milliunits per hour.
func (l Limits) MaxBasalRateMilliunits() int { return l.maxBasal }

// MaxBolusDoseMilliunits is the largest single bolus in milliunits.
func (l Limits) MaxBolusDoseMilliunits() int { return l.maxBolus }

// GlucoseInRange reports whether mgdl lies within [min, max].
func (l Limits) GlucoseInRange(mgdl int) bool {
	return mgdl >= l.minGlucose && mgdl <= l.maxGlucose
}

// BasalInRange reports whether a basal rate lies within [0, maxBasal].
func (l Limits) BasalInRange(milliunitsPerHour int) bool {
	return milliunitsPerHour >= 0 && milliunitsPerHour <= l.maxBasal
}

// BolusInRange reports whether a bolus dose lies within [0, maxBolus].
func (l Limits) BolusInRange(milliunits int) bool {
	return milliunits >= 0 && milliunits <= l.maxBolus
}

// Valid reports whether l was built through New or Default.
func (l Limits) Valid() bool {
	return l.minGlucose >= AbsoluteMinGlucoseMgDl && l.maxGlucose <= AbsoluteMaxGlucoseMgDl &&
		l.minGlucose <= l.maxGlucose && l.maxGlucose > 0
}

// AbsoluteGlucoseInRange checks mgdl against the fixed absolute range.
func AbsoluteGlucoseInRange(mgdl int) bool {
	return mgdl >= AbsoluteMinGlucoseMgDl && mgdl <= AbsoluteMaxGlucoseMgDl
}

// String implements fmt.Stringer.
func (l Limits) String() string {
	return fmt.Sprintf("glucose=[%d,%d]mg/dL basal<=%dmU/h bolus<=%dmU",
		l.minGlucose, l.maxGlucose, l.maxBasal, l.maxBolus)
}

// Snapshot is the exported, serialisable form of Limits.
type Snapshot struct {
	MinGlucoseMgDl         int `json:"minGlucoseMgDl" yaml:"minGlucoseMgDl"`
	MaxGlucoseMgDl         int `json:"maxGlucoseMgDl" yaml:"maxGlucoseMgDl"`
	MaxBasalRateMilliunits int `json:"maxBasalRateMilliunits" yaml:"maxBasalRateMilliunits"`
	MaxBolusDoseMilliunits int `json:"maxBolusDoseMilliunits" yaml:"maxBolusDoseMilliunits"`
}

// Snapshot returns the serialisable form of l.
func (l Limits) Snapshot() Snapshot {
	return Snapshot{
		MinGlucoseMgDl:         l.minGlucose,
		MaxGlucoseMgDl:         l.maxGlucose,
		MaxBasalRateMilliunits: l.maxBasal,
		MaxBolusDoseMilliunits: l.maxBolus,
	}
}

// Limits converts an untrusted snapshot back into clamped limits.
func (s Snapshot) Limits() Limits {
	return New(s.MinGlucoseMgDl, s.MaxGlucoseMgDl, s.MaxBasalRateMilliunits, s.MaxBolusDoseMilliunits)
}
