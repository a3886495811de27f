package plugin

import "OpenCGM-Host/pkg/safety"

// KeepGlucose returns the readings whose value lies within limits. Out of
// range readings are dropped, never clamped.
func KeepGlucose(in []GlucoseReading, limits safety.Limits) []GlucoseReading {
	return keep(in, func(r GlucoseReading) bool { return limits.GlucoseInRange(r.ValueMgDl) })
}

// KeepBgm applies the glucose range to meter readings.
func KeepBgm(in []BgmReading, limits safety.Limits) []BgmReading {
	return keep(in, func(r BgmReading) bool { return limits.GlucoseInRange(r.ValueMgDl) })
}

// KeepBoluses drops boluses above the maximum dose or below zero.
func KeepBoluses(in []BolusRecord, limits safety.Limits) []BolusRecord {
	return keep(in, func(r BolusRecord) bool { return limits.BolusInRange(r.DoseMilliunits) })
}

// KeepBasal drops basal rates above the maximum rate or below zero.
func KeepBasal(in []BasalRecord, limits safety.Limits) []BasalRecord {
	return keep(in, func(r BasalRecord) bool { return limits.BasalInRange(r.RateMilliunits) })
}

func keep[T any](in []T, ok func(T) bool) []T {
	out := make([]T, 0, len(in))
	for _, r := range in {
		if ok(r) {
			out = append(out, r)
		}
	}
	return out
}
