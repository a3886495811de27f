package lua

import (
	"fmt"
	"math"
	"time"

	lua "github.com/yuin/gopher-lua"

	"OpenCGM-Host/pkg/plugin"
	"OpenCGM-Host/pkg/safety"
)

// Timestamps cross the bridge as unix milliseconds.

func toMillis(t time.Time) lua.LNumber {
	return lua.LNumber(t.UnixMilli())
}

func fromMillis(v lua.LValue) time.Time {
	n, ok := v.(lua.LNumber)
	if !ok {
		return time.Time{}
	}
	return time.UnixMilli(int64(n)).UTC()
}

func limitsValue(L *lua.LState, l safety.Limits) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("min_glucose", lua.LNumber(l.MinGlucoseMgDl()))
	t.RawSetString("max_glucose", lua.LNumber(l.MaxGlucoseMgDl()))
	t.RawSetString("max_basal", lua.LNumber(l.MaxBasalRateMilliunits()))
	t.RawSetString("max_bolus", lua.LNumber(l.MaxBolusDoseMilliunits()))
	return t
}

func stringMap(t *lua.LTable) map[string]string {
	if t == nil {
		return nil
	}
	out := make(map[string]string)
	t.ForEach(func(k, v lua.LValue) {
		if ks, ok := k.(lua.LString); ok {
			out[string(ks)] = v.String()
		}
	})
	return out
}

func stringList(v lua.LValue) []string {
	t, ok := v.(*lua.LTable)
	if !ok {
		return nil
	}
	var out []string
	for i := 1; i <= t.Len(); i++ {
		if s, ok := t.RawGetInt(i).(lua.LString); ok {
			out = append(out, string(s))
		}
	}
	return out
}

func intField(t *lua.LTable, name string) (int, bool) {
	n, ok := t.RawGetString(name).(lua.LNumber)
	if !ok {
		return 0, false
	}
	return int(n), true
}

// recordValue reads the measured value of an extracted record. Fractional,
// NaN and infinite numbers report whole=false so the record can be dropped
// instead of truncated into range.
func recordValue(t *lua.LTable, name string) (v int, whole bool, err error) {
	n, ok := t.RawGetString(name).(lua.LNumber)
	if !ok {
		return 0, false, fmt.Errorf("%s is required", name)
	}
	f := float64(n)
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) ||
		f > math.MaxInt32 || f < math.MinInt32 {
		return 0, false, nil
	}
	return int(f), true, nil
}

func stringField(t *lua.LTable, name string) string {
	if s, ok := t.RawGetString(name).(lua.LString); ok {
		return string(s)
	}
	return ""
}

func logsToTable(L *lua.LState, logs []plugin.HistoryLog) *lua.LTable {
	out := L.NewTable()
	for _, h := range logs {
		row := L.NewTable()
		row.RawSetString("sequence", lua.LNumber(h.Sequence))
		row.RawSetString("timestamp", toMillis(h.Timestamp))
		row.RawSetString("kind", lua.LString(h.Kind))
		values := L.NewTable()
		for k, v := range h.Values {
			values.RawSetString(k, lua.LNumber(v))
		}
		row.RawSetString("values", values)
		if len(h.Raw) > 0 {
			row.RawSetString("raw", lua.LString(h.Raw))
		}
		out.Append(row)
	}
	return out
}

// rows iterates the array part of v, which must be a table of tables.
func rows(v lua.LValue, fn func(row *lua.LTable) error) error {
	if v == lua.LNil {
		return nil
	}
	t, ok := v.(*lua.LTable)
	if !ok {
		return fmt.Errorf("expected a list, got %s", v.Type())
	}
	for i := 1; i <= t.Len(); i++ {
		row, ok := t.RawGetInt(i).(*lua.LTable)
		if !ok {
			return fmt.Errorf("entry %d is not a table", i)
		}
		if err := fn(row); err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
	}
	return nil
}

func tableToLogs(v lua.LValue) ([]plugin.HistoryLog, error) {
	var out []plugin.HistoryLog
	err := rows(v, func(row *lua.LTable) error {
		seq, _ := intField(row, "sequence")
		h := plugin.HistoryLog{
			Sequence:  uint64(seq),
			Timestamp: fromMillis(row.RawGetString("timestamp")),
			Kind:      stringField(row, "kind"),
		}
		if values, ok := row.RawGetString("values").(*lua.LTable); ok {
			h.Values = make(map[string]int64)
			values.ForEach(func(k, v lua.LValue) {
				if n, ok := v.(lua.LNumber); ok {
					h.Values[k.String()] = int64(n)
				}
			})
		}
		if raw, ok := row.RawGetString("raw").(lua.LString); ok {
			h.Raw = []byte(raw)
		}
		out = append(out, h)
		return nil
	})
	return out, err
}

func tableToGlucose(v lua.LValue) ([]plugin.GlucoseReading, int, error) {
	var out []plugin.GlucoseReading
	rejected := 0
	err := rows(v, func(row *lua.LTable) error {
		value, whole, err := recordValue(row, "value")
		if err != nil {
			return err
		}
		if !whole {
			rejected++
			return nil
		}
		out = append(out, plugin.GlucoseReading{
			Timestamp: fromMillis(row.RawGetString("timestamp")),
			ValueMgDl: value,
			Trend:     stringField(row, "trend"),
		})
		return nil
	})
	return out, rejected, err
}

func tableToBgm(v lua.LValue) ([]plugin.BgmReading, int, error) {
	var out []plugin.BgmReading
	rejected := 0
	err := rows(v, func(row *lua.LTable) error {
		value, whole, err := recordValue(row, "value")
		if err != nil {
			return err
		}
		if !whole {
			rejected++
			return nil
		}
		out = append(out, plugin.BgmReading{Timestamp: fromMillis(row.RawGetString("timestamp")), ValueMgDl: value})
		return nil
	})
	return out, rejected, err
}

func tableToBoluses(v lua.LValue) ([]plugin.BolusRecord, int, error) {
	var out []plugin.BolusRecord
	rejected := 0
	err := rows(v, func(row *lua.LTable) error {
		value, whole, err := recordValue(row, "dose")
		if err != nil {
			return err
		}
		if !whole {
			rejected++
			return nil
		}
		out = append(out, plugin.BolusRecord{Timestamp: fromMillis(row.RawGetString("timestamp")), DoseMilliunits: value})
		return nil
	})
	return out, rejected, err
}

func tableToBasal(v lua.LValue) ([]plugin.BasalRecord, int, error) {
	var out []plugin.BasalRecord
	rejected := 0
	err := rows(v, func(row *lua.LTable) error {
		value, whole, err := recordValue(row, "rate")
		if err != nil {
			return err
		}
		if !whole {
			rejected++
			return nil
		}
		out = append(out, plugin.BasalRecord{Timestamp: fromMillis(row.RawGetString("timestamp")), RateMilliunits: value})
		return nil
	})
	return out, rejected, err
}

func tableToForm(v lua.LValue) (plugin.SettingsForm, bool) {
	t, ok := v.(*lua.LTable)
	if !ok {
		return plugin.SettingsForm{}, false
	}
	form := plugin.SettingsForm{Title: stringField(t, "title")}
	_ = rows(t.RawGetString("fields"), func(row *lua.LTable) error {
		form.Fields = append(form.Fields, plugin.SettingsField{
			Key:         stringField(row, "key"),
			Label:       stringField(row, "label"),
			Type:        stringField(row, "type"),
			Default:     stringField(row, "default"),
			Options:     stringList(row.RawGetString("options")),
			Description: stringField(row, "description"),
		})
		return nil
	})
	return form, true
}
