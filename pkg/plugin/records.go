package plugin

import "time"

// HistoryLog is one raw record read from a device's history log. The
// interpretation of Kind and Values belongs to the plugin that produced it.
type HistoryLog struct {
	Sequence  uint64           `json:"sequence"`
	Timestamp time.Time        `json:"timestamp"`
	Kind      string           `json:"kind"`
	Values    map[string]int64 `json:"values,omitempty"`
	Raw       []byte           `json:"raw,omitempty"`
}

// Value returns the named value and whether it was present.
func (h HistoryLog) Value(name string) (int64, bool) {
	v, ok := h.Values[name]
	return v, ok
}

// GlucoseReading is a validated CGM value.
type GlucoseReading struct {
	Timestamp time.Time `json:"timestamp"`
	ValueMgDl int       `json:"valueMgDl"`
	Trend     string    `json:"trend,omitempty"`
}

// BgmReading is a validated blood glucose meter value.
type BgmReading struct {
	Timestamp time.Time `json:"timestamp"`
	ValueMgDl int       `json:"valueMgDl"`
}

// BolusRecord is a delivered bolus.
type BolusRecord struct {
	Timestamp      time.Time `json:"timestamp"`
	DoseMilliunits int       `json:"doseMilliunits"`
}

// BasalRecord is a basal rate segment start.
type BasalRecord struct {
	Timestamp      time.Time `json:"timestamp"`
	RateMilliunits int       `json:"rateMilliunits"`
}

// InsulinOnBoard is the pump's current active insulin estimate.
type InsulinOnBoard struct {
	Milliunits int       `json:"milliunits"`
	At         time.Time `json:"at"`
}

// BatteryStatus describes the device battery.
type BatteryStatus struct {
	Percent  int  `json:"percent"`
	Charging bool `json:"charging"`
}

// SettingsField describes one entry of a plugin settings form.
type SettingsField struct {
	Key         string   `json:"key"`
	Label       string   `json:"label"`
	Type        string   `json:"type"`
	Default     string   `json:"default,omitempty"`
	Options     []string `json:"options,omitempty"`
	Description string   `json:"description,omitempty"`
}

// SettingsForm is the settings descriptor consumed by the UI layer.
type SettingsForm struct {
	Title  string          `json:"title"`
	Fields []SettingsField `json:"fields"`
}

// DashboardCard is one dashboard tile consumed by the UI layer.
type DashboardCard struct {
	ID       string            `json:"id"`
	Title    string            `json:"title"`
	Value    string            `json:"value"`
	Subtitle string            `json:"subtitle,omitempty"`
	Severity string            `json:"severity,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}
