package settingsync

import (
	"github.com/tidwall/gjson"

	xerrors "OpenCGM-Host/internal/errors"
	"OpenCGM-Host/pkg/safety"
)

// Payload paths read from a settings document.
const (
	PathMinGlucose = "safety.minGlucoseMgDl"
	PathMaxGlucose = "safety.maxGlucoseMgDl"
	PathMaxBasal   = "safety.maxBasalRateMilliunits"
	PathMaxBolus   = "safety.maxBolusDoseMilliunits"
	PathUpdatedBy  = "updatedBy"
)

// Parse extracts safety limits from a settings document. Missing fields
// keep the absolute bound; values outside the absolute range are clamped.
func Parse(payload []byte) (safety.Limits, error) {
	if !gjson.ValidBytes(payload) {
		return safety.Limits{}, xerrors.New(xerrors.CodeInvalidArgument, "settings payload is not valid JSON")
	}
	doc := gjson.ParseBytes(payload)
	if !doc.Get("safety").IsObject() {
		return safety.Limits{}, xerrors.New(xerrors.CodeInvalidArgument, "settings payload has no safety object")
	}
	def := safety.Default()
	return safety.New(
		intOr(doc, PathMinGlucose, def.MinGlucoseMgDl()),
		intOr(doc, PathMaxGlucose, def.MaxGlucoseMgDl()),
		intOr(doc, PathMaxBasal, def.MaxBasalRateMilliunits()),
		intOr(doc, PathMaxBolus, def.MaxBolusDoseMilliunits()),
	), nil
}

// UpdatedBy returns the author recorded in the document, if any.
func UpdatedBy(payload []byte) string {
	return gjson.GetBytes(payload, PathUpdatedBy).String()
}

func intOr(doc gjson.Result, path string, fallback int) int {
	v := doc.Get(path)
	if v.Type != gjson.Number {
		return fallback
	}
	return int(v.Int())
}
