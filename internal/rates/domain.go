package rates

import (
	"strings"
	"time"
)

// TerritoryGlobal is the catch-all territory for rate rows that apply
// everywhere an exact match is missing.
const TerritoryGlobal = "GLOBAL"

// DspRate is a versioned override of the default per-stream rate for one
// DSP/territory pair. Multiple rows may exist; the effective row is the most
// recent one whose window contains the report date.
type DspRate struct {
	ID            int64
	DspSlug       string
	Territory     string
	RatePerStream float64
	Currency      string
	EffectiveFrom time.Time
	EffectiveTo   *time.Time
	CreatedAt     time.Time
}

// RateTable holds the default lookup tables used when no DspRate override
// exists. It is loaded once at startup and injected; never mutated at runtime.
type RateTable struct {
	// DefaultBase applies when the DSP has no entry in BaseRates.
	DefaultBase float64
	// BaseRates maps DSP slug to the default per-stream rate.
	BaseRates map[string]float64
	// DefaultTerritoryMultiplier applies to unknown territories.
	DefaultTerritoryMultiplier float64
	// TerritoryMultipliers scales the rate by reporting territory.
	TerritoryMultipliers map[string]float64
	// PremiumMultipliers applies per-DSP when the event was reported under
	// user-centric accounting. Missing entries mean 1.0.
	PremiumMultipliers map[string]float64
}

// DefaultRateTable returns the built-in rate configuration.
func DefaultRateTable() RateTable {
	return RateTable{
		DefaultBase: 0.003,
		BaseRates: map[string]float64{
			"spotify":       0.003,
			"apple_music":   0.0078,
			"amazon_music":  0.004,
			"youtube_music": 0.002,
			"tidal":         0.0125,
			"deezer":        0.0064,
			"pandora":       0.0013,
		},
		DefaultTerritoryMultiplier: 1.0,
		TerritoryMultipliers: map[string]float64{
			"US": 1.0,
			"GB": 0.95,
			"DE": 0.92,
			"FR": 0.9,
			"JP": 1.08,
			"AU": 0.97,
			"BR": 0.55,
			"IN": 0.30,
			"MX": 0.48,
		},
		PremiumMultipliers: map[string]float64{
			"tidal":  1.15,
			"deezer": 1.10,
		},
	}
}

// Slug normalizes a DSP display name to its lookup key: lower-cased with
// whitespace runs replaced by underscores.
func Slug(name string) string {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(name)))
	return strings.Join(fields, "_")
}
