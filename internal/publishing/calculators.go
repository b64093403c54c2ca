// Package publishing holds the publishing-side royalty calculators:
// mechanical, performance and sync. All three are pure functions over
// injected tables with no shared state.
package publishing

// MechanicalRates maps territory to the statutory per-stream mechanical
// rate. Loaded once and injected; never mutated.
type MechanicalRates map[string]float64

// DefaultMechanicalRates returns the built-in mechanical rate table.
func DefaultMechanicalRates() MechanicalRates {
	return MechanicalRates{
		"US": 0.00091,
		"CA": 0.00083,
		"GB": 0.00085,
		"DE": 0.00088,
		"FR": 0.00086,
		"AU": 0.00080,
		"JP": 0.00095,
	}
}

// defaultMechanicalRate applies when the territory has no table entry.
const defaultMechanicalRate = 0.00091

// MechanicalResult is the outcome of a mechanical royalty calculation.
type MechanicalResult struct {
	Streams        int64
	Territory      string
	RatePerStream  float64
	Total          float64
	PublisherShare float64
	WriterShare    float64
}

// Mechanical computes streams × territory mechanical rate, split between
// publisher and writer by publisherPct (0–100). Non-positive publisherPct
// means the default 50/50 convention.
func Mechanical(rates MechanicalRates, streams int64, territory string, publisherPct float64) MechanicalResult {
	rate, ok := rates[territory]
	if !ok {
		rate = defaultMechanicalRate
	}
	if publisherPct <= 0 || publisherPct > 100 {
		publisherPct = 50
	}
	total := float64(streams) * rate
	publisher := total * publisherPct / 100
	return MechanicalResult{
		Streams:        streams,
		Territory:      territory,
		RatePerStream:  rate,
		Total:          total,
		PublisherShare: publisher,
		WriterShare:    total - publisher,
	}
}

// ProSplits maps a PRO name to its publisher share percentage. Most PROs
// split 50/50; SESAC is the documented 60/40 outlier.
type ProSplits map[string]float64

// DefaultProSplits returns the built-in PRO split table.
func DefaultProSplits() ProSplits {
	return ProSplits{
		"ASCAP": 50,
		"BMI":   50,
		"SESAC": 60,
		"PRS":   50,
		"GEMA":  50,
		"SACEM": 50,
	}
}

// PerformanceResult is the outcome of a performance royalty calculation.
type PerformanceResult struct {
	Pro            string
	Total          float64
	PublisherShare float64
	WriterShare    float64
}

// Performance splits pre-computed performance revenue by the PRO's
// publisher/writer ratio. Unknown PROs use 50/50.
func Performance(splits ProSplits, pro string, totalRevenue float64) PerformanceResult {
	publisherPct, ok := splits[pro]
	if !ok {
		publisherPct = 50
	}
	publisher := totalRevenue * publisherPct / 100
	return PerformanceResult{
		Pro:            pro,
		Total:          totalRevenue,
		PublisherShare: publisher,
		WriterShare:    totalRevenue - publisher,
	}
}

// exclusivityMultiplier scales sync fees for exclusive licenses.
const exclusivityMultiplier = 1.5

// SyncLicense describes the sync deal being valued.
type SyncLicense struct {
	MasterFee     float64
	PublishingFee float64
	Exclusive     bool
	TermMonths    int
	Territory     string
}

// SyncResult echoes the license term and territory for audit alongside the
// adjusted fees; no further computation happens here.
type SyncResult struct {
	MasterFee     float64
	PublishingFee float64
	Total         float64
	Multiplier    float64
	TermMonths    int
	Territory     string
}

// Sync applies the exclusivity multiplier to both fee components.
func Sync(license SyncLicense) SyncResult {
	multiplier := 1.0
	if license.Exclusive {
		multiplier = exclusivityMultiplier
	}
	master := license.MasterFee * multiplier
	publishing := license.PublishingFee * multiplier
	return SyncResult{
		MasterFee:     master,
		PublishingFee: publishing,
		Total:         master + publishing,
		Multiplier:    multiplier,
		TermMonths:    license.TermMonths,
		Territory:     license.Territory,
	}
}
