package security

import (
	"net/netip"
	"time"
)

// Risk levels. Higher is worse; the mapping from score is monotonic.
const (
	LevelLow      = 1
	LevelMedium   = 2
	LevelHigh     = 3
	LevelCritical = 4
)

// Weights are the score contributions of each signal.
type Weights struct {
	LoginFailure        int
	OffHours            int
	SuspiciousIP        int
	DestructiveAction   int
	DestructiveCompound int
	PrivilegeChange     int
	FailedAction        int
	Anomaly             int
}

// Thresholds are the minimum scores for each level above low.
type Thresholds struct {
	Medium   int
	High     int
	Critical int
}

// Policy holds every tunable of the analyzer.
type Policy struct {
	// SuspiciousIPThreshold is the failed-login count within SuspiciousIPWindow
	// at which an address becomes suspicious.
	SuspiciousIPThreshold int
	SuspiciousIPWindow    time.Duration
	// FailedLoginWindow bounds MonitorFailedLogins.
	FailedLoginWindow time.Duration
	// Off hours run from OffHoursStart (inclusive) to OffHoursEnd (exclusive),
	// in hours of Location. Start may exceed End to wrap midnight.
	OffHoursStart   int
	OffHoursEnd     int
	Location        *time.Location
	BlockedNetworks []netip.Prefix
	Weights         Weights
	Thresholds      Thresholds
	TopRiskLimit    int
	ScanBatchSize   int
}

// DefaultPolicy returns the stock tuning.
func DefaultPolicy() Policy {
	return Policy{
		SuspiciousIPThreshold: 5,
		SuspiciousIPWindow:    time.Hour,
		FailedLoginWindow:     24 * time.Hour,
		OffHoursStart:         0,
		OffHoursEnd:           5,
		Location:              time.UTC,
		Weights: Weights{
			LoginFailure:        20,
			OffHours:            15,
			SuspiciousIP:        30,
			DestructiveAction:   25,
			DestructiveCompound: 20,
			PrivilegeChange:     20,
			FailedAction:        10,
			Anomaly:             5,
		},
		Thresholds:    Thresholds{Medium: 25, High: 50, Critical: 75},
		TopRiskLimit:  10,
		ScanBatchSize: 500,
	}
}

// normalized fills zero values from DefaultPolicy.
func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.SuspiciousIPThreshold <= 0 {
		p.SuspiciousIPThreshold = d.SuspiciousIPThreshold
	}
	if p.SuspiciousIPWindow <= 0 {
		p.SuspiciousIPWindow = d.SuspiciousIPWindow
	}
	if p.FailedLoginWindow <= 0 {
		p.FailedLoginWindow = d.FailedLoginWindow
	}
	if p.Location == nil {
		p.Location = d.Location
	}
	if p.Weights == (Weights{}) {
		p.Weights = d.Weights
	}
	if p.Thresholds == (Thresholds{}) {
		p.Thresholds = d.Thresholds
	}
	if p.TopRiskLimit <= 0 {
		p.TopRiskLimit = d.TopRiskLimit
	}
	if p.ScanBatchSize <= 0 {
		p.ScanBatchSize = d.ScanBatchSize
	}
	return p
}

// Level buckets a score.
func (p Policy) Level(score int) int {
	switch {
	case score >= p.Thresholds.Critical:
		return LevelCritical
	case score >= p.Thresholds.High:
		return LevelHigh
	case score >= p.Thresholds.Medium:
		return LevelMedium
	default:
		return LevelLow
	}
}

// LevelName returns the label of a level.
func LevelName(level int) string {
	switch level {
	case LevelCritical:
		return "critical"
	case LevelHigh:
		return "high"
	case LevelMedium:
		return "medium"
	case LevelLow:
		return "low"
	default:
		return "unknown"
	}
}

func (p Policy) offHours(t time.Time) bool {
	if p.OffHoursStart == p.OffHoursEnd {
		return false
	}
	h := t.In(p.Location).Hour()
	if p.OffHoursStart < p.OffHoursEnd {
		return h >= p.OffHoursStart && h < p.OffHoursEnd
	}
	return h >= p.OffHoursStart || h < p.OffHoursEnd
}

func (p Policy) blocked(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, prefix := range p.BlockedNetworks {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}
