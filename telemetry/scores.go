package telemetry

// ScoreFunc turns recent readings into a bounded [0, 100] score. The exact
// formulas are a platform concern and may change; both reporters treat the
// function as pluggable.
type ScoreFunc func(readings []GPUHealthReading, host HostHealthReading) float64

// DefaultPerformanceScore starts from a full score and deducts for each
// degraded device reading.
func DefaultPerformanceScore(readings []GPUHealthReading, host HostHealthReading) float64 {
	if len(readings) == 0 {
		return 0
	}

	score := 100.0
	perGPU := 100.0 / float64(len(readings))

	for _, reading := range readings {
		switch {
		case !reading.DriverResponsive:
			score -= perGPU
		case !reading.Healthy():
			score -= perGPU / 2
		}
	}

	return clampScore(score)
}

// DefaultStabilityScore weighs host-level checks alongside GPU health.
func DefaultStabilityScore(readings []GPUHealthReading, host HostHealthReading) float64 {
	score := 100.0

	if !host.NetworkOK {
		score -= 25
	}
	if !host.StorageOK {
		score -= 25
	}

	for _, reading := range readings {
		if reading.ECCErrors > 0 {
			score -= 10
		}
	}

	return clampScore(score)
}

func clampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
