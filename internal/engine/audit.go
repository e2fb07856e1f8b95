package engine

import (
	"fmt"
	"math"
)

// LogitAudit summarises one row of logits.
type LogitAudit struct {
	Max     float32
	Min     float32
	Mean    float32
	RMS     float32
	NumNaNs int
	NumInfs int
	IsFlat  bool
}

func (a LogitAudit) Finite() bool { return a.NumNaNs == 0 && a.NumInfs == 0 }

func (a LogitAudit) String() string {
	return fmt.Sprintf("max=%.4f min=%.4f mean=%.4f rms=%.4f nan=%d inf=%d flat=%v",
		a.Max, a.Min, a.Mean, a.RMS, a.NumNaNs, a.NumInfs, a.IsFlat)
}

// AuditLogits inspects a logit row for non-finite values and a collapsed
// (near-constant) distribution.
func AuditLogits(logits []float32) LogitAudit {
	var a LogitAudit
	if len(logits) == 0 {
		return a
	}

	var sum, sumSq float64
	minVal, maxVal := float32(math.MaxFloat32), float32(-math.MaxFloat32)
	finite := 0
	for _, v := range logits {
		switch {
		case math.IsNaN(float64(v)):
			a.NumNaNs++
			continue
		case math.IsInf(float64(v), 0):
			a.NumInfs++
			continue
		}
		minVal = min(minVal, v)
		maxVal = max(maxVal, v)
		sum += float64(v)
		sumSq += float64(v) * float64(v)
		finite++
	}
	if finite == 0 {
		return a
	}

	a.Max, a.Min = maxVal, minVal
	mean := sum / float64(finite)
	a.Mean = float32(mean)
	a.RMS = float32(math.Sqrt(sumSq / float64(finite)))
	a.IsFlat = sumSq/float64(finite)-mean*mean < 1e-8
	return a
}
