// Package fusion combines the biometric confidence and the IP trust score
// into a single admission decision.
package fusion

import (
	"fmt"
	"math"
)

// Threshold is the fused score at or above which a request is admitted.
const Threshold = 0.5

// Policy holds the fusion weights. The weights need not sum to 1.
type Policy struct {
	BiometricsWeight float64
	IPWeight         float64
}

// Decision is the fused result.
type Decision struct {
	Fused         float64 `json:"fitness_score"`
	Authenticated bool    `json:"authenticated"`
}

// DefaultPolicy returns the stock weighting: biometrics 0.7, ip 0.3.
func DefaultPolicy() Policy {
	return Policy{BiometricsWeight: 0.7, IPWeight: 0.3}
}

// Validate rejects negative or non-finite weights.
func (p Policy) Validate() error {
	for name, w := range map[string]float64{"biometrics": p.BiometricsWeight, "ip": p.IPWeight} {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("fusion: invalid %s weight %v", name, w)
		}
	}
	return nil
}

// Decide fuses the two signals. The fused value is rounded to 4 decimals
// before the threshold is applied, so the decision matches what is reported.
func (p Policy) Decide(biometricConfidence, ipTrustScore float64) Decision {
	fused := Round4(p.BiometricsWeight*biometricConfidence + p.IPWeight*ipTrustScore)
	return Decision{Fused: fused, Authenticated: fused >= Threshold}
}

// Round4 rounds half away from zero to 4 decimal digits.
func Round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
