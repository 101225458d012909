package promotion

import "github.com/kiranshivaraju/gymvision/pkg/models"

const (
	// AmpleCoverage is the global image count at which an equipment item no
	// longer receives suggestions.
	AmpleCoverage = 15
	// MaxCompared bounds how many global embeddings a candidate is compared to.
	MaxCompared = 200
	// HiResBytes is the object size treated as a high resolution photo.
	HiResBytes = 300 * 1024

	NearDupThreshold       = 0.985
	NearDupStrongThreshold = 0.995
)

// Signals are the inputs to the usefulness rule.
type Signals struct {
	GlobalCount  int
	HiRes        bool
	NearDupScore *float64
}

// Usefulness scores a promotion candidate in [0,1] and returns the reason
// codes that contributed to it.
func Usefulness(s Signals) (float64, []string) {
	var score float64
	var reasons []string

	switch {
	case s.GlobalCount == 0:
		score += 0.6
		reasons = append(reasons, models.ReasonNoGlobal)
	case s.GlobalCount < 3:
		score += 0.3
		reasons = append(reasons, models.ReasonLowCoverage)
	case s.GlobalCount < AmpleCoverage:
		score += 0.15
		reasons = append(reasons, models.ReasonGrowth)
	}

	if s.HiRes {
		score += 0.1
		reasons = append(reasons, models.ReasonHiRes)
	}

	score += 0.05
	reasons = append(reasons, models.ReasonFresh)

	if s.NearDupScore != nil {
		switch sim := *s.NearDupScore; {
		case sim >= NearDupStrongThreshold:
			score -= 0.5
			reasons = append(reasons, models.ReasonNearDupStrong)
		case sim >= NearDupThreshold:
			score -= 0.25
			reasons = append(reasons, models.ReasonNearDup)
		}
	}

	return clamp01(score), reasons
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
