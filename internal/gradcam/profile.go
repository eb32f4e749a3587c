package gradcam

import (
	"math"

	"github.com/earlydot/lesion-api/internal/model"
	"github.com/earlydot/lesion-api/internal/tensor"
)

// Profile controls how hard low activations are suppressed for one class.
type Profile struct {
	Percentile float64
	Multiplier float64
	Gamma      float64
}

// FallbackProfile is used for classes without an entry.
var FallbackProfile = Profile{Percentile: 65, Multiplier: 0.75, Gamma: 0.80}

// DefaultProfiles were tuned by hand per class.
var DefaultProfiles = map[string]Profile{
	"mel":  {Percentile: 60, Multiplier: 0.70, Gamma: 0.80},
	"ak":   {Percentile: 55, Multiplier: 0.65, Gamma: 0.75},
	"df":   {Percentile: 65, Multiplier: 0.75, Gamma: 0.80},
	"nv":   {Percentile: 60, Multiplier: 0.70, Gamma: 0.80},
	"vasc": {Percentile: 60, Multiplier: 0.70, Gamma: 0.80},
	"bkl":  {Percentile: 60, Multiplier: 0.70, Gamma: 0.80},
	"scc":  {Percentile: 60, Multiplier: 0.70, Gamma: 0.80},
	"bcc":  {Percentile: 55, Multiplier: 0.65, Gamma: 0.75},
}

// Profiles overlays manifest overrides on DefaultProfiles.
func Profiles(overrides map[string]model.GradCAMSpec) map[string]Profile {
	out := make(map[string]Profile, len(DefaultProfiles))
	for k, v := range DefaultProfiles {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = Profile{Percentile: v.Percentile, Multiplier: v.Multiplier, Gamma: v.Gamma}
	}
	return out
}

// keep the top 30 % at full strength, halve the rest
const keepPercentile = 70

// Apply suppresses activations below the profile's percentile threshold and
// re-normalizes cam in place.
func (p Profile) Apply(cam []float64) {
	maxVal := maxOf(cam)
	if maxVal <= 0 {
		for i := range cam {
			cam[i] = 0
		}
		return
	}

	cut := tensor.Percentile(cam, p.Percentile) * p.Multiplier
	shifted := make([]float64, len(cam))
	for i, v := range cam {
		shifted[i] = math.Max(v-cut, 0)
	}

	m := maxOf(shifted)
	if m <= 0 {
		for i, v := range shifted {
			cam[i] = clamp01((v + cut) / (maxVal + 1e-8))
		}
		return
	}

	for i, v := range shifted {
		shifted[i] = math.Pow(v/m, p.Gamma)
	}
	keep := tensor.Percentile(shifted, keepPercentile)
	for i, v := range shifted {
		if v < keep {
			shifted[i] = v * 0.5
		}
	}
	if m = maxOf(shifted); m > 0 {
		for i, v := range shifted {
			shifted[i] = v / m
		}
	}
	copy(cam, shifted)
}

func maxOf(v []float64) float64 {
	m := math.Inf(-1)
	for _, x := range v {
		if x > m {
			m = x
		}
	}
	return m
}

func clamp01(v float64) float64 {
	return math.Min(math.Max(v, 0), 1)
}
