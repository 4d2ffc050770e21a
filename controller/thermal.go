package controller

import (
	"time"

	"github.com/chewxy/math32"
)

// ClampLoad bounds a thermal/FPS proxy value to [0,1]. NaN counts as no load.
func ClampLoad(load float64) float64 {
	if load != load || load < 0 {
		return 0
	}
	if load > 1 {
		return 1
	}
	return load
}

// LoadFromFPS derives a load proxy from measured against expected frame rate:
// 0 when the camera path keeps up, rising to 1 as delivery stalls.
func LoadFromFPS(measured, expected float64) float64 {
	if expected <= 0 {
		return 0
	}
	return ClampLoad(1 - measured/expected)
}

// budgetScale maps load to a multiplier in (0,1]. It is monotonically
// decreasing in load, so a hotter device always sees a tighter budget.
func budgetScale(load, sensitivity float64) float32 {
	l := float32(ClampLoad(load))
	s := math32.Max(0, float32(sensitivity))
	return 1 / (1 + s*l)
}

// scaleDuration multiplies d by f, keeping at least one nanosecond.
func scaleDuration(d time.Duration, f float32) time.Duration {
	out := time.Duration(float64(d) * float64(f))
	if out < 1 && d > 0 {
		return 1
	}
	return out
}
