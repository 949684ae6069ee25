package processor

import (
	"math"
	"time"
)

// pollBackoff grows exponentially with consecutive receive failures and is
// capped at ceiling.
func pollBackoff(base, ceiling time.Duration, failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	d := float64(base) * math.Pow(2, float64(failures-1))
	if d > float64(ceiling) {
		return ceiling
	}
	return time.Duration(d)
}
