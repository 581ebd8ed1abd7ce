package queue

import (
	"math/rand"
	"time"

	"stageline/internal/faults"
)

// backoff returns the delay before the next attempt: exponential in the
// attempt number with +/-20% jitter, capped by the configured ceiling.
// External-service failures use the longer ceiling since remote outages
// outlast transient local contention.
func (q Queue) backoff(attempt int, kind faults.Kind) time.Duration {
	base := time.Duration(q.Config.Jobs.BackoffBaseMS) * time.Millisecond
	ceiling := time.Duration(q.Config.Jobs.BackoffCeilingMS) * time.Millisecond
	if kind == faults.KindExternal {
		ceiling = time.Duration(q.Config.Jobs.ExternalCeilingMS) * time.Millisecond
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceiling {
			d = ceiling
			break
		}
	}
	jitter := 0.8 + 0.4*rand.Float64()
	d = time.Duration(float64(d) * jitter)
	if d > ceiling {
		d = ceiling
	}
	return d
}
