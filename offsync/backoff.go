// Copyright 2025 Trendpulse Contributors
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"math/rand"
	"time"
)

// Backoff produces bounded per-retry delays from a fixed step table plus
// random jitter. The table is bounded rather than unbounded exponential
// because the dead-letter cap is reached within a few retries anyway.
type Backoff struct {
	Steps  []time.Duration // delay for retry 1, 2, ...; later retries clamp to the last step
	Jitter time.Duration   // uniform random addition in [0, Jitter)
}

// Delay returns the gate delay before the given retry attempt (1-based).
func (b Backoff) Delay(retry int) time.Duration {
	if len(b.Steps) == 0 {
		return 0
	}
	if retry < 1 {
		retry = 1
	}
	idx := retry - 1
	if idx >= len(b.Steps) {
		idx = len(b.Steps) - 1
	}
	d := b.Steps[idx]
	if b.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(b.Jitter)))
	}
	return d
}
