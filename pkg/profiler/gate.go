// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package profiler

import "math/rand/v2"

// gate is a 1-in-N down-sampling decision.
type gate struct {
	divider int
	// disabledAtZero makes a non-positive divider mean "never" instead of
	// "always". The total gate is opt-in, the per-sample gate is not.
	disabledAtZero bool
}

// selects draws one decision from intn, which must return a value in [0, n).
func (g gate) selects(intn func(n int) int) bool {
	switch {
	case g.divider <= 0 && g.disabledAtZero:
		return false
	case g.divider <= 1:
		return true
	}
	return intn(g.divider) == 0
}

// Rate returns the expected selection frequency.
func (g gate) Rate() float64 {
	switch {
	case g.divider <= 0 && g.disabledAtZero:
		return 0
	case g.divider <= 1:
		return 1
	}
	return 1 / float64(g.divider)
}

func defaultIntN(n int) int { return rand.IntN(n) }
