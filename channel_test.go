// SPDX-License-Identifier: GPL-3.0

package tsch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestDbmConversions(t *testing.T) {
	assert.InDelta(t, 1.0, dBmToMw(0), 1e-12)
	assert.InDelta(t, 100.0, dBmToMw(20), 1e-9)
	assert.InDelta(t, 10.0, mWToDbm(10), 1e-12)
	assert.InDelta(t, -30.0, mWToDbm(0.001), 1e-9)
}

func TestSINRBelowNoiseFloor(t *testing.T) {
	// Signal weaker than the noise floor reports the -10 dB sentinel.
	assert.Equal(t, float64(noFloorSINRdB), sinrDB(-110, -105, nil))
}

func TestSINRInterferersReduce(t *testing.T) {
	solo := sinrDB(-70, -105, nil)
	with := sinrDB(-70, -105, []float64{-75})
	assert.Less(t, with, solo)
}

func TestEffectiveRSSIApproximatesSignal(t *testing.T) {
	// With no interference the effective RSSI is close to the raw RSSI.
	sinr := sinrDB(-70, -105, nil)
	eff := effectiveRSSI(sinr, -105)
	assert.InDelta(t, -70, eff, 0.1)
}

func TestStaircaseBounds(t *testing.T) {
	topo := NewStaircaseTopology()
	assert.Equal(t, 0.0, topo.RSSIToPDR(-120))
	assert.Equal(t, 1.0, topo.RSSIToPDR(-70))
}

func TestStaircaseMonotone(t *testing.T) {
	topo := NewStaircaseTopology()
	rapid.Check(t, func(t *rapid.T) {
		a := rapid.Float64Range(-120, -40).Draw(t, "a")
		b := rapid.Float64Range(-120, -40).Draw(t, "b")
		if a > b {
			a, b = b, a
		}
		pa, pb := topo.RSSIToPDR(a), topo.RSSIToPDR(b)
		assert.LessOrEqual(t, pa, pb)
		assert.GreaterOrEqual(t, pa, 0.0)
		assert.LessOrEqual(t, pb, 1.0)
	})
}
