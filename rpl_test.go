// SPDX-License-Identifier: GPL-3.0

package tsch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDIOBootstrapsChild(t *testing.T) {
	s := testSettings()
	net := NewNetwork(s, 1)
	root := net.AddMote(0, true)
	child := net.AddMote(1, false)
	link(net, 0, 1, -70)

	net.emitDIO(root)

	require.True(t, child.hasPreferred)
	assert.Equal(t, MoteID(0), child.preferredParent)
	rank, ok := child.Rank()
	require.True(t, ok)
	rootRank, _ := root.Rank()
	assert.Greater(t, rank, rootRank, "child rank must exceed its parent's")
	assert.Equal(t, rootRank+2*rplMinHopRankIncrease, rank)
	assert.Equal(t, int(rank/rplMinHopRankIncrease), child.dagRank)
}

func TestDIONotHeardBelowMinRssi(t *testing.T) {
	s := testSettings()
	net := NewNetwork(s, 1)
	root := net.AddMote(0, true)
	child := net.AddMote(1, false)
	link(net, 0, 1, -120)

	net.emitDIO(root)

	assert.False(t, child.hasPreferred)
	assert.False(t, child.hasRank)
}

func TestParentSwitchHysteresis(t *testing.T) {
	s := testSettings()
	net := NewNetwork(s, 1)
	net.AddMote(0, true)
	m := net.AddMote(3, false)
	net.AddMote(1, false)
	net.AddMote(2, false)
	link(net, 3, 1, -70)
	link(net, 3, 2, -70)

	a := m.neighbor(1)
	a.Rank = 1000
	a.HasRank = true
	net.rplHousekeeping(m)
	require.True(t, m.hasPreferred)
	require.Equal(t, MoteID(1), m.preferredParent)
	require.Equal(t, 1512.0, m.rank)

	// A new neighbor only 500 rank better does not displace the incumbent.
	b := m.neighbor(2)
	b.Rank = 500
	b.HasRank = true
	net.rplHousekeeping(m)
	assert.Equal(t, MoteID(1), m.preferredParent)
	assert.Zero(t, m.stats.RplChurnPrefParent)

	// At a difference of exactly the threshold the switch happens, once.
	b.Rank = 232
	net.rplHousekeeping(m)
	assert.Equal(t, MoteID(2), m.preferredParent)
	assert.Equal(t, 1, m.stats.RplChurnPrefParent)
	assert.Equal(t, 744.0, m.rank)

	// Rank monotonicity: every parent's advertised rank is below ours.
	for _, p := range m.parentSet {
		assert.Less(t, m.neighbor(p).Rank, m.rank)
	}
	assert.Contains(t, m.parentSet, m.preferredParent)
}

func TestParentSetCappedAndOrdered(t *testing.T) {
	s := testSettings()
	net := NewNetwork(s, 1)
	net.AddMote(0, true)
	m := net.AddMote(9, false)
	for id := MoteID(1); id <= 5; id++ {
		net.AddMote(id, false)
		link(net, 9, id, -70)
		ni := m.neighbor(id)
		ni.Rank = float64(100 * id)
		ni.HasRank = true
	}

	net.rplHousekeeping(m)

	require.True(t, m.hasPreferred)
	assert.Equal(t, MoteID(1), m.preferredParent)
	assert.LessOrEqual(t, len(m.parentSet), maxParentSetSize)
	for _, p := range m.parentSet {
		assert.Less(t, m.neighbor(p).Rank, m.rank)
	}

	// Traffic portions over the parent set sum to one.
	var sum float64
	for _, p := range m.parentSet {
		sum += m.neighbor(p).TrafficPortion
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestParentLossDropsTxCells(t *testing.T) {
	s := testSettings()
	s.Queuing = QueuingSynchronous
	net := NewNetwork(s, 1)
	net.AddMote(0, true)
	m := net.AddMote(3, false)
	old := net.AddMote(1, false)
	net.AddMote(2, false)
	link(net, 3, 1, -70)
	link(net, 3, 2, -70)

	a := m.neighbor(1)
	a.Rank = 1000
	a.HasRank = true
	net.rplHousekeeping(m)
	require.Equal(t, MoteID(1), m.preferredParent)
	require.True(t, net.sixtopInitiateAdd(m, 1, CellTX, 2))
	require.Equal(t, 2, m.numCellsToNeighbor(1))

	// Neighbor 2 becomes so much better that neighbor 1 leaves the parent
	// set entirely; the TX cells to it are torn down.
	b := m.neighbor(2)
	b.Rank = 100
	b.HasRank = true
	net.rplHousekeeping(m)

	assert.Equal(t, MoteID(2), m.preferredParent)
	assert.NotContains(t, m.parentSet, MoteID(1))
	assert.Zero(t, m.numCellsToNeighbor(1))
	assert.Zero(t, old.numCellsFromNeighbor(3))
}
