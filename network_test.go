// SPDX-License-Identifier: GPL-3.0

package tsch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testSettings returns DefaultSettings with a fixed ProcessID so tests don't
// depend on xid generation.
func testSettings() Settings {
	s := DefaultSettings()
	s.ProcessID = "test"
	return s
}

// link records a symmetric RSSI between two motes.
func link(n *Network, a, b MoteID, rssi float64) {
	na := n.Motes[a].neighbor(b)
	na.RSSI = rssi
	na.HasRSSI = true
	nb := n.Motes[b].neighbor(a)
	nb.RSSI = rssi
	nb.HasRSSI = true
}

// sumSink accumulates CycleStats across all polled cycles.
type sumSink struct {
	total  CycleStats
	cycles int
}

func (s *sumSink) Poll(cs CycleStats) {
	s.cycles++
	s.total.AppReachesDagroot += cs.AppReachesDagroot
	s.total.DroppedQueueFull += cs.DroppedQueueFull
	s.total.DroppedNoRoute += cs.DroppedNoRoute
	s.total.DroppedNoTxCells += cs.DroppedNoTxCells
	s.total.DroppedMacRetries += cs.DroppedMacRetries
	s.total.TransactionAborted += cs.TransactionAborted
	s.total.TopTxRelocatedCells += cs.TopTxRelocatedCells
	s.total.RplChurnPrefParent += cs.RplChurnPrefParent
	s.total.LatencySamples = append(s.total.LatencySamples, cs.LatencySamples...)
	s.total.HopSamples = append(s.total.HopSamples, cs.HopSamples...)
}

// checkScheduleInvariants asserts the quantified invariants of every mote's
// schedule: valid directions, SHARED cells without a neighbor, and cached
// cells-to/cells-from counters matching the schedule.
func checkScheduleInvariants(t *testing.T, n *Network) {
	t.Helper()
	for _, id := range n.order {
		m := n.Motes[id]
		for ts, c := range m.schedule {
			switch c.Dir {
			case CellTX, CellRX:
				assert.True(t, c.HasNeighbor, "mote %d ts %d: dedicated cell without neighbor", id, ts)
			case CellShared:
				assert.False(t, c.HasNeighbor, "mote %d ts %d: SHARED cell with neighbor", id, ts)
			default:
				t.Fatalf("mote %d ts %d: invalid direction %v", id, ts, c.Dir)
			}
		}
		for nid, ni := range m.neighbors {
			assert.Equal(t, m.numCellsToNeighbor(nid), ni.CellsTo,
				"mote %d: cached cellsTo[%d] does not match schedule", id, nid)
			assert.Equal(t, m.numCellsFromNeighbor(nid), ni.CellsFrom,
				"mote %d: cached cellsFrom[%d] does not match schedule", id, nid)
		}
	}
}

func TestTwoMoteNoInterference(t *testing.T) {
	s := testSettings()
	s.NumCyclesPerRun = 20
	s.NoInterference = true
	s.Queuing = QueuingSingle
	net := NewNetwork(s, 1)
	net.AddMote(0, true)
	child := net.AddMote(1, false)
	link(net, 0, 1, -70)

	net.Boot()
	sink := &sumSink{}
	net.Run(sink, 0)

	assert.GreaterOrEqual(t, sink.total.AppReachesDagroot, 15)
	assert.Zero(t, sink.total.DroppedMacRetries)
	assert.GreaterOrEqual(t, child.numCellsToNeighbor(0), 1)
	checkScheduleInvariants(t, net)
}

func TestThreeMoteLine(t *testing.T) {
	s := testSettings()
	s.NumCyclesPerRun = 80
	s.NoInterference = true
	s.Queuing = QueuingSingle
	net := NewNetwork(s, 3)
	net.AddMote(0, true)
	net.AddMote(1, false) // A, one hop from root
	net.AddMote(2, false) // B, reaches root only through A
	link(net, 0, 1, -70)
	link(net, 1, 2, -70)

	net.Boot()
	sink := &sumSink{}
	net.Run(sink, 0)

	require.NotEmpty(t, sink.total.HopSamples)
	twoHop := 0
	for _, h := range sink.total.HopSamples {
		assert.LessOrEqual(t, h, 2)
		if h == 2 {
			twoHop++
		}
	}
	assert.Greater(t, twoHop, 0, "no B-originated packet reached the root over two hops")

	var latencySum ASN
	for _, l := range sink.total.LatencySamples {
		latencySum += l
	}
	avg := float64(latencySum) / float64(len(sink.total.LatencySamples))
	assert.GreaterOrEqual(t, avg, 2.0, "average end-to-end latency under two slots")
	checkScheduleInvariants(t, net)
}

func TestBootInstallsSharedSlots(t *testing.T) {
	s := testSettings()
	s.NumSharedSlots = 4
	net := NewNetwork(s, 1)
	m := net.AddMote(0, true)
	installSharedSlots(m, s)

	step := s.SlotframeLength / s.NumSharedSlots
	for i := 0; i < s.NumSharedSlots; i++ {
		c, ok := m.schedule[i*step]
		require.True(t, ok, "missing SHARED slot at offset %d", i*step)
		assert.Equal(t, CellShared, c.Dir)
		assert.False(t, c.HasNeighbor)
	}
	assert.Len(t, m.schedule, s.NumSharedSlots)
}

func TestSharedSlotsNotRemovableBySixtop(t *testing.T) {
	s := testSettings()
	net := NewNetwork(s, 1)
	m := net.AddMote(0, true)
	net.AddMote(1, false)
	installSharedSlots(m, s)

	net.sixtopDeleteSlots(m, 1, CellTX, []int{0}, 1)
	c, ok := m.schedule[0]
	require.True(t, ok, "SHARED slot was removed by a 6top delete")
	assert.Equal(t, CellShared, c.Dir)
}

func TestIdealAllocationPreinstallsCells(t *testing.T) {
	s := testSettings()
	s.Bootstrap = false
	s.IdealAllocation = true
	s.NumCyclesPerRun = 1
	net := NewNetwork(s, 5)
	root := net.AddMote(0, true)
	child := net.AddMote(1, false)
	link(net, 0, 1, -70)

	net.Boot()
	assert.True(t, child.hasPreferred)
	assert.Equal(t, MoteID(0), child.preferredParent)
	assert.Equal(t, 1, child.numCellsToNeighbor(0))
	assert.Equal(t, 1, root.numCellsFromNeighbor(1))
	checkScheduleInvariants(t, net)
}
