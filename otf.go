// SPDX-License-Identifier: GPL-3.0

package tsch

import (
	"fmt"
	"math"
)

// otfAlpha is the moving-average smoothing factor for per-RX-source
// incoming traffic.
const otfAlpha = 0.5

// otfStartMin is the smoothed incoming rate (packets per housekeeping
// period) below which a child RX-source is advertised STOP. The moving
// average only decays asymptotically, so exact zero never arrives.
const otfStartMin = 0.1

func otfTag(id MoteID) string { return fmt.Sprintf("otf:%d", id) }

// scheduleOTFHousekeeping arms a mote's periodic OTF tick, jittered by
// uniform(0.9,1.1) of the configured period.
func (n *Network) scheduleOTFHousekeeping(m *Mote) {
	period := jitterDuration(n.Settings.OtfHousekeepingPeriod, 0.1, m.rng)
	n.Engine.ScheduleIn(period, PriorityOTFHousekeep, otfTag(m.id), func() { n.otfHousekeeping(m) })
}

// childRxSet returns the set of neighbors m currently has an RX cell from.
func childRxSet(m *Mote) map[MoteID]bool {
	set := make(map[MoteID]bool)
	for _, c := range m.schedule {
		if c.Dir == CellRX && c.HasNeighbor {
			set[c.Neighbor] = true
		}
	}
	return set
}

// otfHousekeeping refreshes the incoming-traffic moving
// average, estimate generated traffic, size each parent's cell request
// against its traffic portion, and signal bonus-bandwidth START/STOP to
// child RX-sources.
func (n *Network) otfHousekeeping(m *Mote) {
	defer n.scheduleOTFHousekeeping(m)

	rxSet := childRxSet(m)
	for id, ni := range m.neighbors {
		if !rxSet[id] {
			ni.HasAvgIncoming = false
			ni.AvgIncoming = 0
			ni.incomingSinceHousekeeping = 0
			continue
		}
		cur := float64(ni.incomingSinceHousekeeping)
		if ni.HasAvgIncoming {
			ni.AvgIncoming = otfAlpha*cur + (1-otfAlpha)*ni.AvgIncoming
		} else {
			ni.AvgIncoming = cur
			ni.HasAvgIncoming = true
		}
		ni.incomingSinceHousekeeping = 0
	}

	if m.isRoot || !m.hasPreferred || len(m.parentSet) == 0 {
		n.signalOTF(m, rxSet)
		return
	}

	periodSec := n.Settings.OtfHousekeepingPeriod.Seconds()
	var relayRate float64
	for id := range rxSet {
		relayRate += m.neighbor(id).AvgIncoming / periodSec
	}
	ownRate := 1.0 / n.Settings.PkPeriod.Seconds()
	cycleSeconds := float64(n.Settings.SlotframeLength) * n.Settings.SlotDuration.Seconds()
	gen := (ownRate + relayRate) * cycleSeconds

	parents := make([]parentShare, 0, len(m.parentSet))
	for _, id := range m.parentSet {
		parents = append(parents, parentShare{id: id, portion: m.neighbor(id).TrafficPortion})
	}
	sortDescPortion(parents)

	carry := 0.0
	for _, p := range parents {
		if p.portion <= 0 {
			continue
		}
		etx := etxEstimate(m, p.id)
		req := int(math.Ceil(p.portion * (gen + carry) * etx))
		threshold := int(math.Ceil(p.portion * float64(n.Settings.OtfThreshold)))
		now := m.numCellsToNeighbor(p.id)
		carry = 0
		switch {
		case now < req:
			need := req - now + (threshold+1)/2
			if need > 0 {
				if n.sixtopInitiateAdd(m, p.id, CellTX, need) {
					carry = 0 // request issued; actual grant resolves asynchronously
				} else {
					carry = float64(need) // 6top couldn't accept the request now; push to next parent
				}
			}
		case now-req > threshold:
			remove := now - req - (threshold+1)/2
			if remove > 0 {
				n.sixtopInitiateDelete(m, p.id, CellTX, remove)
			}
		}
	}

	n.signalOTF(m, rxSet)
}

// signalOTF sends a child RX-source a CONTROL OTF frame advertising whether
// it currently has permission to piggyback CONTROL traffic onto a dedicated
// TX cell. A frame goes
// out only when the advertised status changes, so steady state puts no
// standing load on the shared slots.
func (n *Network) signalOTF(m *Mote, rxSet map[MoteID]bool) {
	for id := range rxSet {
		ni := m.neighbor(id)
		start := ni.AvgIncoming >= otfStartMin
		if ni.OTFSignaled && ni.OTFSignaledStart == start {
			continue
		}
		seq := m.nextSeqOut(id)
		ctrl := ControlPayload{Op: OpOTF, Peer: id, OTFStart: start, Seq: seq}
		if n.sendControl(m, id, ctrl) {
			ni.OTFSignaled = true
			ni.OTFSignaledStart = start
		}
	}
}

// parentShare pairs a parent with its current traffic portion, for
// descending-portion iteration 3.
type parentShare struct {
	id      MoteID
	portion float64
}

// sortDescPortion insertion-sorts parents by descending portion; the parent
// set is capped at 3 members so this never needs to be more than that.
func sortDescPortion(p []parentShare) {
	for i := 1; i < len(p); i++ {
		v := p[i]
		j := i - 1
		for j >= 0 && p[j].portion < v.portion {
			p[j+1] = p[j]
			j--
		}
		p[j+1] = v
	}
}

// etxEstimate returns m's current ETX estimate to neighbor, from the best
// observed TX-cell PDR to it, capped at RPL_MAX_ETX.
func etxEstimate(m *Mote, neighbor MoteID) float64 {
	best := 0.0
	for _, c := range m.schedule {
		if c.Dir == CellTX && c.HasNeighbor && c.Neighbor == neighbor {
			if pdr, ok := c.PDR(); ok && pdr > best {
				best = pdr
			}
		}
	}
	if best <= 0 {
		return rplMaxETX
	}
	etx := 1 / best
	if etx > rplMaxETX {
		etx = rplMaxETX
	}
	return etx
}
