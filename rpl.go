// SPDX-License-Identifier: GPL-3.0

package tsch

import "fmt"

func dioTag(id MoteID) string { return fmt.Sprintf("dio:%d", id) }

// scheduleDIO arms a mote's periodic DIO emission. The DIO itself is
// modeled as a direct in-memory update to every mote within range, rather
// than a transmitted frame: RPL control traffic rides alongside data in real
// 6TiSCH deployments, but its effect on neighbor state is what this
// simulator's scheduling and cell-allocation logic actually depends on.
func (n *Network) scheduleDIO(m *Mote) {
	if !m.hasRank {
		n.Engine.ScheduleIn(n.Settings.DioPeriod, PriorityRPLDio, dioTag(m.id), func() { n.emitDIO(m) })
		return
	}
	n.emitDIO(m)
}

// emitDIO updates every other mote's record of m, triggers housekeeping on
// motes for whom this changes anything material, and reschedules itself.
func (n *Network) emitDIO(m *Mote) {
	defer n.Engine.ScheduleIn(n.Settings.DioPeriod, PriorityRPLDio, dioTag(m.id), func() { n.emitDIO(m) })

	if !m.hasRank {
		return
	}
	for _, id := range n.order {
		if id == m.id {
			continue
		}
		recv := n.Motes[id]
		ni := recv.neighbor(m.id)
		if !ni.HasRSSI {
			continue
		}
		if ni.RSSI < recv.minRssi {
			continue
		}
		ni.Rank = m.rank
		ni.DagRank = m.dagRank
		ni.HasRank = true
		ni.DIOHeard++
		if recv.isRoot {
			continue
		}
		if recv.hasPreferred && recv.preferredParent == m.id {
			recv.timeCorrectedASN = n.Engine.ASN()
		}
		if !recv.hasRank || m.rank < recv.rank {
			n.rplHousekeeping(recv)
		}
	}
}

// etxToRankIncrease converts a mote's estimated ETX to a rank increase of
// 2*minHopRankIncrease*ETX, falling back to ETX=1 when no cell history yet
// gives a PDR estimate.
func etxToRankIncrease(m *Mote, neighborID MoteID) int {
	best := 0.0
	for _, c := range m.schedule {
		if c.Dir != CellTX || !c.HasNeighbor || c.Neighbor != neighborID {
			continue
		}
		if pdr, ok := c.PDR(); ok && pdr > best {
			best = pdr
		}
	}
	etx := 1.0
	if best > 0 {
		etx = 1 / best
		if etx > rplMaxETX {
			etx = rplMaxETX
		}
	}
	return int(2 * rplMinHopRankIncrease * etx)
}

type rankCandidate struct {
	id   MoteID
	rank float64
}

// rplHousekeeping recomputes m's parent set and preferred parent,
// applying switch hysteresis, then removes TX cells left over from parents
// that fell out of the set.
func (n *Network) rplHousekeeping(m *Mote) {
	var candidates []rankCandidate
	for id, ni := range m.neighbors {
		if !ni.HasRank {
			continue
		}
		inc := float64(etxToRankIncrease(m, id))
		if inc > rplMaxRankIncrease || inc > rplMaxTotalRank-ni.Rank {
			continue
		}
		candidates = append(candidates, rankCandidate{id: id, rank: ni.Rank + inc})
	}
	if len(candidates) == 0 {
		return
	}
	for i := 1; i < len(candidates); i++ {
		c := candidates[i]
		j := i - 1
		for j >= 0 && candidates[j].rank > c.rank {
			candidates[j+1] = candidates[j]
			j--
		}
		candidates[j+1] = c
	}

	// Switch hysteresis: the incumbent preferred parent stays unless the
	// alternative is better by at least parentSwitchThreshold.
	best := candidates[0]
	if m.hasPreferred {
		for _, c := range candidates {
			if c.id == m.preferredParent {
				if c.rank < best.rank+parentSwitchThreshold {
					best = c
				}
				break
			}
		}
	}

	// Parent set membership requires rank monotonicity: only
	// neighbors whose own advertised rank is strictly below the rank self is
	// about to take may join, which keeps every member a true ancestor.
	newSet := make([]MoteID, 0, maxParentSetSize)
	newSet = append(newSet, best.id)
	for _, c := range candidates {
		if len(newSet) >= maxParentSetSize {
			break
		}
		if c.id == best.id {
			continue
		}
		if m.neighbor(c.id).Rank >= best.rank {
			continue
		}
		newSet = append(newSet, c.id)
	}

	old := m.parentSet
	if m.hasPreferred && best.id != m.preferredParent {
		m.stats.RplChurnPrefParent++
		if logEvents {
			logf(n.Engine.ASN(), m.id, "preferred parent %d -> %d", m.preferredParent, best.id)
		}
	}
	m.parentSet = newSet
	m.preferredParent = best.id
	m.hasPreferred = true
	m.rank = best.rank
	m.dagRank = int(m.rank / rplMinHopRankIncrease)

	// Traffic portion per parent: inverse-rank-normalized
	// share of outgoing load, used by OTF to size each parent's cell
	// request.
	wSum := 0.0
	wByParent := make(map[MoteID]float64, len(newSet))
	for _, id := range newSet {
		total := m.neighbor(id).Rank + float64(etxToRankIncrease(m, id))
		w := 0.0
		if total > 0 {
			w = 1 / total
		}
		wByParent[id] = w
		wSum += w
	}
	for _, id := range newSet {
		portion := 0.0
		if wSum > 0 {
			portion = wByParent[id] / wSum
		}
		m.neighbor(id).TrafficPortion = portion
	}

	for _, id := range old {
		if m.inParentSet(id) {
			continue
		}
		n.dropParentCells(m, id)
	}
}

// dropParentCells removes m's TX cells to a neighbor that left the parent
// set, via a 6top delete negotiation, unless a pending transaction with
// that neighbor is already in flight.
func (n *Network) dropParentCells(m *Mote, neighborID MoteID) {
	if m.pending != nil && m.pending.Peer == neighborID {
		return
	}
	count := m.numCellsToNeighbor(neighborID)
	if count == 0 {
		return
	}
	n.sixtopInitiateDelete(m, neighborID, CellTX, count)
}
