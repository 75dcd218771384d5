// SPDX-License-Identifier: GPL-3.0

package tsch

import "math/rand"

// Network is the explicit context shared by every mote: it replaces the
// ambient singleton engine/propagation/settings objects of the original
// simulator with values passed into constructors.
type Network struct {
	Settings Settings
	Engine   *Engine
	Prop     *Propagation
	Stats    *Stats
	Motes    map[MoteID]*Mote

	rng   *rand.Rand
	order []MoteID // insertion order, for deterministic iteration where it matters
}

// NewNetwork constructs a Network around the given settings. seed makes a
// run's randomized choices (drift, channel selection, CSMA backoff, the
// uniform draws against each reception's PDR) reproducible.
func NewNetwork(settings Settings, seed int64) *Network {
	n := &Network{
		Settings: settings,
		Engine:   NewEngine(settings.SlotDuration),
		Motes:    make(map[MoteID]*Mote),
		rng:      rand.New(rand.NewSource(seed)),
	}
	n.Stats = NewStats()
	n.Prop = NewPropagation(n)
	return n
}

// AddMote creates and registers a new mote. Motes are created at run start
// and destroyed only at run end.
func (n *Network) AddMote(id MoteID, isRoot bool) *Mote {
	m := newMote(id, isRoot, n, n.rng)
	n.Motes[id] = m
	n.order = append(n.order, id)
	return n.Motes[id]
}

// Mote looks up a mote by id.
func (n *Network) Mote(id MoteID) (*Mote, bool) {
	m, ok := n.Motes[id]
	return m, ok
}

// Boot installs SHARED slots on every mote and starts the periodic RPL/OTF/
// 6top housekeeping and (for non-root motes) application traffic
// generation, then schedules the propagation resolver and the first active
// cell on every mote.
func (n *Network) Boot() {
	for _, id := range n.order {
		m := n.Motes[id]
		installSharedSlots(m, n.Settings)
		n.scheduleNextActiveCell(m)
		n.scheduleDIO(m)
		n.scheduleOTFHousekeeping(m)
		n.scheduleSixtopHousekeeping(m)
		if !m.isRoot {
			n.scheduleAppSend(m)
		}
	}
	if !n.Settings.Bootstrap || n.Settings.IdealAllocation {
		n.seedRoutes()
	}
	if n.Settings.IdealAllocation {
		n.idealAllocate()
	}
	n.Prop.scheduleAt(n.Engine.ASN())
}

// seedRoutes floods every ranked mote's DIO repeatedly until ranks stop
// changing, so the DAG is fully formed at ASN 0 instead of converging over
// the first few DIO periods. Used when the bootstrap phase is disabled or
// when cells are to be pre-allocated along the converged routes.
func (n *Network) seedRoutes() {
	for pass := 0; pass < len(n.order); pass++ {
		changed := false
		for _, id := range n.order {
			m := n.Motes[id]
			if !m.hasRank {
				continue
			}
			before := make(map[MoteID]float64, len(n.order))
			for _, rid := range n.order {
				if r := n.Motes[rid]; r.hasRank {
					before[rid] = r.rank
				}
			}
			n.emitDIO(m)
			for _, rid := range n.order {
				r := n.Motes[rid]
				if r.hasRank && before[rid] != r.rank {
					changed = true
				}
			}
		}
		if !changed {
			break
		}
	}
}

// idealAllocate installs one TX cell from every routed mote to its preferred
// parent directly, bypassing 6top negotiation, so runs comparing scheduling
// policies can start from a centrally computed baseline allocation.
func (n *Network) idealAllocate() {
	for _, id := range n.order {
		m := n.Motes[id]
		if m.isRoot || !m.hasPreferred {
			continue
		}
		parent, ok := n.Motes[m.preferredParent]
		if !ok || m.numCellsToNeighbor(parent.id) > 0 {
			continue
		}
		for off := 0; off < n.Settings.SlotframeLength; off++ {
			if _, used := m.schedule[off]; used {
				continue
			}
			if _, used := parent.schedule[off]; used {
				continue
			}
			ch, found := n.chooseChannel(m, parent, off)
			if !found {
				continue
			}
			asn := n.Engine.ASN()
			m.schedule[off] = &Cell{Ch: ch, Dir: CellTX, Neighbor: parent.id, HasNeighbor: true, CreatedASN: asn}
			m.reserve[off][ch] = true
			parent.schedule[off] = &Cell{Ch: ch, Dir: CellRX, Neighbor: m.id, HasNeighbor: true, CreatedASN: asn}
			parent.reserve[off][ch] = true
			n.refreshNeighborCounts(m, parent.id, CellTX)
			n.refreshNeighborCounts(parent, m.id, CellRX)
			break
		}
	}
}

// Run advances the engine for the configured number of cycles, polling
// stats at each cycle boundary into sink. Boot must have been called first.
func (n *Network) Run(sink Sink, runNum int) {
	cycleLen := ASN(n.Settings.SlotframeLength)
	for cycle := 1; cycle <= n.Settings.NumCyclesPerRun; cycle++ {
		n.Engine.Run(cycleLen * ASN(cycle))
		if sink != nil {
			sink.Poll(n.Stats.Collect(runNum, cycle, n))
		}
	}
	n.Engine.Finish()
}
