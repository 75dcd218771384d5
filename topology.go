// SPDX-License-Identifier: GPL-3.0

package tsch

import "math"

// Topology is the external collaborator that maps an effective RSSI to a
// packet delivery ratio and that fills in each mote's per-neighbor
// RSSI before boot. Placement, mobility, and the statistics this
// produces at end-of-run are this package's caller's responsibility; only
// the RSSI/PDR boundary is in scope here.
type Topology interface {
	// RSSIToPDR maps an effective RSSI (dBm) to a delivery ratio in [0,1].
	// Implementations must be monotone non-decreasing.
	RSSIToPDR(rssiDbm float64) float64
}

// RSSITable is a caller-supplied, precomputed pairwise RSSI table: an
// external collaborator fills this in (e.g. from real measurements or a
// placement/mobility model) before calling Init.
type RSSITable map[MoteID]map[MoteID]float64

// Init copies rssi entries into each mote's neighbor map, which is the only
// thing Init does: it does not place motes or derive RSSI from distance
// (SquarePlacement.BuildRSSITable builds such a table from positions).
func Init(motes map[MoteID]*Mote, rssi RSSITable) {
	for id, m := range motes {
		row, ok := rssi[id]
		if !ok {
			continue
		}
		for nid, r := range row {
			if nid == id {
				continue
			}
			ni := m.neighbor(nid)
			ni.RSSI = r
			ni.HasRSSI = true
		}
	}
}

// StaircaseTopology is a simple, monotone RSSI->PDR mapping: 0 below a
// floor, 1 above a ceiling, and linear in between. It approximates the
// usual staircase from 0 near -97 dBm to 1 above about -85 dBm closely
// enough for demos and tests without claiming PHY accuracy.
type StaircaseTopology struct {
	FloorDbm   float64
	CeilingDbm float64
}

// NewStaircaseTopology returns the default -97/-85 dBm staircase.
func NewStaircaseTopology() StaircaseTopology {
	return StaircaseTopology{FloorDbm: -97, CeilingDbm: -85}
}

// RSSIToPDR implements Topology.
func (t StaircaseTopology) RSSIToPDR(rssiDbm float64) float64 {
	switch {
	case rssiDbm <= t.FloorDbm:
		return 0
	case rssiDbm >= t.CeilingDbm:
		return 1
	default:
		return (rssiDbm - t.FloorDbm) / (t.CeilingDbm - t.FloorDbm)
	}
}

// SquarePlacement is a convenience default for motes on a side x side
// square. It derives RSSI from a simple log-distance path-loss model; the
// positions themselves are supplied by the caller.
type SquarePlacement struct {
	Side      float64 // meters
	TxPowerDbm float64
	PathLossExp float64
	RefDistM  float64
	RefLossDb float64
}

// NewSquarePlacement returns a SquarePlacement with representative 802.15.4
// link-budget constants.
func NewSquarePlacement(side float64) SquarePlacement {
	return SquarePlacement{
		Side:        side,
		TxPowerDbm:  0,
		PathLossExp: 2.4,
		RefDistM:    1,
		RefLossDb:   40,
	}
}

// RSSI returns the modeled RSSI (dBm) between two points at the given
// distance using a log-distance path-loss model.
func (s SquarePlacement) RSSI(distM float64) float64 {
	if distM < s.RefDistM {
		distM = s.RefDistM
	}
	lossDb := s.RefLossDb + 10*s.PathLossExp*math.Log10(distM/s.RefDistM)
	return s.TxPowerDbm - lossDb
}

// Point is a 2-D coordinate in meters.
type Point struct {
	X, Y float64
}

// MoteReport is one mote's entry in an end-of-run TopologyReport:
// its position (if a caller supplied one), its neighbor RSSI/PDR as last
// known by its own neighbor table, and its average battery charge consumed
// per cycle over the run.
type MoteReport struct {
	ID               MoteID
	Position         Point
	HasPosition      bool
	NeighborRSSI     map[MoteID]float64
	NeighborPDR      map[MoteID]float64
	AvgChargePerCycle float64
}

// TopologyReport is the end-of-run record described: per-mote
// positions, pairwise RSSI/PDR as observed, and average charge per cycle.
// Building this is the caller's responsibility in general, but since
// the inputs (positions, neighbor tables, cumulative charge) all live
// inside the module, BuildTopologyReport is offered as a convenience.
type TopologyReport struct {
	Motes []MoteReport
}

// BuildTopologyReport assembles a TopologyReport from the network's current
// mote neighbor tables and cumulative charge, dividing by numCycles to get
// the average charge per cycle. positions may be nil when the caller placed
// motes some other way and does not want positions in the report.
func BuildTopologyReport(n *Network, positions map[MoteID]Point, numCycles int) TopologyReport {
	report := TopologyReport{Motes: make([]MoteReport, 0, len(n.order))}
	for _, id := range n.order {
		m := n.Motes[id]
		mr := MoteReport{
			ID:           id,
			NeighborRSSI: make(map[MoteID]float64, len(m.neighbors)),
			NeighborPDR:  make(map[MoteID]float64, len(m.neighbors)),
		}
		if pt, ok := positions[id]; ok {
			mr.Position = pt
			mr.HasPosition = true
		}
		for nid, ni := range m.neighbors {
			if !ni.HasRSSI {
				continue
			}
			mr.NeighborRSSI[nid] = ni.RSSI
			mr.NeighborPDR[nid] = n.Prop.TopologyPDR(ni.RSSI)
		}
		if numCycles > 0 {
			mr.AvgChargePerCycle = n.Stats.TotalCharge(id) / float64(numCycles)
		}
		report.Motes = append(report.Motes, mr)
	}
	return report
}

// BuildRSSITable derives a symmetric pairwise RSSI table from mote
// positions using the receiver's path-loss model.
func (s SquarePlacement) BuildRSSITable(positions map[MoteID]Point) RSSITable {
	t := make(RSSITable, len(positions))
	for a, pa := range positions {
		t[a] = make(map[MoteID]float64, len(positions)-1)
		for b, pb := range positions {
			if a == b {
				continue
			}
			dx, dy := pa.X-pb.X, pa.Y-pb.Y
			d := math.Hypot(dx, dy)
			t[a][b] = s.RSSI(d)
		}
	}
	return t
}
