// SPDX-License-Identifier: GPL-3.0

package tsch

import "sort"

// rxEntry is one mote listening on a channel during the current ASN.
type rxEntry struct {
	mote *Mote
	ch   int
	cell *Cell // the cell the mote is using to listen, for collision flagging
}

// txEntry is one transmission attempted during the current ASN.
type txEntry struct {
	ch   int
	smac *Mote
	dmac *Mote
	pkt  *Packet
	cell *Cell // the TX/SHARED cell used, for stats
}

// inboundFrame is what a successfully captured transmission delivers to
// rxDone; a nil *inboundFrame models the "call with no args" idle/failure
// outcome
type inboundFrame struct {
	pkt  *Packet
	smac *Mote
}

// Propagation resolves one ASN's worth of TX/RX intents into delivery
// outcomes, including SINR-based capture and interferer lock-on. The
// receivers/transmissions lists are valid only within the ASN currently
// being resolved.
type Propagation struct {
	net           *Network
	receivers     []rxEntry
	transmissions []txEntry
	topo          Topology
}

// NewPropagation returns a Propagation bound to net, using the default
// staircase RSSI->PDR mapping until SetTopology installs another.
func NewPropagation(net *Network) *Propagation {
	return &Propagation{net: net, topo: NewStaircaseTopology()}
}

// SetTopology installs the RSSI->PDR mapping used for capture resolution.
func (p *Propagation) SetTopology(t Topology) { p.topo = t }

// TopologyPDR exposes the installed RSSI->PDR mapping to 6top's worst-cell
// relocation, which needs the theoretical PDR of a link independent of any
// cell's observed history.
func (p *Propagation) TopologyPDR(rssiDbm float64) float64 { return p.topo.RSSIToPDR(rssiDbm) }

// StartRx registers mote as listening on ch for the current ASN.
func (p *Propagation) StartRx(m *Mote, ch int, cell *Cell) {
	p.receivers = append(p.receivers, rxEntry{mote: m, ch: ch, cell: cell})
}

// StartTx registers a transmission from smac to dmac on ch for the current
// ASN.
func (p *Propagation) StartTx(ch int, smac, dmac *Mote, pkt *Packet, cell *Cell) {
	p.transmissions = append(p.transmissions, txEntry{ch: ch, smac: smac, dmac: dmac, pkt: pkt, cell: cell})
}

// scheduleAt installs the propagation resolver at the given ASN; resolve
// re-arms it for the following ASN each time it fires.
func (p *Propagation) scheduleAt(asn ASN) {
	p.net.Engine.ScheduleAtASN(asn, PriorityPropagation, "propagation", p.resolve)
}

// rssiAt returns the RSSI (dBm) of src as seen at dst, or a very weak
// sentinel if dst has no recorded link to src.
func rssiAt(dst, src *Mote) float64 {
	n, ok := dst.neighbors[src.id]
	if !ok || !n.HasRSSI {
		return -999
	}
	return n.RSSI
}

// resolve runs the per-ASN capture/interference algorithm and then
// re-arms itself for the next ASN.
func (p *Propagation) resolve() {
	defer func() {
		p.receivers = nil
		p.transmissions = nil
		p.scheduleAt(p.net.Engine.ASN() + 1)
	}()

	if len(p.transmissions) == 0 {
		for _, r := range p.receivers {
			r.mote.rxDone(r.cell, nil)
		}
		return
	}

	// Step 1: reorder so CONTROL answers precede other frames, for
	// arrival-time computation only.
	ordered := make([]txEntry, len(p.transmissions))
	copy(ordered, p.transmissions)
	sort.SliceStable(ordered, func(i, j int) bool {
		return isAnswer(ordered[i].pkt) && !isAnswer(ordered[j].pkt)
	})

	// Step 2: arrival time per transmitter.
	arrival := make(map[*Mote]float64, len(ordered))
	for _, t := range ordered {
		if _, ok := arrival[t.smac]; !ok {
			arrival[t.smac] = t.smac.calcTime()
		}
	}

	remaining := make([]rxEntry, len(p.receivers))
	copy(remaining, p.receivers)
	removeReceiver := func(target rxEntry) {
		for i, r := range remaining {
			if r.mote == target.mote && r.ch == target.ch {
				remaining = append(remaining[:i], remaining[i+1:]...)
				return
			}
		}
	}

	for _, t := range ordered {
		acked, nacked, _ := p.resolveTransmission(t, &remaining, removeReceiver, arrival)
		t.smac.chargeTX()
		t.smac.txDone(t.pkt, t.cell, acked, nacked)
	}

	// Step 5/6: leftover receivers were never any transmission's dmac; run
	// the same lock-on analysis purely to flag rxDetectedCollision, then
	// call with no args.
	for _, r := range remaining {
		p.resolveIdleListener(r, arrival)
	}
}

func isAnswer(p *Packet) bool {
	return p != nil && p.Type == CONTROL && p.Control != nil && p.Control.Op == OpAnswer
}

// countCollision attributes a collision event to the right MoteStats
// counter, splitting DATA from CONTROL, and CONTROL further by whether it
// was a 6top ANSWER, a 6top REQUEST, or some other control op. A reception
// with interferers present is counted once with effective=false; if the
// receiver then captured an interferer, so the desired frame was lost, it
// is counted again with effective=true, which adds only to the effective
// counters.
func countCollision(m *Mote, pkt *Packet, effective bool) {
	if pkt == nil || pkt.Type != CONTROL {
		if effective {
			m.stats.EffectiveCollidedTxs++
			return
		}
		m.stats.CollidedTxs++
		return
	}
	if effective {
		m.stats.EffectiveCollidedControls++
		return
	}
	m.stats.CollidedControls++
	if pkt.Control == nil {
		return
	}
	switch pkt.Control.Op {
	case OpAnswer:
		m.stats.CollidedAnswers++
	case OpReq:
		m.stats.CollidedRequests++
	}
}

// resolveTransmission scans remaining receivers for t's destination,
// applying capture/lock-on, and reports t's isACKed/isNACKed outcome.
func (p *Propagation) resolveTransmission(t txEntry, remaining *[]rxEntry, remove func(rxEntry), arrival map[*Mote]float64) (acked, nacked, matched bool) {
	for _, r := range *remaining {
		if r.ch != t.ch || r.mote != t.dmac {
			continue
		}
		matched = true

		interferers := p.interferersFor(r.mote, t.ch, t)
		if len(interferers) > 0 {
			countCollision(r.mote, t.pkt, false)
			r.cell.NumRxCollision++
			t.cell.NumTxCollision++
		}
		lockOn := p.lockOn(t, interferers, arrival)

		if lockOn == t.smac {
			rssi := rssiAt(r.mote, t.smac)
			var iRSSI []float64
			if !p.net.Settings.NoInterference {
				for _, itf := range interferers {
					iRSSI = append(iRSSI, rssiAt(r.mote, itf.smac))
				}
			}
			pdr := pdrForSINR(rssi, r.mote.noisePower, iRSSI, p.topo)
			if pdr >= r.mote.rng.Float64() {
				a, n := r.mote.rxDone(r.cell, &inboundFrame{pkt: t.pkt, smac: t.smac})
				acked, nacked = a, n
			} else {
				r.mote.rxDone(r.cell, nil)
			}
		} else {
			pseudoInterferers := make([]*Mote, 0, len(interferers)+1)
			for _, itf := range interferers {
				if itf.smac != lockOn {
					pseudoInterferers = append(pseudoInterferers, itf.smac)
				}
			}
			pseudoInterferers = append(pseudoInterferers, t.smac)
			var iRSSI []float64
			for _, s := range pseudoInterferers {
				iRSSI = append(iRSSI, rssiAt(r.mote, s))
			}
			pdr := pdrForSINR(rssiAt(r.mote, lockOn), r.mote.noisePower, iRSSI, p.topo)
			if pdr >= r.mote.rng.Float64() {
				r.cell.RxDetectedCollision = true
				countCollision(r.mote, t.pkt, true)
			}
			r.mote.rxDone(r.cell, nil)
		}
		remove(r)
		return
	}
	return false, false, false
}

// resolveIdleListener applies the same lock-on analysis to a receiver that
// was never any transmission's intended destination, purely to detect a
// stray capture worth flagging as a collision on its own cell.
func (p *Propagation) resolveIdleListener(r rxEntry, arrival map[*Mote]float64) {
	var onChannel []txEntry
	for _, t := range p.transmissions {
		if t.ch == r.ch && rssiAt(r.mote, t.smac) > r.mote.minRssi {
			onChannel = append(onChannel, t)
		}
	}
	if len(onChannel) == 0 {
		r.mote.rxDone(r.cell, nil)
		return
	}
	best := onChannel[0]
	for _, t := range onChannel[1:] {
		if arrival[t.smac] < arrival[best.smac] {
			best = t
		}
	}
	var iRSSI []float64
	for _, t := range onChannel {
		if t.smac != best.smac {
			iRSSI = append(iRSSI, rssiAt(r.mote, t.smac))
		}
	}
	pdr := pdrForSINR(rssiAt(r.mote, best.smac), r.mote.noisePower, iRSSI, p.topo)
	if pdr >= r.mote.rng.Float64() {
		r.cell.RxDetectedCollision = true
	}
	r.mote.rxDone(r.cell, nil)
}

// interferersFor returns the transmissions, other than self, on ch whose
// RSSI at dst exceeds dst's minRssi. When NoInterference is set this is
// always empty and solo-SINR is used instead.
func (p *Propagation) interferersFor(dst *Mote, ch int, self txEntry) []txEntry {
	if p.net.Settings.NoInterference {
		return nil
	}
	var out []txEntry
	for _, t := range p.transmissions {
		if t == self || t.ch != ch {
			continue
		}
		if rssiAt(dst, t.smac) > dst.minRssi {
			out = append(out, t)
		}
	}
	return out
}

// lockOn returns the smac a receiver capturing t's channel would actually
// decode: the earliest-arriving transmitter among {t}∪interferers, or t
// itself if none qualifies.
func (p *Propagation) lockOn(t txEntry, interferers []txEntry, arrival map[*Mote]float64) *Mote {
	best := t.smac
	bestArrival := arrival[t.smac]
	for _, itf := range interferers {
		if a := arrival[itf.smac]; a < bestArrival {
			best = itf.smac
			bestArrival = a
		}
	}
	return best
}
