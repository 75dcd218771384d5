// SPDX-License-Identifier: GPL-3.0

package tsch

import "fmt"

func sixtopTag(id MoteID) string { return fmt.Sprintf("sixtop:%d", id) }

// scheduleSixtopHousekeeping arms a mote's periodic 6top housekeeping tick
//: initiator-side transaction timeout counting, worst-cell
// relocation, and RX-collision relocation.
func (n *Network) scheduleSixtopHousekeeping(m *Mote) {
	period := jitterDuration(n.Settings.TopHousekeepingPeriod, 0.1, m.rng)
	n.Engine.ScheduleIn(period, PrioritySixtopHousekeep, sixtopTag(m.id), func() { n.sixtopHousekeeping(m) })
}

func (n *Network) sixtopHousekeeping(m *Mote) {
	defer n.scheduleSixtopHousekeeping(m)

	if m.pending != nil && m.pending.Kind == PendingMoteRequest {
		m.pending.Retries++
		if m.pending.Retries >= transactionTimeout {
			n.abortTransaction(m)
		}
	}

	if n.Settings.NoTopHousekeeping {
		return
	}
	n.topWorstCellRelocation(m)
	n.topRxRelocation(m)
}

// usedSlotOffsets returns m's currently scheduled slot offsets, used as the
// peerUsedSlots hint carried in a 6top req so the responder avoids colliding
// with the initiator's own schedule.
func usedSlotOffsets(m *Mote) []int {
	out := make([]int, 0, len(m.schedule))
	for off := range m.schedule {
		out = append(out, off)
	}
	return out
}

// shuffleInts performs an in-place Fisher-Yates shuffle using the mote's own
// rng, matching the "shuffled" slot-selection order
func shuffleInts(rng interface{ Intn(int) int }, s []int) {
	for i := len(s) - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		s[i], s[j] = s[j], s[i]
	}
}

// chooseChannel picks a channel at offset off that neither a nor b's reserve
// table marks as taken, shuffled so repeated negotiations don't all land on
// channel 0.
func (n *Network) chooseChannel(a, b *Mote, off int) (int, bool) {
	chans := make([]int, n.Settings.NumChans)
	for i := range chans {
		chans[i] = i
	}
	shuffleInts(a.rng, chans)
	for _, ch := range chans {
		if off < len(a.reserve) && ch < len(a.reserve[off]) && a.reserve[off][ch] {
			continue
		}
		if off < len(b.reserve) && ch < len(b.reserve[off]) && b.reserve[off][ch] {
			continue
		}
		return ch, true
	}
	return 0, false
}

// sendControl dispatches a CONTROL packet either through the normal
// queue/MAC path, or-- when Queuing is synchronous
// -- as a direct call into the peer's handling, bypassing the shared-slot
// CSMA entirely.
func (n *Network) sendControl(src *Mote, dst MoteID, ctrl ControlPayload) bool {
	if n.Settings.Queuing == QueuingSynchronous {
		dstMote, ok := n.Mote(dst)
		if !ok {
			return false
		}
		n.dispatchControl(dstMote, src, &ctrl)
		return true
	}
	pkt := newControlPacket(src.id, n.Engine.ASN(), ctrl)
	return n.enqueueControl(src, pkt, ctrl.Op == OpAnswer)
}

// dispatchControl applies a CONTROL payload's effect directly; rxControlDone
// applies the same per-op handlers to frames that actually traveled over the
// air, so synchronous and queued negotiation share one interpretation.
func (n *Network) dispatchControl(recv, sender *Mote, ctrl *ControlPayload) {
	switch ctrl.Op {
	case OpReq:
		n.sixtopHandleReq(recv, sender, ctrl)
	case OpAnswer:
		n.sixtopHandleAnswer(recv, sender, ctrl)
	case OpConfirmation:
		n.sixtopHandleConfirmation(recv, sender, ctrl)
	case OpOTF:
		recv.neighbor(sender.id).OTFStart = ctrl.OTFStart
	}
}

// sixtopInitiateAdd starts the initiator side of a two-phase cell-add
// negotiation for numCells cells in direction dir, relative to m.
// It fails (returning false) if m already has a pending transaction or
// already triggered an unanswered request to peer.
func (n *Network) sixtopInitiateAdd(m *Mote, peer MoteID, dir CellDir, numCells int) bool {
	if numCells <= 0 || m.pending != nil {
		return false
	}
	ni := m.neighbor(peer)
	if ni.RequestTriggered {
		return false
	}
	if _, ok := n.Mote(peer); !ok {
		return false
	}
	ni.RequestTriggered = true
	seq := m.nextSeqOut(peer)
	m.pending = &PendingTransaction{Kind: PendingMoteRequest, Peer: peer, Dir: dir, Seq: seq}
	ctrl := ControlPayload{
		Op:        OpReq,
		Peer:      peer,
		Dir:       dir,
		NumCells:  numCells,
		UsedSlots: usedSlotOffsets(m),
		Seq:       seq,
	}
	if !n.sendControl(m, peer, ctrl) {
		m.pending = nil
		ni.RequestTriggered = false
		m.stats.DroppedAppFailedEnqueueControl++
		return false
	}
	return true
}

// sixtopHandleReq implements the responder side of a cell-add request
//: pick candidate slots the initiator didn't report as used and that
// aren't already in the responder's own schedule, choose an uncontended
// channel for each, install them, and answer.
func (n *Network) sixtopHandleReq(responder, initiator *Mote, ctrl *ControlPayload) {
	if responder.pending != nil {
		// A concurrent transaction is in flight; the request is dropped and
		// the initiator will time out and retry.
		return
	}

	avoid := make(map[int]bool, len(ctrl.UsedSlots))
	for _, s := range ctrl.UsedSlots {
		avoid[s] = true
	}
	candidates := make([]int, 0, n.Settings.SlotframeLength)
	for off := 0; off < n.Settings.SlotframeLength; off++ {
		if avoid[off] {
			continue
		}
		if _, used := responder.schedule[off]; used {
			continue
		}
		candidates = append(candidates, off)
	}
	shuffleInts(responder.rng, candidates)

	respDir := ctrl.Dir.Inverse()
	installed := make([]CellRef, 0, ctrl.NumCells)
	for _, off := range candidates {
		if len(installed) >= ctrl.NumCells {
			break
		}
		ch, ok := n.chooseChannel(responder, initiator, off)
		if !ok {
			responder.stats.ScheduleCollisions++
			continue
		}
		responder.schedule[off] = &Cell{Ch: ch, Dir: respDir, Neighbor: initiator.id, HasNeighbor: true, CreatedASN: n.Engine.ASN()}
		responder.reserve[off][ch] = true
		installed = append(installed, CellRef{Slot: off, Ch: ch})
	}
	n.refreshNeighborCounts(responder, initiator.id, respDir)

	responder.pending = &PendingTransaction{Kind: PendingParentAdds, Peer: initiator.id, Dir: respDir, Cells: installed, Seq: ctrl.Seq}
	answerSeq := responder.nextSeqOut(initiator.id)
	answer := ControlPayload{Op: OpAnswer, Peer: initiator.id, Dir: respDir, Cells: installed, Seq: answerSeq}
	n.sendControl(responder, initiator.id, answer)
}

// sixtopHandleAnswer implements the initiator side on receipt of an answer
//: install whichever offered cells aren't already present, then send
// a confirmation naming exactly what was installed.
func (n *Network) sixtopHandleAnswer(initiator, responder *Mote, ctrl *ControlPayload) {
	if initiator.pending == nil || initiator.pending.Kind != PendingMoteRequest || initiator.pending.Peer != responder.id {
		return
	}
	dir := initiator.pending.Dir
	installed := make([]CellRef, 0, len(ctrl.Cells))
	for _, cr := range ctrl.Cells {
		if _, exists := initiator.schedule[cr.Slot]; exists {
			continue
		}
		initiator.schedule[cr.Slot] = &Cell{Ch: cr.Ch, Dir: dir, Neighbor: responder.id, HasNeighbor: true, CreatedASN: n.Engine.ASN()}
		initiator.reserve[cr.Slot][cr.Ch] = true
		installed = append(installed, cr)
	}
	n.refreshNeighborCounts(initiator, responder.id, dir)

	confirmSeq := initiator.nextSeqOut(responder.id)
	confirm := ControlPayload{Op: OpConfirmation, Peer: responder.id, Dir: dir, Cells: installed, Seq: confirmSeq}
	n.sendControl(initiator, responder.id, confirm)

	initiator.pending = nil
	initiator.neighbor(responder.id).RequestTriggered = false
}

// sixtopHandleConfirmation implements the responder side on receipt of a
// confirmation: any cell the responder speculatively installed but
// the initiator didn't confirm is rolled back, keeping both schedules in
// agreement.
func (n *Network) sixtopHandleConfirmation(responder, initiator *Mote, ctrl *ControlPayload) {
	if responder.pending == nil || responder.pending.Kind != PendingParentAdds || responder.pending.Peer != initiator.id {
		responder.pending = nil
		return
	}
	confirmed := make(map[int]bool, len(ctrl.Cells))
	for _, cr := range ctrl.Cells {
		confirmed[cr.Slot] = true
	}
	dir := responder.pending.Dir
	for _, cr := range responder.pending.Cells {
		if confirmed[cr.Slot] {
			continue
		}
		if c, ok := responder.schedule[cr.Slot]; ok && c.HasNeighbor && c.Neighbor == initiator.id {
			delete(responder.schedule, cr.Slot)
			responder.reserve[cr.Slot][c.Ch] = false
		}
	}
	n.refreshNeighborCounts(responder, initiator.id, dir)
	responder.pending = nil
}

// abortTransaction rolls back any cells installed on m's side of its own
// pending transaction and clears it, raising transactionAborted.
func (n *Network) abortTransaction(m *Mote) {
	if m.pending == nil {
		return
	}
	dir := m.pending.Dir
	peer := m.pending.Peer
	for _, cr := range m.pending.Cells {
		if c, ok := m.schedule[cr.Slot]; ok && c.HasNeighbor && c.Neighbor == peer {
			delete(m.schedule, cr.Slot)
			m.reserve[cr.Slot][c.Ch] = false
		}
	}
	n.refreshNeighborCounts(m, peer, dir)
	m.pending = nil
	m.neighbor(peer).RequestTriggered = false
	m.stats.TransactionAborted++
	if logEvents {
		logf(n.Engine.ASN(), m.id, "aborted transaction with %d", peer)
	}
}

// refreshNeighborCounts recomputes the cached cells-to/cells-from counters
// for one neighbor after a schedule mutation.
func (n *Network) refreshNeighborCounts(m *Mote, peer MoteID, dir CellDir) {
	ni := m.neighbor(peer)
	if dir == CellTX {
		ni.CellsTo = m.numCellsToNeighbor(peer)
	} else if dir == CellRX {
		ni.CellsFrom = m.numCellsFromNeighbor(peer)
	}
}

// sixtopInitiateDelete removes up to count of m's own dir-cells to peer and
// tells peer to drop the matching cells on its side.
func (n *Network) sixtopInitiateDelete(m *Mote, peer MoteID, dir CellDir, count int) {
	n.sixtopDeleteSlots(m, peer, dir, nil, count)
}

// sixtopDeleteSlots is sixtopInitiateDelete generalized to a specific slot
// list, used by worst-cell and RX relocation to target an exact cell.
func (n *Network) sixtopDeleteSlots(m *Mote, peer MoteID, dir CellDir, slots []int, count int) {
	peerMote, ok := n.Mote(peer)
	if !ok {
		return
	}
	var chosen []int
	if len(slots) > 0 {
		chosen = slots
	} else {
		for off, c := range m.schedule {
			if len(chosen) >= count {
				break
			}
			if c.Dir == dir && c.HasNeighbor && c.Neighbor == peer {
				chosen = append(chosen, off)
			}
		}
	}
	if len(chosen) > count {
		chosen = chosen[:count]
	}
	var removed []int
	for _, off := range chosen {
		c, ok := m.schedule[off]
		if !ok || c.Dir != dir || !c.HasNeighbor || c.Neighbor != peer {
			continue
		}
		delete(m.schedule, off)
		m.reserve[off][c.Ch] = false
		removed = append(removed, off)
	}
	if len(removed) == 0 {
		return
	}
	n.refreshNeighborCounts(m, peer, dir)
	n.topCellDeletionReceiver(peerMote, m.id, dir.Inverse(), removed)
}

// topCellDeletionReceiver removes the cells matching offs, direction
// peerDir, and neighbor from on peer's schedule: the passive side of a 6top
// delete.
func (n *Network) topCellDeletionReceiver(peer *Mote, from MoteID, peerDir CellDir, offs []int) {
	for _, off := range offs {
		if c, ok := peer.schedule[off]; ok && c.HasNeighbor && c.Neighbor == from && c.Dir == peerDir {
			delete(peer.schedule, off)
			peer.reserve[off][c.Ch] = false
		}
	}
	n.refreshNeighborCounts(peer, from, peerDir)
}

// topWorstCellRelocation performs worst-cell relocation: per TX
// bundle (cells sharing a neighbor), relocate the single worst cell if it's
// far enough below the average of the bundle's other cells, else relocate the whole bundle one
// cell at a time if the bundle as a whole undershoots the link's
// theoretical PDR.
func (n *Network) topWorstCellRelocation(m *Mote) {
	if n.Settings.NoRemoveWorstCell {
		return
	}
	byNeighbor := make(map[MoteID][]int)
	for off, c := range m.schedule {
		if c.Dir == CellTX && c.HasNeighbor {
			byNeighbor[c.Neighbor] = append(byNeighbor[c.Neighbor], off)
		}
	}

	type cellPDR struct {
		off int
		pdr float64
	}
	for peer, offs := range byNeighbor {
		if m.pending != nil && m.pending.Peer == peer {
			continue
		}
		var defined []cellPDR
		for _, off := range offs {
			if pdr, ok := m.schedule[off].PDR(); ok {
				defined = append(defined, cellPDR{off, pdr})
			}
		}
		if len(defined) == 0 {
			continue
		}

		worstIdx := 0
		var sumAll float64
		for i, d := range defined {
			sumAll += d.pdr
			if d.pdr < defined[worstIdx].pdr {
				worstIdx = i
			}
		}
		worst := defined[worstIdx]

		var sumRest float64
		var cntRest int
		for i, d := range defined {
			if i == worstIdx {
				continue
			}
			sumRest += d.pdr
			cntRest++
		}

		if cntRest > 0 && worst.pdr < (sumRest/float64(cntRest))/n.Settings.TopPdrThreshold {
			if n.sixtopInitiateAdd(m, peer, CellTX, topTxRelocateAtOnce) {
				n.sixtopDeleteSlots(m, peer, CellTX, []int{worst.off}, topTxRelocateAtOnce)
				m.stats.TopTxRelocatedCells++
				if logEvents {
					logf(n.Engine.ASN(), m.id, "relocated worst cell ts=%d to %d", worst.off, peer)
				}
			}
			continue
		}

		peerMote, ok := n.Mote(peer)
		if !ok {
			continue
		}
		theoretical := n.Prop.TopologyPDR(rssiAt(peerMote, m))
		avgAll := sumAll / float64(len(defined))
		if theoretical > 0 && avgAll < theoretical/n.Settings.TopPdrThreshold {
			for _, d := range defined {
				if m.pending != nil {
					break // at most one pending transaction per mote
				}
				if n.sixtopInitiateAdd(m, peer, CellTX, topTxRelocateAtOnce) {
					n.sixtopDeleteSlots(m, peer, CellTX, []int{d.off}, topTxRelocateAtOnce)
					m.stats.TopTxRelocatedCells++
				}
			}
		}
	}
}

// topRxRelocation performs RX relocation: for each RX cell that
// detected a collision, add a replacement RX cell from the same neighbor
// and only then remove the colliding one -- gated on numCellsFromNeighbor
// having strictly increased, which is this module's resolution of the
// add/remove ordering ambiguity flagged
func (n *Network) topRxRelocation(m *Mote) {
	type target struct {
		off  int
		peer MoteID
	}
	var targets []target
	for off, c := range m.schedule {
		if c.Dir == CellRX && c.HasNeighbor && c.RxDetectedCollision {
			targets = append(targets, target{off, c.Neighbor})
		}
	}
	for _, t := range targets {
		c, ok := m.schedule[t.off]
		if !ok || !c.RxDetectedCollision {
			continue
		}
		if m.pending != nil && m.pending.Peer == t.peer {
			continue
		}
		before := m.numCellsFromNeighbor(t.peer)
		if !n.sixtopInitiateAdd(m, t.peer, CellRX, 1) {
			continue
		}
		if m.numCellsFromNeighbor(t.peer) > before {
			n.sixtopDeleteSlots(m, t.peer, CellRX, []int{t.off}, 1)
		}
		c.RxDetectedCollision = false
	}
}
