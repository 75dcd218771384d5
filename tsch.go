// SPDX-License-Identifier: GPL-3.0

package tsch

import "fmt"

// installSharedSlots installs the mote's SHARED cells at boot, evenly
// spaced and never removable.
func installSharedSlots(m *Mote, s Settings) {
	if s.NumSharedSlots <= 0 || s.SlotframeLength <= 0 {
		return
	}
	step := s.SlotframeLength / s.NumSharedSlots
	if step == 0 {
		step = 1
	}
	for i := 0; i < s.NumSharedSlots; i++ {
		off := i * step
		if _, exists := m.schedule[off]; exists {
			continue
		}
		m.schedule[off] = &Cell{Ch: 0, Dir: CellShared}
		m.reserve[off][0] = true
	}
}

// isSharedSlotOffset reports whether off is one of the SHARED-cell boot
// offsets for the given settings, independent of what is actually scheduled
// there now.
func isSharedSlotOffset(off int, s Settings) bool {
	if s.NumSharedSlots <= 0 {
		return false
	}
	step := s.SlotframeLength / s.NumSharedSlots
	if step == 0 {
		step = 1
	}
	return off%step == 0 && off/step < s.NumSharedSlots
}

func activeCellTag(id MoteID) string { return fmt.Sprintf("activeCell:%d", id) }

// nextOffset finds the smallest scheduled slot offset matching the
// inclusive/exclusive bound from `from`, wrapping to the smallest offset
// overall if none remains in the current frame.
func nextOffset(schedule map[int]*Cell, from int, inclusive bool) (int, bool) {
	best := -1
	for k := range schedule {
		if (inclusive && k >= from) || (!inclusive && k > from) {
			if best == -1 || k < best {
				best = k
			}
		}
	}
	if best != -1 {
		return best, true
	}
	for k := range schedule {
		if best == -1 || k < best {
			best = k
		}
	}
	return best, best != -1
}

// scheduleNextActiveCellFrom installs the mote's next active-cell event
// relative to fromOffset.
func (n *Network) scheduleNextActiveCellFrom(m *Mote, fromOffset int, inclusive bool) {
	L := n.Settings.SlotframeLength
	off, ok := nextOffset(m.schedule, fromOffset, inclusive)
	if !ok {
		return
	}
	asn := n.Engine.ASN()
	curOffset := int(asn % ASN(L))
	delta := off - curOffset
	if delta < 0 || (delta == 0 && !inclusive) {
		delta += L
	}
	target := asn + ASN(delta)
	n.Engine.ScheduleAtASN(target, PriorityActiveCell, activeCellTag(m.id), func() { n.activeCell(m) })
}

// scheduleNextActiveCell schedules a mote's first active-cell event at
// boot, picking up at or after the mote's current (boot-time) offset.
func (n *Network) scheduleNextActiveCell(m *Mote) {
	n.scheduleNextActiveCellFrom(m, int(n.Engine.ASN()%ASN(n.Settings.SlotframeLength)), true)
}

// activeCell fires a mote's per-slot action, then reschedules the
// mote's next activation.
func (n *Network) activeCell(m *Mote) {
	if m.waitingFor != waitNone && m.waitingFor != waitShared {
		panic(fmt.Sprintf("mote %d: active-cell entry invariant violated (waitingFor=%v)", m.id, m.waitingFor))
	}
	off := int(n.Engine.ASN() % ASN(n.Settings.SlotframeLength))
	cell, ok := m.schedule[off]
	if !ok {
		panic(fmt.Sprintf("mote %d: active cell fired with no schedule entry at offset %d", m.id, off))
	}
	switch cell.Dir {
	case CellShared:
		n.doShared(m, cell)
	case CellRX:
		n.doRX(m, cell)
	case CellTX:
		n.doTX(m, cell, off)
	default:
		panic(fmt.Sprintf("mote %d: unknown cell direction %v", m.id, cell.Dir))
	}
	n.scheduleNextActiveCellFrom(m, off, false)
}

// doRX implements the RX branch
func (n *Network) doRX(m *Mote, cell *Cell) {
	m.waitingFor = waitRX
	n.Prop.StartRx(m, cell.Ch, cell)
}

// doTX implements the TX branch: opportunistic CONTROL piggyback,
// else the head of the data queue, else (on a shared boot offset with a
// control channel in use) fall back to SHARED listening on channel 0.
func (n *Network) doTX(m *Mote, cell *Cell, off int) {
	if !cell.HasNeighbor {
		m.waitingFor = waitNone
		return
	}
	var pkt *Packet
	if n.Settings.Opportunist && m.pktToSendAlloc != nil && m.pktToSendAlloc.Control != nil &&
		m.pktToSendAlloc.Control.Peer == cell.Neighbor && m.controlQueued(m.pktToSendAlloc) {
		pkt = m.pktToSendAlloc
		m.pktToSendAlloc = nil
	} else if p, ok := m.dataQueue.peek(); ok {
		pkt = p
	}
	if pkt == nil {
		if n.Settings.Queuing != QueuingSynchronous && isSharedSlotOffset(off, n.Settings) {
			m.waitingFor = waitShared
			n.Prop.StartRx(m, 0, cell)
			return
		}
		m.waitingFor = waitNone
		m.chargeSleep()
		return
	}
	dmac, ok := n.Mote(cell.Neighbor)
	if !ok {
		m.waitingFor = waitNone
		return
	}
	n.Prop.StartTx(cell.Ch, m, dmac, pkt, cell)
	cell.NumTx++
	m.waitingFor = waitNone
}

// doShared implements the SHARED branch: CSMA-with-backoff queuing
// discipline, with opportunistic piggyback deferring to a dedicated TX
// cell when one exists.
func (n *Network) doShared(m *Mote, cell *Cell) {
	if m.sendCtrlDelay > 0 {
		m.sendCtrlDelay--
		m.waitingFor = waitShared
		n.Prop.StartRx(m, 0, cell)
		return
	}

	pkt, ok := m.pickControlHead()
	if !ok {
		m.waitingFor = waitShared
		n.Prop.StartRx(m, 0, cell)
		return
	}

	if n.Settings.Opportunist && n.canPiggyback(m, pkt) {
		m.pktToSendAlloc = pkt
		m.waitingFor = waitShared
		n.Prop.StartRx(m, 0, cell)
		return
	}

	dst, ok := n.controlDest(m, pkt)
	if !ok {
		m.waitingFor = waitShared
		n.Prop.StartRx(m, 0, cell)
		return
	}
	n.Prop.StartTx(cell.Ch, m, dst, pkt, cell)
	cell.NumTx++
	m.waitingFor = waitShared
}

// canPiggyback reports whether pkt should wait for a dedicated TX cell
// instead of going out now over the shared slot.
func (n *Network) canPiggyback(m *Mote, pkt *Packet) bool {
	if pkt.Type != CONTROL || pkt.Control == nil {
		return false
	}
	if pkt.Control.Op == OpAnswer {
		return false
	}
	peer := pkt.Control.Peer
	if m.numCellsToNeighbor(peer) == 0 {
		return false
	}
	if ni, ok := m.neighbors[peer]; ok && !ni.OTFStart {
		return false // OTF signaled STOP to that child: don't grant bonus bandwidth
	}
	return true
}

// pickControlHead selects the head CONTROL packet per the queuing
// discipline in effect.
func (m *Mote) pickControlHead() (*Packet, bool) {
	switch m.net.Settings.Queuing {
	case QueuingDual:
		if p, ok := m.ctrlQueueHi.peek(); ok {
			return p, true
		}
		return m.ctrlQueueLo.peek()
	default:
		return m.ctrlQueue.peekPreferAnswer()
	}
}

// controlDest resolves a CONTROL packet's destination mote.
func (n *Network) controlDest(m *Mote, pkt *Packet) (*Mote, bool) {
	if pkt.Control == nil {
		return nil, false
	}
	return n.Mote(pkt.Control.Peer)
}

// enqueueControl pushes a CONTROL packet onto the sending mote's control
// queue(s) per the active queuing discipline, returning false (and
// incrementing droppedAppFailedEnqueueControl) if it does not fit.
func (n *Network) enqueueControl(m *Mote, pkt *Packet, highPriority bool) bool {
	if n.Settings.Queuing == QueuingDual {
		q := m.ctrlQueueLo
		if highPriority {
			q = m.ctrlQueueHi
		}
		if !q.push(pkt) {
			m.stats.DroppedAppFailedEnqueueControl++
			return false
		}
		return true
	}
	if !m.ctrlQueue.push(pkt) {
		m.stats.DroppedAppFailedEnqueueControl++
		return false
	}
	return true
}

// controlQueued reports whether pkt is still held in one of m's control
// queues: a piggyback candidate that was since ACKed or dropped must not be
// transmitted again.
func (m *Mote) controlQueued(pkt *Packet) bool {
	for _, q := range []*queue{m.ctrlQueue, m.ctrlQueueHi, m.ctrlQueueLo} {
		if q == nil {
			continue
		}
		for _, p := range q.buf {
			if p == pkt {
				return true
			}
		}
	}
	return false
}

func (m *Mote) removeControl(pkt *Packet) {
	if m.ctrlQueue != nil {
		if m.ctrlQueue.remove(pkt) {
			return
		}
	}
	if m.ctrlQueueHi != nil {
		if m.ctrlQueueHi.remove(pkt) {
			return
		}
	}
	if m.ctrlQueueLo != nil {
		m.ctrlQueueLo.remove(pkt)
	}
}

// txDone is the per-mote entry point propagation resolution calls directly.
// A transmission whose destination never listened this ASN arrives here with
// both flags false, the plain-failure outcome.
func (m *Mote) txDone(pkt *Packet, cell *Cell, acked, nacked bool) {
	m.net.txDone(m, pkt, cell, acked, nacked)
	m.waitingFor = waitNone
}

// txDone applies the ACK/NACK/neither outcome of a transmission.
func (n *Network) txDone(m *Mote, pkt *Packet, cell *Cell, isACKed, isNACKed bool) {
	switch {
	case isACKed:
		cell.NumTxAck++
		cell.recordTx(true)
		n.logQueueDelay(m, pkt)
		if cell.HasNeighbor && m.hasPreferred && cell.Neighbor == m.preferredParent {
			m.timeCorrectedASN = n.Engine.ASN()
		}
		if pkt.Type == DATA {
			m.dataQueue.remove(pkt)
		} else {
			m.removeControl(pkt)
			m.sendCtrlDelay = 0
			m.macBackoffNB = 0
			m.backoffExp = 0
			if pkt.Control != nil {
				m.neighbor(pkt.Control.Peer).RequestTriggered = false
			}
		}
	case isNACKed:
		// The frame was delivered over the air; only the receiver's relay
		// enqueue failed. The link sample counts as a success.
		cell.NumTxAck++
		cell.recordTx(true)
		if pkt.Type == DATA {
			pkt.RetriesLeft--
			if pkt.RetriesLeft <= 0 {
				m.dataQueue.remove(pkt)
				m.stats.DroppedMacRetries++
			}
		} else {
			n.controlBackoffOrAbort(m, pkt, cell)
		}
	default:
		cell.recordTx(false)
		if pkt.Type == DATA {
			pkt.RetriesLeft--
			if pkt.RetriesLeft <= 0 {
				m.dataQueue.remove(pkt)
				m.stats.DroppedMacRetries++
			}
		} else {
			n.controlBackoffOrAbort(m, pkt, cell)
		}
	}
}

// controlBackoffOrAbort applies the CSMA backoff and abort rules to a
// CONTROL packet that was NACKed or otherwise failed to deliver.
func (n *Network) controlBackoffOrAbort(m *Mote, pkt *Packet, cell *Cell) {
	m.macBackoffNB++
	if m.backoffExp < macMaxBE {
		m.backoffExp++
	}
	span := 1 << m.backoffExp
	m.sendCtrlDelay = 1 + m.rng.Intn(span)

	pkt.RetriesLeft--
	exhausted := pkt.RetriesLeft <= 0 || m.macBackoffNB >= macMaxCSMABackoffs
	if !exhausted {
		return
	}
	m.removeControl(pkt)
	n.abortTransaction(m)
	if pkt.Control != nil && pkt.Control.Op != OpReq {
		if peer, ok := n.Mote(pkt.Control.Peer); ok {
			n.abortTransaction(peer)
		}
	}
}

// logQueueDelay records the ASN delay a packet spent enqueued. The
// statistics collector reads this back at cycle boundaries.
func (n *Network) logQueueDelay(m *Mote, pkt *Packet) {
	m.stats.QueueDelaySamples = append(m.stats.QueueDelaySamples, n.Engine.ASN()-pkt.EnqueueASN)
}

// rxDone handles a reception outcome. A nil frame is the idle/
// failure outcome; otherwise it dispatches on DATA vs CONTROL.
func (m *Mote) rxDone(cell *Cell, f *inboundFrame) (acked, nacked bool) {
	defer func() { m.waitingFor = waitNone }()
	if f == nil {
		m.chargeIdle()
		return false, false
	}
	m.chargeRX()
	pkt := f.pkt
	cell.NumRx++
	if pkt.Type == DATA {
		return m.net.rxDataDone(m, cell, f)
	}
	return m.net.rxControlDone(m, cell, f)
}

func (n *Network) rxDataDone(m *Mote, cell *Cell, f *inboundFrame) (bool, bool) {
	pkt := f.pkt
	if m.isRoot {
		latency := n.Engine.ASN() - pkt.OriginASN
		m.stats.AppReachesDagroot++
		m.stats.LatencySamples = append(m.stats.LatencySamples, latency)
		m.stats.HopSamples = append(m.stats.HopSamples, pkt.HopCount+1)
		return true, false
	}
	m.neighbor(f.smac.id).incomingSinceHousekeeping++
	relay := pkt.clone()
	relay.HopCount++
	relay.EnqueueASN = n.Engine.ASN()
	if !m.dataQueue.push(relay) {
		m.stats.DroppedQueueFull++
		return false, true
	}
	return true, false
}

func (n *Network) rxControlDone(m *Mote, cell *Cell, f *inboundFrame) (bool, bool) {
	pkt := f.pkt
	ctrl := pkt.Control
	if ctrl == nil {
		return true, false
	}
	ni := m.neighbor(f.smac.id)
	expected := ni.SeqInExpected + 1
	inOrder := ctrl.Seq == expected
	ni.SeqInExpected = ctrl.Seq

	if !inOrder {
		return true, false
	}

	switch ctrl.Op {
	case OpReq:
		n.sixtopHandleReq(m, f.smac, ctrl)
	case OpAnswer:
		n.sixtopHandleAnswer(m, f.smac, ctrl)
	case OpConfirmation:
		n.sixtopHandleConfirmation(m, f.smac, ctrl)
	case OpOTF:
		m.neighbor(f.smac.id).OTFStart = ctrl.OTFStart
	}
	return true, false
}

