// SPDX-License-Identifier: GPL-3.0

package tsch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelayPreservesPayload(t *testing.T) {
	s := testSettings()
	net := NewNetwork(s, 1)
	net.AddMote(0, true)
	mid := net.AddMote(1, false)
	leaf := net.AddMote(2, false)
	net.Engine.asn = 50

	pkt := newDataPacket(2, 40, 0)
	cell := &Cell{Ch: 3, Dir: CellRX, Neighbor: 2, HasNeighbor: true}
	acked, nacked := mid.rxDone(cell, &inboundFrame{pkt: pkt, smac: leaf})

	assert.True(t, acked)
	assert.False(t, nacked)
	head, ok := mid.dataQueue.peek()
	require.True(t, ok)
	assert.Equal(t, MoteID(2), head.SrcID)
	assert.Equal(t, ASN(40), head.OriginASN)
	assert.Equal(t, 1, head.HopCount, "hop count increments by one per relay")
	assert.Equal(t, ASN(50), head.EnqueueASN)
	assert.Equal(t, 1, mid.neighbor(2).incomingSinceHousekeeping)
}

func TestRelayQueueFullNacks(t *testing.T) {
	s := testSettings()
	s.DataQueueSize = 1
	net := NewNetwork(s, 1)
	net.AddMote(0, true)
	mid := net.AddMote(1, false)
	leaf := net.AddMote(2, false)

	cell := &Cell{Ch: 3, Dir: CellRX, Neighbor: 2, HasNeighbor: true}
	acked, _ := mid.rxDone(cell, &inboundFrame{pkt: newDataPacket(2, 0, 0), smac: leaf})
	require.True(t, acked)

	acked, nacked := mid.rxDone(cell, &inboundFrame{pkt: newDataPacket(2, 1, 0), smac: leaf})
	assert.False(t, acked)
	assert.True(t, nacked)
	assert.Equal(t, 1, mid.stats.DroppedQueueFull)
}

func TestControlNackBackoff(t *testing.T) {
	s := testSettings()
	s.Queuing = QueuingSingle
	net := NewNetwork(s, 1)
	net.AddMote(0, true)
	child := net.AddMote(1, false)

	pkt := newControlPacket(1, 0, ControlPayload{Op: OpReq, Peer: 0, Seq: 1})
	require.True(t, child.ctrlQueue.push(pkt))
	cell := &Cell{Ch: 0, Dir: CellShared}

	net.txDone(child, pkt, cell, false, true)
	assert.Equal(t, 1, child.macBackoffNB)
	assert.Equal(t, 1, child.backoffExp)
	assert.GreaterOrEqual(t, child.sendCtrlDelay, 1)
	assert.LessOrEqual(t, child.sendCtrlDelay, 2)
	assert.Equal(t, 1, child.ctrlQueue.len(), "CONTROL frame retained across CSMA failures")
	assert.Equal(t, 1, cell.NumTxAck, "a NACKed frame was still delivered over the air")
}

func TestControlRetriesExhaustedAborts(t *testing.T) {
	s := testSettings()
	s.Queuing = QueuingSingle
	net := NewNetwork(s, 1)
	net.AddMote(0, true)
	child := net.AddMote(1, false)

	pkt := newControlPacket(1, 0, ControlPayload{Op: OpReq, Peer: 0, Seq: 1})
	require.True(t, child.ctrlQueue.push(pkt))
	child.pending = &PendingTransaction{Kind: PendingMoteRequest, Peer: 0, Seq: 1}
	child.neighbor(0).RequestTriggered = true
	cell := &Cell{Ch: 0, Dir: CellShared}

	for i := 0; i < macMaxCSMABackoffs; i++ {
		net.txDone(child, pkt, cell, false, true)
	}

	assert.Zero(t, child.ctrlQueue.len(), "exhausted CONTROL frame must be dropped")
	assert.Nil(t, child.pending)
	assert.Equal(t, 1, child.stats.TransactionAborted)
	assert.False(t, child.neighbor(0).RequestTriggered)
}

func TestControlAckClearsBackoffState(t *testing.T) {
	s := testSettings()
	s.Queuing = QueuingSingle
	net := NewNetwork(s, 1)
	net.AddMote(0, true)
	child := net.AddMote(1, false)

	pkt := newControlPacket(1, 0, ControlPayload{Op: OpReq, Peer: 0, Seq: 1})
	require.True(t, child.ctrlQueue.push(pkt))
	child.neighbor(0).RequestTriggered = true
	child.macBackoffNB = 2
	child.backoffExp = 3
	child.sendCtrlDelay = 5
	cell := &Cell{Ch: 0, Dir: CellShared}

	net.txDone(child, pkt, cell, true, false)

	assert.Zero(t, child.ctrlQueue.len())
	assert.Zero(t, child.macBackoffNB)
	assert.Zero(t, child.backoffExp)
	assert.Zero(t, child.sendCtrlDelay)
	assert.False(t, child.neighbor(0).RequestTriggered)
	assert.Equal(t, 1, cell.NumTxAck)
}

func TestDataRetriesExhaustedDrops(t *testing.T) {
	s := testSettings()
	net := NewNetwork(s, 1)
	net.AddMote(0, true)
	child := net.AddMote(1, false)

	pkt := newDataPacket(1, 0, 0)
	require.True(t, child.dataQueue.push(pkt))
	cell := &Cell{Ch: 3, Dir: CellTX, Neighbor: 0, HasNeighbor: true}

	for i := 0; i < tschMaxTxRetries; i++ {
		net.txDone(child, pkt, cell, false, false)
	}

	assert.Zero(t, child.dataQueue.len())
	assert.Equal(t, 1, child.stats.DroppedMacRetries)
}

func TestSequenceMismatchDroppedAndResynced(t *testing.T) {
	s := testSettings()
	net := NewNetwork(s, 1)
	root := net.AddMote(0, true)
	child := net.AddMote(1, false)

	cell := &Cell{Ch: 0, Dir: CellShared}
	// Out-of-order frame: expected 1, got 5. Dropped, but the expected
	// counter resyncs to the received value.
	pkt := newControlPacket(1, 0, ControlPayload{Op: OpOTF, Peer: 0, OTFStart: true, Seq: 5})
	root.rxDone(cell, &inboundFrame{pkt: pkt, smac: child})
	assert.False(t, root.neighbor(1).OTFStart, "out-of-order CONTROL must not be dispatched")
	assert.Equal(t, uint32(5), root.neighbor(1).SeqInExpected)

	pkt = newControlPacket(1, 0, ControlPayload{Op: OpOTF, Peer: 0, OTFStart: true, Seq: 6})
	root.rxDone(cell, &inboundFrame{pkt: pkt, smac: child})
	assert.True(t, root.neighbor(1).OTFStart)
}
