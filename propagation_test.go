// SPDX-License-Identifier: GPL-3.0

package tsch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPropagationDelivers(t *testing.T) {
	s := testSettings()
	net := NewNetwork(s, 1)
	root := net.AddMote(0, true)
	child := net.AddMote(1, false)
	link(net, 0, 1, -70)

	pkt := newDataPacket(1, 0, 0)
	require.True(t, child.dataQueue.push(pkt))
	txCell := &Cell{Ch: 5, Dir: CellTX, Neighbor: 0, HasNeighbor: true}
	rxCell := &Cell{Ch: 5, Dir: CellRX, Neighbor: 1, HasNeighbor: true}

	net.Prop.StartRx(root, 5, rxCell)
	net.Prop.StartTx(5, child, root, pkt, txCell)
	txCell.NumTx++
	net.Prop.resolve()

	assert.Equal(t, 1, root.stats.AppReachesDagroot)
	assert.Equal(t, 1, txCell.NumTxAck)
	assert.Equal(t, 1, rxCell.NumRx)
	assert.Zero(t, child.dataQueue.len(), "delivered packet must leave the queue")
	assert.Equal(t, waitNone, root.waitingFor)
	assert.Equal(t, waitNone, child.waitingFor)
}

func TestPropagationLockOnInterferer(t *testing.T) {
	s := testSettings()
	net := NewNetwork(s, 1)
	recv := net.AddMote(0, true)
	desired := net.AddMote(1, false)
	itfr := net.AddMote(2, false)
	net.AddMote(3, false) // the interferer's own destination, not listening

	// The interferer is both stronger and earlier: the receiver locks onto
	// it and the desired frame is lost as a detected collision.
	link(net, 0, 1, -90)
	link(net, 0, 2, -70)
	net.Engine.asn = 1000
	desired.driftPpm = 30
	itfr.driftPpm = -30

	pkt := newDataPacket(1, 0, 0)
	require.True(t, desired.dataQueue.push(pkt))
	txCell := &Cell{Ch: 5, Dir: CellTX, Neighbor: 0, HasNeighbor: true}
	rxCell := &Cell{Ch: 5, Dir: CellRX, Neighbor: 1, HasNeighbor: true}

	net.Prop.StartRx(recv, 5, rxCell)
	net.Prop.StartTx(5, desired, recv, pkt, txCell)
	net.Prop.StartTx(5, itfr, net.Motes[3], newDataPacket(2, 0, 0), &Cell{Ch: 5, Dir: CellTX, Neighbor: 3, HasNeighbor: true})
	net.Prop.resolve()

	assert.True(t, rxCell.RxDetectedCollision)
	assert.Equal(t, 1, rxCell.NumRxCollision)
	assert.Equal(t, 1, txCell.NumTxCollision)
	assert.Zero(t, txCell.NumTxAck)
	assert.Equal(t, tschMaxTxRetries-1, pkt.RetriesLeft)
	assert.Equal(t, 1, desired.dataQueue.len(), "failed packet stays queued for retry")
}

func TestPropagationNoInterference(t *testing.T) {
	s := testSettings()
	s.NoInterference = true
	net := NewNetwork(s, 1)
	recv := net.AddMote(0, true)
	desired := net.AddMote(1, false)
	itfr := net.AddMote(2, false)
	net.AddMote(3, false)

	link(net, 0, 1, -70)
	link(net, 0, 2, -70)

	pkt := newDataPacket(1, 0, 0)
	require.True(t, desired.dataQueue.push(pkt))
	txCell := &Cell{Ch: 5, Dir: CellTX, Neighbor: 0, HasNeighbor: true}
	rxCell := &Cell{Ch: 5, Dir: CellRX, Neighbor: 1, HasNeighbor: true}

	net.Prop.StartRx(recv, 5, rxCell)
	net.Prop.StartTx(5, desired, recv, pkt, txCell)
	net.Prop.StartTx(5, itfr, net.Motes[3], newDataPacket(2, 0, 0), &Cell{Ch: 5, Dir: CellTX, Neighbor: 3, HasNeighbor: true})
	net.Prop.resolve()

	assert.Equal(t, 1, txCell.NumTxAck, "interferer analysis must be skipped")
	assert.False(t, rxCell.RxDetectedCollision)
}

func TestPropagationIdleListenCharges(t *testing.T) {
	s := testSettings()
	net := NewNetwork(s, 1)
	m := net.AddMote(0, true)
	cell := &Cell{Ch: 0, Dir: CellShared}

	net.Prop.StartRx(m, 0, cell)
	net.Prop.resolve()

	assert.Equal(t, 1, m.stats.IdleListens)
	assert.Equal(t, idleListenCharge, m.stats.Charge)
	assert.Equal(t, idleListenCharge, m.Battery())
	assert.Equal(t, waitNone, m.waitingFor)
}
