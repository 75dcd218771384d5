// SPDX-License-Identifier: GPL-3.0

package tsch

import (
	"fmt"
	"math/rand"
	"time"
)

func appSendTag(id MoteID) string { return fmt.Sprintf("appSend:%d", id) }

// scheduleAppSend arms a non-root mote's periodic application traffic
// generator. The DAG root never originates application data; it is always
// the destination.
func (n *Network) scheduleAppSend(m *Mote) {
	if m.isRoot {
		return
	}
	delay := jitterDuration(n.Settings.PkPeriod, n.Settings.PkPeriodVar, m.rng)
	n.Engine.ScheduleIn(delay, PriorityAppSendData, appSendTag(m.id), func() { n.appSend(m) })
}

// appSend originates one period's worth of application data (a single
// packet, or a burst spread evenly over BurstTime) and reschedules itself.
func (n *Network) appSend(m *Mote) {
	defer n.scheduleAppSend(m)

	count := n.Settings.NumPacketsBurst
	if count <= 0 {
		count = 1
	}
	if count > 1 && n.Settings.BurstTime > 0 {
		spacing := n.Settings.BurstTime / time.Duration(count)
		for i := 0; i < count; i++ {
			delay := spacing * time.Duration(i)
			n.Engine.ScheduleIn(delay, PriorityAppSendData, "", func() { n.originate(m) })
		}
		return
	}
	for i := 0; i < count; i++ {
		n.originate(m)
	}
}

// originate enqueues one application DATA packet at m, charging the
// no-route/no-TX-cells drop reasons before it ever reaches a queue.
func (n *Network) originate(m *Mote) {
	if !m.hasPreferred {
		m.stats.DroppedNoRoute++
		return
	}
	if m.numCellsToNeighbor(m.preferredParent) == 0 {
		m.stats.DroppedNoTxCells++
		return
	}
	pkt := newDataPacket(m.id, n.Engine.ASN(), 0)
	pkt.EnqueueASN = n.Engine.ASN()
	m.generatedSinceHousekeeping++
	if !m.dataQueue.push(pkt) {
		m.stats.DroppedQueueFull++
	}
}

// jitterDuration returns period scaled by a uniform factor in
// [1-variance, 1+variance], never negative.
func jitterDuration(period time.Duration, variance float64, rng *rand.Rand) time.Duration {
	if variance <= 0 {
		return period
	}
	factor := 1 + (2*rng.Float64()-1)*variance
	if factor < 0.01 {
		factor = 0.01
	}
	return time.Duration(float64(period) * factor)
}
