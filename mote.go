// SPDX-License-Identifier: GPL-3.0

package tsch

import "math/rand"

// MoteID identifies a mote. Motes live in an arena (Network.Motes) and refer
// to each other only by id, never by pointer cycle.
type MoteID int

// waitState is the mote's mid-ASN activation state: propagation
// collapses a whole slot synchronously, so this never straddles two active-
// cell activations.
type waitState int

const (
	waitNone waitState = iota
	waitRX
	waitShared
)

// NeighborInfo is what a mote remembers about one neighbor. Lookups that
// may create state go through Mote.neighbor, which inserts a zero-value
// entry on first reference rather than requiring explicit pre-registration;
// read-only lookups (rssiAt, canPiggyback) read the map without inserting.
type NeighborInfo struct {
	RSSI    float64
	HasRSSI bool

	Rank     float64
	DagRank  int
	HasRank  bool
	DIOHeard int

	TrafficPortion float64

	CellsTo   int
	CellsFrom int

	SeqOut        uint32
	SeqInExpected uint32

	AvgIncoming               float64
	HasAvgIncoming            bool
	incomingSinceHousekeeping int

	RequestTriggered bool
	OTFStart         bool // last START(true)/STOP(false) heard from this neighbor
	OTFSignaled      bool // an OTF status frame has been sent to this neighbor
	OTFSignaledStart bool // the status last advertised to it
}

// PendingKind names the two 6top pending-transaction roles.
type PendingKind int

const (
	PendingMoteRequest PendingKind = iota // this mote is the initiator
	PendingParentAdds                     // this mote is the responder mid-add
)

// PendingTransaction is the single in-flight 6top exchange a mote may hold
// at a time.
type PendingTransaction struct {
	Kind    PendingKind
	Peer    MoteID
	Dir     CellDir // direction requested by the initiator, relative to the initiator
	Cells   []CellRef
	Seq     uint32
	Retries int
}

// MoteStats are the per-mote outcome counters; the Network folds
// these into the prometheus-backed Stats collector at cycle boundaries
// (stats.go), rather than each mote talking to prometheus directly.
type MoteStats struct {
	AppReachesDagroot              int
	DroppedQueueFull               int
	DroppedNoRoute                 int
	DroppedNoTxCells               int
	DroppedMacRetries              int
	DroppedAppFailedEnqueueControl int
	TransactionAborted             int
	TopTxRelocatedCells            int
	RplChurnPrefParent             int
	ScheduleCollisions             int
	CollidedTxs                    int
	EffectiveCollidedTxs           int
	CollidedControls               int
	EffectiveCollidedControls      int
	CollidedAnswers                int
	CollidedRequests               int
	IdleListens                    int
	Charge                         float64
	LatencySamples                 []ASN
	HopSamples                     []int
	QueueDelaySamples              []ASN
}

// Mote is a network node.
type Mote struct {
	id     MoteID
	isRoot bool
	net    *Network

	rank    float64
	hasRank bool
	dagRank int

	parentSet       []MoteID
	preferredParent MoteID
	hasPreferred    bool

	neighbors map[MoteID]*NeighborInfo

	schedule map[int]*Cell
	reserve  [][]bool // [slot][channel]

	dataQueue   *queue
	ctrlQueue   *queue // QueuingSingle
	ctrlQueueHi *queue // QueuingDual: high priority
	ctrlQueueLo *queue // QueuingDual: normal priority

	pending *PendingTransaction

	driftPpm   float64
	noisePower float64 // dBm
	minRssi    float64

	battery float64
	stats   MoteStats

	waitingFor     waitState
	pktToSendAlloc *Packet
	sendCtrlDelay  int
	macBackoffNB   int
	backoffExp     int

	timeCorrectedASN ASN
	rng              *rand.Rand

	generatedSinceHousekeeping int
}

// newMote constructs a mote with its SHARED slots not yet installed.
func newMote(id MoteID, isRoot bool, net *Network, rng *rand.Rand) *Mote {
	s := net.Settings
	m := &Mote{
		id:         id,
		isRoot:     isRoot,
		net:        net,
		neighbors:  make(map[MoteID]*NeighborInfo),
		schedule:   make(map[int]*Cell),
		dataQueue:  newQueue(s.DataQueueSize),
		noisePower: -105,
		minRssi:    s.MinRssi,
		rng:        rng,
	}
	m.reserve = make([][]bool, s.SlotframeLength)
	for i := range m.reserve {
		m.reserve[i] = make([]bool, s.NumChans)
	}
	switch s.Queuing {
	case QueuingDual:
		m.ctrlQueueHi = newQueue(s.CtrlQueueSize)
		m.ctrlQueueLo = newQueue(s.CtrlQueueSize)
	default:
		m.ctrlQueue = newQueue(s.CtrlQueueSize)
	}
	m.driftPpm = -30 + 60*rng.Float64()
	if isRoot {
		m.rank = rplMinHopRankIncrease
		m.hasRank = true
		m.dagRank = 1
	}
	return m
}

// ID returns the mote's identifier.
func (m *Mote) ID() MoteID { return m.id }

// IsRoot reports whether this mote is the DAG root.
func (m *Mote) IsRoot() bool { return m.isRoot }

// Rank returns the mote's current RPL rank and whether it has bootstrapped
// one yet.
func (m *Mote) Rank() (float64, bool) { return m.rank, m.hasRank }

// Battery returns the cumulative charge consumed since boot, in the same
// units as the per-cycle charge stats.
func (m *Mote) Battery() float64 { return m.battery }

// neighbor returns (inserting a zero-value entry if absent) the
// NeighborInfo for id.
func (m *Mote) neighbor(id MoteID) *NeighborInfo {
	n, ok := m.neighbors[id]
	if !ok {
		n = &NeighborInfo{}
		m.neighbors[id] = n
	}
	return n
}

// calcTime returns the mote's accumulated clock drift vs the DAG root,
// measured in microseconds, using the current ASN as the elapsed-time proxy
// and timeCorrectedASN as the last resync point.
func (m *Mote) calcTime() float64 {
	elapsedSlots := float64(m.net.Engine.ASN() - m.timeCorrectedASN)
	elapsedUs := elapsedSlots * float64(m.net.Settings.SlotDuration.Microseconds())
	return elapsedUs * m.driftPpm / 1e6
}

// numCellsToNeighbor and numCellsFromNeighbor recompute counts directly from
// the schedule, used by invariant checks and by 6top/OTF decisions that need
// a ground truth independent of the cached NeighborInfo counters.
func (m *Mote) numCellsToNeighbor(n MoteID) int {
	c := 0
	for _, cell := range m.schedule {
		if cell.Dir == CellTX && cell.HasNeighbor && cell.Neighbor == n {
			c++
		}
	}
	return c
}

func (m *Mote) numCellsFromNeighbor(n MoteID) int {
	c := 0
	for _, cell := range m.schedule {
		if cell.Dir == CellRX && cell.HasNeighbor && cell.Neighbor == n {
			c++
		}
	}
	return c
}

// inParentSet reports whether n is a current parent.
func (m *Mote) inParentSet(n MoteID) bool {
	for _, p := range m.parentSet {
		if p == n {
			return true
		}
	}
	return false
}

// nextSeqOut returns the next monotonically increasing outgoing sequence
// number for CONTROL exchanges with n.
func (m *Mote) nextSeqOut(n MoteID) uint32 {
	ni := m.neighbor(n)
	ni.SeqOut++
	return ni.SeqOut
}

// chargeRX/chargeTX/chargeIdle/chargeSleep debit the battery counter for one
// slot's radio activity.
func (m *Mote) chargeRX()    { m.battery += rxBatteryCharge; m.stats.Charge += rxBatteryCharge }
func (m *Mote) chargeTX()    { m.battery += txBatteryCharge; m.stats.Charge += txBatteryCharge }
func (m *Mote) chargeIdle()  { m.battery += idleListenCharge; m.stats.Charge += idleListenCharge; m.stats.IdleListens++ }
func (m *Mote) chargeSleep() { m.battery += sleepCharge; m.stats.Charge += sleepCharge }
