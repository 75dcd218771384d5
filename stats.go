// SPDX-License-Identifier: GPL-3.0

package tsch

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	statsNamespace = "tschsim"
	statsSubsystem = "cycle"
)

// CycleStats is the flattened record handed to a Sink at each cycle
// boundary: runNum/cycle identify the sample, the rest are sums of
// per-mote counters folded across every mote in the run.
type CycleStats struct {
	RunNum int
	Cycle  int

	AppReachesDagroot              int
	DroppedQueueFull               int
	DroppedNoRoute                 int
	DroppedNoTxCells               int
	DroppedMacRetries              int
	DroppedAppFailedEnqueueControl int
	TransactionAborted             int
	TopTxRelocatedCells            int
	RplChurnPrefParent             int

	ScheduleCollisions        int
	CollidedTxs               int
	EffectiveCollidedTxs      int
	CollidedControls          int
	EffectiveCollidedControls int
	CollidedAnswers           int
	CollidedRequests          int

	IdleListens int
	Charge      float64

	// LatencySamples, HopSamples and QueueDelaySamples collect every
	// origination-to-root latency, delivered hop count and per-packet queue
	// delay observed this cycle, for callers computing averages or
	// percentiles.
	LatencySamples    []ASN
	HopSamples        []int
	QueueDelaySamples []ASN
}

// Sink receives one CycleStats record per simulated cycle. File/column
// formatting is an external collaborator; Sink only hands the caller
// the already-summed record.
type Sink interface {
	Poll(CycleStats)
}

// Stats is the simulation's own statistics collector. Collect sums the
// per-mote counters directly into the CycleStats record handed to the Sink;
// the prometheus.Registry is a write-through mirror of those sums, kept
// solely so a caller can expose the run-lifetime totals to an external
// scraper (see Registry). Nothing in this module reads the registry back.
type Stats struct {
	registry *prometheus.Registry

	appReachesDagroot              prometheus.Counter
	droppedQueueFull               prometheus.Counter
	droppedNoRoute                 prometheus.Counter
	droppedNoTxCells               prometheus.Counter
	droppedMacRetries              prometheus.Counter
	droppedAppFailedEnqueueControl prometheus.Counter
	transactionAborted             prometheus.Counter
	topTxRelocatedCells            prometheus.Counter
	rplChurnPrefParent             prometheus.Counter

	scheduleCollisions        prometheus.Counter
	collidedTxs               prometheus.Counter
	effectiveCollidedTxs      prometheus.Counter
	collidedControls          prometheus.Counter
	effectiveCollidedControls prometheus.Counter
	collidedAnswers           prometheus.Counter
	collidedRequests          prometheus.Counter

	idleListens prometheus.Counter
	charge      prometheus.Gauge

	// totalCharge accumulates charge across every Collect call, since the
	// per-mote MoteStats.Charge is reset each cycle; BuildTopologyReport
	// divides this by the run's cycle count for average-charge-per-cycle.
	totalCharge map[MoteID]float64
}

// NewStats builds a Stats collector with a fresh, unexported
// prometheus.Registry (not the global DefaultRegisterer, so multiple
// concurrent Network runs in the same process never collide on metric
// names).
func NewStats() *Stats {
	s := &Stats{registry: prometheus.NewRegistry(), totalCharge: make(map[MoteID]float64)}

	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: statsNamespace,
			Subsystem: statsSubsystem,
			Name:      name,
			Help:      help,
		})
		s.registry.MustRegister(c)
		return c
	}

	s.appReachesDagroot = counter("app_reaches_dagroot_total", "Application packets that reached the DAG root.")
	s.droppedQueueFull = counter("dropped_queue_full_total", "Packets dropped because a queue was full.")
	s.droppedNoRoute = counter("dropped_no_route_total", "Packets dropped because the mote had no preferred parent.")
	s.droppedNoTxCells = counter("dropped_no_tx_cells_total", "Packets dropped because the mote had no TX cells to its preferred parent.")
	s.droppedMacRetries = counter("dropped_mac_retries_total", "DATA packets dropped after exhausting MAC retries.")
	s.droppedAppFailedEnqueueControl = counter("dropped_app_failed_enqueue_control_total", "CONTROL frames dropped because the control queue rejected them.")
	s.transactionAborted = counter("transaction_aborted_total", "6top transactions aborted by timeout or by an exhausted CONTROL frame.")
	s.topTxRelocatedCells = counter("top_tx_relocated_cells_total", "TX cells relocated by worst-cell or whole-bundle relocation.")
	s.rplChurnPrefParent = counter("rpl_churn_pref_parent_total", "Preferred-parent switches.")

	s.scheduleCollisions = counter("schedule_collisions_total", "6top ADD candidate slots rejected for lack of a free channel.")
	s.collidedTxs = counter("collided_txs_total", "DATA receptions with at least one interferer present.")
	s.effectiveCollidedTxs = counter("effective_collided_txs_total", "DATA receptions lost to a captured interferer.")
	s.collidedControls = counter("collided_controls_total", "CONTROL receptions with at least one interferer present.")
	s.effectiveCollidedControls = counter("effective_collided_controls_total", "CONTROL receptions lost to a captured interferer.")
	s.collidedAnswers = counter("collided_answers_total", "6top answer receptions with at least one interferer present.")
	s.collidedRequests = counter("collided_requests_total", "6top request receptions with at least one interferer present.")

	s.idleListens = counter("idle_listens_total", "Listens on shared or RX cells that delivered no frame.")
	s.charge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: statsNamespace,
		Subsystem: statsSubsystem,
		Name:      "charge",
		Help:      "Summed per-mote battery charge consumed this cycle.",
	})
	s.registry.MustRegister(s.charge)

	return s
}

// TotalCharge returns a mote's cumulative battery charge consumed across
// every Collect call so far, for BuildTopologyReport's average-per-cycle
// calculation.
func (s *Stats) TotalCharge(id MoteID) float64 { return s.totalCharge[id] }

// Registry exposes the underlying prometheus.Registry, for a caller that
// wants to scrape the run-lifetime totals (e.g. through an HTTP /metrics
// handler) in addition to receiving per-cycle CycleStats through a Sink.
func (s *Stats) Registry() *prometheus.Registry { return s.registry }

// Collect sums every mote's MoteStats into the registry's counters/gauge,
// resets every mote's MoteStats to zero, and returns the flattened record.
// The registry's counters are never reset, matching prometheus Counter
// semantics: CycleStats reports the per-cycle delta, the registry keeps the
// run-lifetime total.
func (s *Stats) Collect(runNum, cycle int, n *Network) CycleStats {
	cs := CycleStats{RunNum: runNum, Cycle: cycle}

	for _, id := range n.order {
		m := n.Motes[id]
		ms := &m.stats

		cs.AppReachesDagroot += ms.AppReachesDagroot
		cs.DroppedQueueFull += ms.DroppedQueueFull
		cs.DroppedNoRoute += ms.DroppedNoRoute
		cs.DroppedNoTxCells += ms.DroppedNoTxCells
		cs.DroppedMacRetries += ms.DroppedMacRetries
		cs.DroppedAppFailedEnqueueControl += ms.DroppedAppFailedEnqueueControl
		cs.TransactionAborted += ms.TransactionAborted
		cs.TopTxRelocatedCells += ms.TopTxRelocatedCells
		cs.RplChurnPrefParent += ms.RplChurnPrefParent

		cs.ScheduleCollisions += ms.ScheduleCollisions
		cs.CollidedTxs += ms.CollidedTxs
		cs.EffectiveCollidedTxs += ms.EffectiveCollidedTxs
		cs.CollidedControls += ms.CollidedControls
		cs.EffectiveCollidedControls += ms.EffectiveCollidedControls
		cs.CollidedAnswers += ms.CollidedAnswers
		cs.CollidedRequests += ms.CollidedRequests

		cs.IdleListens += ms.IdleListens
		cs.Charge += ms.Charge
		cs.LatencySamples = append(cs.LatencySamples, ms.LatencySamples...)
		cs.HopSamples = append(cs.HopSamples, ms.HopSamples...)
		cs.QueueDelaySamples = append(cs.QueueDelaySamples, ms.QueueDelaySamples...)
		s.totalCharge[id] += ms.Charge

		s.appReachesDagroot.Add(float64(ms.AppReachesDagroot))
		s.droppedQueueFull.Add(float64(ms.DroppedQueueFull))
		s.droppedNoRoute.Add(float64(ms.DroppedNoRoute))
		s.droppedNoTxCells.Add(float64(ms.DroppedNoTxCells))
		s.droppedMacRetries.Add(float64(ms.DroppedMacRetries))
		s.droppedAppFailedEnqueueControl.Add(float64(ms.DroppedAppFailedEnqueueControl))
		s.transactionAborted.Add(float64(ms.TransactionAborted))
		s.topTxRelocatedCells.Add(float64(ms.TopTxRelocatedCells))
		s.rplChurnPrefParent.Add(float64(ms.RplChurnPrefParent))

		s.scheduleCollisions.Add(float64(ms.ScheduleCollisions))
		s.collidedTxs.Add(float64(ms.CollidedTxs))
		s.effectiveCollidedTxs.Add(float64(ms.EffectiveCollidedTxs))
		s.collidedControls.Add(float64(ms.CollidedControls))
		s.effectiveCollidedControls.Add(float64(ms.EffectiveCollidedControls))
		s.collidedAnswers.Add(float64(ms.CollidedAnswers))
		s.collidedRequests.Add(float64(ms.CollidedRequests))

		s.idleListens.Add(float64(ms.IdleListens))

		*ms = MoteStats{}
	}
	s.charge.Set(cs.Charge)

	return cs
}

