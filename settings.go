// SPDX-License-Identifier: GPL-3.0

package tsch

import (
	"time"

	"github.com/rs/xid"
)

// Queuing selects the shared-slot control-queue discipline.
type Queuing int

const (
	// QueuingSynchronous performs 6top exchanges as direct in-memory calls
	// (no control queue, no shared-slot CONTROL traffic).
	QueuingSynchronous Queuing = iota
	// QueuingSingle uses one FIFO control queue per mote, where any answer
	// may pre-empt a non-answer head.
	QueuingSingle
	// QueuingDual uses separate high- and normal-priority control queues.
	QueuingDual
)

// Settings is the immutable configuration record read by the core.
// Loading it from flags or a config file is an external collaborator's
// job; this module only defines and defaults it.
type Settings struct {
	SlotframeLength       int
	SlotDuration          time.Duration
	NumChans              int
	PkPeriod              time.Duration
	PkPeriodVar           float64
	DioPeriod             time.Duration
	OtfHousekeepingPeriod time.Duration
	TopHousekeepingPeriod time.Duration
	OtfThreshold          int
	// TopPdrThreshold is the ratio by which a cell (or bundle) PDR must
	// undershoot its reference before relocation triggers; values above 1
	// mean "worse than reference/ratio".
	TopPdrThreshold float64
	NumSharedSlots        int
	MinRssi               float64
	NumCyclesPerRun       int
	NumPacketsBurst       int
	BurstTime             time.Duration
	Queuing               Queuing
	Opportunist           bool
	Bootstrap             bool
	NoInterference        bool
	NoRemoveWorstCell     bool
	NoTopHousekeeping     bool
	IdealAllocation       bool
	ProcessID             string

	DataQueueSize int
	CtrlQueueSize int
}

// RPL/OTF/6top protocol constants. These describe protocol behavior, not a
// deployment's tuning knobs, so they are not part of Settings.
const (
	rplMinHopRankIncrease = 256
	rplMaxRankIncrease    = 1024 * 4 // generous default bound
	rplMaxTotalRank       = 0xffff
	rplMaxETX             = 4
	parentSwitchThreshold = 768
	maxParentSetSize      = 3

	macMaxBE           = 7
	macMaxCSMABackoffs = 4

	transactionTimeout  = 20
	topTxRelocateAtOnce = 1

	rxBatteryCharge  = 1.0
	txBatteryCharge  = 1.0
	idleListenCharge = 0.5
	sleepCharge      = 0.01
)

// DefaultSettings returns a Settings value with fixed, documented defaults
// expressed as Go values rather than parsed from a file.
func DefaultSettings() Settings {
	return Settings{
		SlotframeLength:       101,
		SlotDuration:          10 * time.Millisecond,
		NumChans:              16,
		PkPeriod:              1 * time.Second,
		PkPeriodVar:           0.1,
		DioPeriod:             1 * time.Second,
		OtfHousekeepingPeriod: 1 * time.Second,
		TopHousekeepingPeriod: 1 * time.Second,
		OtfThreshold:          1,
		TopPdrThreshold:       2,
		NumSharedSlots:        1,
		MinRssi:               -97,
		NumCyclesPerRun:       100,
		Queuing:               QueuingSingle,
		Opportunist:           true,
		Bootstrap:             true,
		NoInterference:        false,
		NoRemoveWorstCell:     false,
		NoTopHousekeeping:     false,
		IdealAllocation:       false,
		ProcessID:             xid.New().String(),
		DataQueueSize:         10,
		CtrlQueueSize:         10,
	}
}
