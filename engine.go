// SPDX-License-Identifier: GPL-3.0

package tsch

import (
	"sort"
	"time"
)

// ASN is the absolute slot number, the simulator's monotone clock. It starts
// at zero and advances one tick per TSCH slot.
type ASN uint64

// Per-ASN event priorities. Smaller runs first within the same ASN.
const (
	PriorityActiveCell      = 0
	PriorityPropagation     = 1
	PriorityAppSendData     = 2
	PriorityRPLDio          = 3
	PriorityOTFHousekeep    = 4
	PrioritySixtopHousekeep = 5
	PriorityControlRequest  = 10
	PriorityControlAnswer   = 11
)

// event is one scheduled callback, ordered by (asn, priority, seq).
type event struct {
	asn      ASN
	priority int
	seq      uint64
	tag      string
	fn       func()
}

// Engine is the slotted, single-threaded, cooperative discrete-event
// engine. Motes call each other's methods directly and synchronously; the
// engine only orders *when* those calls happen, via an event list sorted on
// (asn, priority, insertion order) and keyed by optional unique tags for
// replacement and cancellation.
type Engine struct {
	asn          ASN
	slotDuration time.Duration
	events       []*event // sorted ascending by (asn, priority, seq)
	byTag        map[string]*event
	seq          uint64
	started      bool
	startHooks   []func()
	endHooks     []func()
}

// NewEngine returns a new Engine ticking at the given slot duration.
func NewEngine(slotDuration time.Duration) *Engine {
	return &Engine{
		slotDuration: slotDuration,
		byTag:        make(map[string]*event),
	}
}

// ASN returns the current absolute slot number.
func (e *Engine) ASN() ASN {
	return e.asn
}

// SlotDuration returns the configured slot duration.
func (e *Engine) SlotDuration() time.Duration {
	return e.slotDuration
}

// less reports whether a sorts before b.
func less(a, b *event) bool {
	if a.asn != b.asn {
		return a.asn < b.asn
	}
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.seq < b.seq
}

// insert places ev into the sorted event list.
func (e *Engine) insert(ev *event) {
	i := sort.Search(len(e.events), func(i int) bool {
		return less(ev, e.events[i])
	})
	e.events = append(e.events, nil)
	copy(e.events[i+1:], e.events[i:])
	e.events[i] = ev
}

// ScheduleAtASN installs a one-shot event at the given ASN. If uniqueTag is
// non-empty and already scheduled, the prior event is replaced.
func (e *Engine) ScheduleAtASN(asn ASN, priority int, uniqueTag string, fn func()) {
	if uniqueTag != "" {
		e.RemoveEvent(uniqueTag)
	}
	e.seq++
	ev := &event{asn: asn, priority: priority, seq: e.seq, tag: uniqueTag, fn: fn}
	e.insert(ev)
	if uniqueTag != "" {
		e.byTag[uniqueTag] = ev
	}
}

// ScheduleIn installs a one-shot event `delay` in the future, rounded up to
// the next whole slot.
func (e *Engine) ScheduleIn(delay time.Duration, priority int, uniqueTag string, fn func()) {
	slots := ASN(0)
	if delay > 0 {
		slots = ASN((delay + e.slotDuration - 1) / e.slotDuration)
	}
	e.ScheduleAtASN(e.asn+slots, priority, uniqueTag, fn)
}

// RemoveEvent cancels a previously scheduled event by its uniqueTag, if
// still pending.
func (e *Engine) RemoveEvent(uniqueTag string) {
	ev, ok := e.byTag[uniqueTag]
	if !ok {
		return
	}
	delete(e.byTag, uniqueTag)
	for i, x := range e.events {
		if x == ev {
			e.events = append(e.events[:i], e.events[i+1:]...)
			break
		}
	}
}

// ScheduleAtStart registers a callback to run once before the first ASN.
func (e *Engine) ScheduleAtStart(fn func()) {
	e.startHooks = append(e.startHooks, fn)
}

// ScheduleAtEnd registers a callback to run once after the last event.
func (e *Engine) ScheduleAtEnd(fn func()) {
	e.endHooks = append(e.endHooks, fn)
}

// Run fires all events in (asn, priority, insertion-order) order until the
// event list is empty or untilASN is reached (0 meaning unbounded). A
// callback may schedule further events, including at the ASN currently
// firing; they are inserted in sorted position and will be popped before the
// engine advances past that ASN, so "fire all due events in priority order"
// falls naturally out of always popping the global minimum.
//
// Start hooks fire once, before the first event of the first Run call; end
// hooks fire when the event list empties, or on Finish. A bounded Run may be
// called repeatedly to advance the simulation cycle by cycle.
func (e *Engine) Run(untilASN ASN) {
	if !e.started {
		e.started = true
		for _, fn := range e.startHooks {
			fn()
		}
	}
	for len(e.events) > 0 {
		ev := e.events[0]
		if untilASN > 0 && ev.asn >= untilASN {
			return
		}
		e.events = e.events[1:]
		if ev.tag != "" {
			if cur, ok := e.byTag[ev.tag]; ok && cur == ev {
				delete(e.byTag, ev.tag)
			}
		}
		e.asn = ev.asn
		ev.fn()
	}
	e.Finish()
}

// Finish fires any end-of-run hooks not yet fired. Callers that bound every
// Run with untilASN use this to close out the run.
func (e *Engine) Finish() {
	for _, fn := range e.endHooks {
		fn()
	}
	e.endHooks = nil
}
