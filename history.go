package linearize

import "github.com/pkg/errors"

// Eid is a stable integer identifier for an event stored in a History. Eids
// remain valid across Lift/Unlift; they are only ever invalidated by
// discarding the History itself.
type Eid int

// noEid marks the absence of a pending invoke for a worker thread.
const noEid Eid = -1

// Two sentinel nodes bracket the live event list. They occupy fixed
// indices and are never themselves lifted.
const (
	beginEid Eid = 0
	endEid   Eid = 1
)

type node[Op any, Val comparable] struct {
	ev   *Event[Op, Val]
	prev Eid
	next Eid
}

// History is an append-only arena of invoke/return events. It is logically
// a doubly linked list, but is laid out as a slice of Nodes addressed by
// stable integer Eids, so the Checker can lift and unlift an invoke/return
// pair in O(1) without allocating or invalidating any other Eid.
type History[Op any, Val comparable] struct {
	nodes []node[Op, Val]
}

// NewHistory returns an empty History with room preallocated for capacity
// events before the backing slice needs to grow.
func NewHistory[Op any, Val comparable](capacity int) *History[Op, Val] {
	nodes := make([]node[Op, Val], 0, capacity+2)
	// Both sentinels start out pointing at each other: an empty history.
	nodes = append(nodes, node[Op, Val]{prev: beginEid, next: endEid})
	nodes = append(nodes, node[Op, Val]{prev: beginEid, next: endEid})
	return &History[Op, Val]{nodes: nodes}
}

// PushBack appends ev to the end of the live list and returns its Eid.
func (h *History[Op, Val]) PushBack(ev Event[Op, Val]) Eid {
	newEid := Eid(len(h.nodes))
	oldLast := h.nodes[endEid].prev
	h.nodes[endEid].prev = newEid
	h.nodes[oldLast].next = newEid
	h.nodes = append(h.nodes, node[Op, Val]{ev: &ev, prev: oldLast, next: endEid})
	return newEid
}

// Get returns the event at eid. It panics if eid names a sentinel node or
// is out of range; both are precondition violations, never a runtime
// condition a caller should recover from.
func (h *History[Op, Val]) Get(eid Eid) *Event[Op, Val] {
	if eid < 0 || int(eid) >= len(h.nodes) {
		panic(errors.Errorf("linearize: invalid eid %d", eid))
	}
	ev := h.nodes[eid].ev
	if ev == nil {
		panic(errors.New("linearize: cannot get a sentinel node"))
	}
	return ev
}

// CallID is a convenience accessor for the call id of the Invoke event at
// eid.
func (h *History[Op, Val]) CallID(eid Eid) int {
	return h.Get(eid).CallID
}

// FirstEid returns the Eid of the first live event, or false if the live
// list is empty.
func (h *History[Op, Val]) FirstEid() (Eid, bool) {
	return h.nextFrom(beginEid)
}

// NextEid returns the Eid of the live event following eid, or false if eid
// is the last live event.
func (h *History[Op, Val]) NextEid(eid Eid) (Eid, bool) {
	return h.nextFrom(eid)
}

func (h *History[Op, Val]) nextFrom(eid Eid) (Eid, bool) {
	next := h.nodes[eid].next
	if next == endEid {
		return 0, false
	}
	return next, true
}

// Empty reports whether no live events remain between the sentinels.
func (h *History[Op, Val]) Empty() bool {
	_, ok := h.FirstEid()
	return !ok
}

// Len is the number of events pushed into the History, excluding the two
// sentinels. Lifted events still count. For a well-formed history it is
// even: every call contributes exactly one Invoke and one Return.
func (h *History[Op, Val]) Len() int {
	return len(h.nodes) - 2
}

// Lift removes the Invoke event at invokeEid and its matching Return event
// from the live list, in this order: the return is unlinked first (so the
// invoke's own prev/next still describe the live list correctly when it is
// unlinked second), then the invoke. Both nodes' own prev/next fields are
// left untouched, so Unlift can use them to rethread the pair back in.
func (h *History[Op, Val]) Lift(invokeEid Eid) {
	ev := h.Get(invokeEid)
	if ev.Kind != Invoke {
		panic(errors.Errorf("linearize: Lift called on a Return event (eid %d)", invokeEid))
	}
	h.unlinkNode(ev.RetEventID)
	h.unlinkNode(invokeEid)
}

// Unlift is the exact inverse of Lift: it reinserts the invoke first, then
// the return, restoring the live list to the state it was in before the
// matching Lift call. Lift/Unlift calls must nest in LIFO order.
func (h *History[Op, Val]) Unlift(invokeEid Eid) {
	ev := h.Get(invokeEid)
	h.relinkNode(invokeEid)
	h.relinkNode(ev.RetEventID)
}

func (h *History[Op, Val]) unlinkNode(eid Eid) {
	n := h.nodes[eid]
	h.nodes[n.prev].next = n.next
	h.nodes[n.next].prev = n.prev
}

func (h *History[Op, Val]) relinkNode(eid Eid) {
	n := h.nodes[eid]
	h.nodes[n.prev].next = eid
	h.nodes[n.next].prev = eid
}
