package linearize

import "github.com/pkg/errors"

// cacheEntry is one (linearized-set, model-state) frontier the search has
// already explored; revisiting it can't reveal anything new.
type cacheEntry[S any] struct {
	lined BitVec
	state S
}

// callsEntry is a backtracking record: the Invoke eid that was committed,
// and the model state that was current just before committing it.
type callsEntry[S any] struct {
	eid   Eid
	state S
}

// Checker decides whether a History is linearizable against a Model, via
// depth-first search with memoization over (linearized-set, model-state).
type Checker[S State[S], Op any, Val comparable] struct {
	model Model[S, Op, Val]
	hist  *History[Op, Val]
}

// NewChecker returns a Checker for hist against model. hist must be
// well-formed (even length, balanced invoke/return pairs); malformed
// histories are a precondition violation. NewChecker panics if hist has an
// odd length; it does not check that invoke/return pairs are balanced.
func NewChecker[S State[S], Op any, Val comparable](model Model[S, Op, Val], hist *History[Op, Val]) *Checker[S, Op, Val] {
	if hist.Len()%2 != 0 {
		panic(errors.Errorf("linearize: malformed history: odd length %d", hist.Len()))
	}
	return &Checker[S, Op, Val]{model: model, hist: hist}
}

// CheckLinearizability searches for a total order of calls, consistent
// with per-thread program order and real-time invocation/return windows,
// under which the model reproduces every recorded return value. The search
// is deterministic: repeated calls on the same History return the same
// result (the History is mutated and restored during the search, but ends
// up fully linearized-and-lifted on a true result, or back in its original
// state on a false result).
func (c *Checker[S, Op, Val]) CheckLinearizability() bool {
	eid, ok := c.hist.FirstEid()
	if !ok {
		return true
	}

	n := c.hist.Len() / 2
	lined := FromElem(false, n)
	cache := make(map[uint64][]cacheEntry[S])
	var calls []callsEntry[S]

	s := c.model.Initial()

	for {
		ev := c.hist.Get(eid)
		if ev.Kind == Invoke {
			next, hasNext := c.hist.NextEid(eid)
			if !hasNext {
				panic(errors.Errorf("linearize: malformed history: invoke %d has no matching return in the live list", eid))
			}

			ret := c.hist.Get(ev.RetEventID)
			s2, v2 := c.model.Apply(s.Clone(), ev.Op)

			if v2 == ret.Val {
				lined2 := lined.Clone()
				lined2.Set(uint(ev.CallID), true)
				h := lined2.Hash()

				seen := false
				for _, e := range cache[h] {
					if lined2.Equals(e.lined) && s2.Equals(e.state) {
						seen = true
						break
					}
				}

				if !seen {
					cache[h] = append(cache[h], cacheEntry[S]{lined: lined2, state: s2})
					calls = append(calls, callsEntry[S]{eid: eid, state: s})
					s = s2
					lined.Set(uint(ev.CallID), true)
					c.hist.Lift(eid)

					first, hasFirst := c.hist.FirstEid()
					if !hasFirst {
						return true
					}
					eid = first
					continue
				}
			}
			eid = next
		} else {
			if len(calls) == 0 {
				return false
			}
			top := calls[len(calls)-1]
			calls = calls[:len(calls)-1]

			lined.Set(uint(c.hist.CallID(top.eid)), false)
			c.hist.Unlift(top.eid)

			next, hasNext := c.hist.NextEid(top.eid)
			if !hasNext {
				panic(errors.Errorf("linearize: malformed history: withdrawn call %d has no successor", top.eid))
			}
			eid = next
			s = top.state
		}
	}
}
