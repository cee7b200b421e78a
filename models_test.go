package linearize

import (
	"math/rand"
	"sync"
	"sync/atomic"
)

// counterState, counterOp, counterVal, and counterModel implement the
// monotonic counter from the reference test_counter.rs binary: Incr always
// succeeds and returns nothing, Read returns the current count.

type counterState struct {
	n uint32
}

func (s counterState) Clone() counterState { return s }

func (s counterState) Equals(other counterState) bool { return s == other }

type counterOp int

const (
	counterIncr counterOp = iota
	counterRead
)

type counterVal struct {
	hasValue bool
	value    uint32
}

var counterModel = Model[counterState, counterOp, counterVal]{
	Initial: func() counterState { return counterState{} },
	Apply: func(s counterState, op counterOp) (counterState, counterVal) {
		switch op {
		case counterIncr:
			return counterState{n: s.n + 1}, counterVal{}
		case counterRead:
			return s, counterVal{hasValue: true, value: s.n}
		default:
			panic("linearize: unreachable counter op")
		}
	},
}

type counterOpDist struct{}

func (counterOpDist) Sample(rng *rand.Rand) counterOp {
	if rng.Intn(2) == 0 {
		return counterIncr
	}
	return counterRead
}

// counterSystemAtomic is a correct, race-free implementation of the
// counter, using a hardware fetch-and-add.
type counterSystemAtomic struct {
	n atomic.Uint32
}

func newCounterSystemAtomic() *counterSystemAtomic { return &counterSystemAtomic{} }

func (s *counterSystemAtomic) NewOpDistribution() OpDistribution[counterOp] { return counterOpDist{} }

func (s *counterSystemAtomic) Apply(op counterOp) counterVal {
	switch op {
	case counterIncr:
		s.n.Add(1)
		return counterVal{}
	case counterRead:
		return counterVal{hasValue: true, value: s.n.Load()}
	default:
		panic("linearize: unreachable counter op")
	}
}

// counterSystemRacy implements the counter with a load-then-store pair
// that is not atomic as a whole (the load and the store are each locked
// separately), the same race the reference implementation uses to
// demonstrate a checker catching a genuine non-linearizable execution.
type counterSystemRacy struct {
	mu sync.Mutex // guards only n's memory representation in Go's race detector's eyes; the increment itself is still racy by design
	n  uint32
}

func newCounterSystemRacy() *counterSystemRacy { return &counterSystemRacy{} }

func (s *counterSystemRacy) NewOpDistribution() OpDistribution[counterOp] { return counterOpDist{} }

func (s *counterSystemRacy) Apply(op counterOp) counterVal {
	switch op {
	case counterIncr:
		s.mu.Lock()
		old := s.n
		s.mu.Unlock()
		// deliberately racy: another goroutine can run this same
		// read-modify-write between the load and the store below
		s.mu.Lock()
		s.n = old + 1
		s.mu.Unlock()
		return counterVal{}
	case counterRead:
		s.mu.Lock()
		v := s.n
		s.mu.Unlock()
		return counterVal{hasValue: true, value: v}
	default:
		panic("linearize: unreachable counter op")
	}
}

// mapState, mapOp, mapVal, and mapModel implement a single in-memory
// string-keyed map, matching the reference test_kvs.rs binary's Get/Set/Rm
// operations (renamed Delete here).

type mapOpKind int

const (
	mapGet mapOpKind = iota
	mapSet
	mapDelete
)

type mapOp struct {
	kind mapOpKind
	key  string
	val  string
}

type mapVal struct {
	hasValue bool
	value    string
}

type mapState struct {
	m map[string]string
}

func newMapState() mapState { return mapState{m: map[string]string{}} }

func (s mapState) Clone() mapState {
	m2 := make(map[string]string, len(s.m))
	for k, v := range s.m {
		m2[k] = v
	}
	return mapState{m: m2}
}

func (s mapState) Equals(other mapState) bool {
	if len(s.m) != len(other.m) {
		return false
	}
	for k, v := range s.m {
		if ov, ok := other.m[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

var mapModel = Model[mapState, mapOp, mapVal]{
	Initial: newMapState,
	Apply: func(s mapState, op mapOp) (mapState, mapVal) {
		switch op.kind {
		case mapGet:
			v, ok := s.m[op.key]
			return s, mapVal{hasValue: ok, value: v}
		case mapSet:
			s2 := s.Clone()
			s2.m[op.key] = op.val
			return s2, mapVal{}
		case mapDelete:
			s2 := s.Clone()
			delete(s2.m, op.key)
			return s2, mapVal{}
		default:
			panic("linearize: unreachable map op")
		}
	},
}

var mapKeys = []string{"a", "b", "c"}

type mapOpDist struct{}

func (mapOpDist) Sample(rng *rand.Rand) mapOp {
	key := mapKeys[rng.Intn(len(mapKeys))]
	switch rng.Intn(3) {
	case 0:
		return mapOp{kind: mapGet, key: key}
	case 1:
		return mapOp{kind: mapSet, key: key, val: key}
	default:
		return mapOp{kind: mapDelete, key: key}
	}
}

// mapSystemLocked is a correct, single-mutex-guarded implementation of the
// map, used as a sanity check that a genuinely linearizable system always
// checks out that way under concurrent stress.
type mapSystemLocked struct {
	mu sync.Mutex
	m  map[string]string
}

func newMapSystemLocked() *mapSystemLocked {
	return &mapSystemLocked{m: map[string]string{}}
}

func (s *mapSystemLocked) NewOpDistribution() OpDistribution[mapOp] { return mapOpDist{} }

func (s *mapSystemLocked) Apply(op mapOp) mapVal {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch op.kind {
	case mapGet:
		v, ok := s.m[op.key]
		return mapVal{hasValue: ok, value: v}
	case mapSet:
		s.m[op.key] = op.val
		return mapVal{}
	case mapDelete:
		delete(s.m, op.key)
		return mapVal{}
	default:
		panic("linearize: unreachable map op")
	}
}
