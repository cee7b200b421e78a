package linearize

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// OpDistribution samples operations to drive a System with.
type OpDistribution[Op any] interface {
	Sample(rng *rand.Rand) Op
}

// System is a concurrent implementation of the ADT under test. A single
// System value is shared across every worker goroutine the Runner spawns;
// its own synchronization, or lack of it, is exactly what is under test.
type System[Op any, Val comparable] interface {
	// NewOpDistribution returns a fresh operation sampler, called once per
	// worker goroutine.
	NewOpDistribution() OpDistribution[Op]
	// Apply performs op against the system and returns its result.
	Apply(op Op) Val
}

type runnerEventKind int

const (
	runnerInvoke runnerEventKind = iota
	runnerReturn
)

type runnerEvent[Op any, Val comparable] struct {
	kind runnerEventKind
	op   Op
	val  Val
	tid  int
}

// Runner drives a System from threadCount goroutines simultaneously,
// recording the globally observed order of invoke/return events into a
// History. It defines the shape of history the Checker consumes.
type Runner[Op any, Val comparable] struct {
	system          System[Op, Val]
	threadCount     int
	eventsPerThread int
	logger          *zap.Logger
}

// NewRunner returns a Runner that will drive system from threadCount
// goroutines, each issuing eventsPerThread operations. A nil logger is
// replaced with a no-op logger.
func NewRunner[Op any, Val comparable](system System[Op, Val], threadCount, eventsPerThread int, logger *zap.Logger) *Runner[Op, Val] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner[Op, Val]{
		system:          system,
		threadCount:     threadCount,
		eventsPerThread: eventsPerThread,
		logger:          logger,
	}
}

// ProduceHistory runs the workload to completion and returns the resulting
// History, with each Invoke's RetEventID back-patched to its matching
// Return and call ids assigned in the order invokes were observed.
//
// The queue of raw events is a buffered channel sized exactly to hold the
// planned workload; a goroutine panicking inside System.Apply is
// propagated out of ProduceHistory as an error rather than crashing the
// whole process.
func (r *Runner[Op, Val]) ProduceHistory() (*History[Op, Val], error) {
	queueSize := 2 * r.threadCount * r.eventsPerThread
	events := make(chan runnerEvent[Op, Val], queueSize)

	var start atomic.Bool

	var g errgroup.Group
	for tid := 0; tid < r.threadCount; tid++ {
		tid := tid
		g.Go(func() (err error) {
			defer func() {
				if p := recover(); p != nil {
					err = errors.Errorf("linearize: worker %d panicked: %v", tid, p)
				}
			}()

			dist := r.system.NewOpDistribution()
			rng := rand.New(rand.NewSource(entropySeed()))

			// Spin on the shared flag so every worker leaves the barrier
			// at approximately the same instant.
			for !start.Load() {
			}

			for i := 0; i < r.eventsPerThread; i++ {
				op := dist.Sample(rng)
				events <- runnerEvent[Op, Val]{kind: runnerInvoke, op: op, tid: tid}
				val := r.system.Apply(op)
				events <- runnerEvent[Op, Val]{kind: runnerReturn, val: val, tid: tid}
			}
			return nil
		})
	}

	// Let workers reach the spin before releasing them, so none of them
	// bias the initial interleaving toward thread 0 by starting early.
	time.Sleep(100 * time.Millisecond)
	start.Store(true)
	r.logger.Debug("released workers", zap.Int("thread_count", r.threadCount), zap.Int("events_per_thread", r.eventsPerThread))

	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "linearize: producing history")
	}
	close(events)

	hist, err := r.stitch(events, queueSize)
	if err != nil {
		return nil, err
	}
	r.logger.Info("history produced", zap.Int("events", hist.Len()))
	return hist, nil
}

// stitch drains events in the order they were enqueued (the only
// cross-thread ordering guarantee the Checker can rely on) into a History,
// back-patching each Invoke's RetEventID when its matching Return is
// drained.
func (r *Runner[Op, Val]) stitch(events <-chan runnerEvent[Op, Val], capacity int) (*History[Op, Val], error) {
	hist := NewHistory[Op, Val](capacity)

	pending := make([]Eid, r.threadCount)
	for i := range pending {
		pending[i] = noEid
	}
	nextCallID := 0

	for ev := range events {
		switch ev.kind {
		case runnerInvoke:
			if pending[ev.tid] != noEid {
				return nil, errors.Errorf("linearize: malformed trace: thread %d invoked twice without a return", ev.tid)
			}
			pos := hist.PushBack(Event[Op, Val]{Kind: Invoke, Op: ev.op, CallID: nextCallID})
			nextCallID++
			pending[ev.tid] = pos
		case runnerReturn:
			inv := pending[ev.tid]
			if inv == noEid {
				return nil, errors.Errorf("linearize: malformed trace: thread %d returned with no pending invoke", ev.tid)
			}
			pos := hist.PushBack(Event[Op, Val]{Kind: Return, Val: ev.val})
			hist.Get(inv).RetEventID = pos
			pending[ev.tid] = noEid
		}
	}

	for tid, p := range pending {
		if p != noEid {
			return nil, errors.Errorf("linearize: malformed trace: thread %d has an invoke with no return", tid)
		}
	}
	return hist, nil
}

// entropySeed reads a fresh int64 seed from the OS's entropy source, the
// same way each worker gets its own independent thread-local PRNG.
func entropySeed() int64 {
	var buf [8]byte
	if _, err := crand.Read(buf[:]); err != nil {
		panic(errors.Wrap(err, "linearize: failed to seed PRNG from OS entropy"))
	}
	return int64(binary.LittleEndian.Uint64(buf[:]))
}
