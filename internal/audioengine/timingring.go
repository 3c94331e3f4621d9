package audioengine

import "sync/atomic"

// timingRingSlots is the fixed capacity of TimingRing. 16 slots give the
// producer a full period of slack before an overrun can occur in steady
// state.
const timingRingSlots = 16

// Tick is a single timing record published by the consumer after each pull
// and drained by the producer.
type Tick struct {
	PeriodFrames int64
	NextTime     int64 // wall time of next expected pull, UnixNano
	NextPosition int64 // cumulative device-side frame position at NextTime
}

// TimingRing is a fixed 16-slot single-producer/single-consumer queue of
// Ticks. The consumer (audio server realtime thread) calls Push; the
// producer (protocol client thread) calls Drain to consume everything
// currently queued. Push never blocks: on overrun (consumer publishing
// faster than the producer drains) the newest tick is dropped and Overruns
// is incremented. This is a deliberate, non-fatal policy — a dropped tick
// only delays the producer's next drift correction by one period, which is
// self-healing under the PLL.
type TimingRing struct {
	slots [timingRingSlots]Tick

	// head is the next slot index the consumer will write, tail the next
	// slot index the producer will read. Both are ever-increasing counts,
	// not indices, so "empty" vs "full" is unambiguous without a sentinel.
	head atomic.Uint64 // written by consumer, read by both
	tail atomic.Uint64 // written by producer, read by both

	overruns atomic.Uint64
}

// NewTimingRing returns an empty TimingRing.
func NewTimingRing() *TimingRing {
	return &TimingRing{}
}

// Push publishes a tick. Called only from the consumer side. Drops the
// tick silently (incrementing Overruns) if all 16 slots are unconsumed.
func (r *TimingRing) Push(t Tick) {
	head := r.head.Load()
	tail := r.tail.Load()
	if head-tail >= timingRingSlots {
		r.overruns.Add(1)
		return
	}
	r.slots[head%timingRingSlots] = t
	// Release: the slot write above must be visible to the producer before
	// it observes the incremented head.
	r.head.Store(head + 1)
}

// Drain calls fn once for every tick currently queued, oldest first, and
// removes them. Called only from the producer side.
func (r *TimingRing) Drain(fn func(Tick)) {
	tail := r.tail.Load()
	// Acquire: head must be read after any prior Push's slot write is
	// guaranteed visible, which Store/Load on the same atomic provides.
	head := r.head.Load()
	for tail < head {
		fn(r.slots[tail%timingRingSlots])
		tail++
	}
	r.tail.Store(tail)
}

// Empty reports whether there are no ticks currently queued.
func (r *TimingRing) Empty() bool {
	return r.head.Load() == r.tail.Load()
}

// Overruns returns the cumulative count of ticks dropped due to the
// producer falling more than 16 ticks behind.
func (r *TimingRing) Overruns() uint64 {
	return r.overruns.Load()
}
