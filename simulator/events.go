package simulator

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/unixpickle/essentials"
)

// An EventStream is a uni-directional channel of events
// delivered through an EventLoop.
//
// A stream may only be used with the EventLoop that
// created it.
type EventStream struct {
	loop    *EventLoop
	backlog []interface{}
}

// An Event is a message received on some EventStream.
type Event struct {
	Message interface{}
	Stream  *EventStream
}

// A Timer is a single pending delivery of an event at a
// point in the (virtual) future.
type Timer struct {
	time  float64
	event *Event
}

// Time gets the virtual time at which the timer fires.
//
// While the loop's clock is below Time(), the timer is
// guaranteed not to have fired.
func (t *Timer) Time() float64 {
	return t.time
}

// A Handle is a single Goroutine's view of an EventLoop.
// Handles must not be shared between Goroutines.
type Handle struct {
	*EventLoop

	// Set while the Goroutine is polling.
	pollStreams []*EventStream
	pollChan    chan<- *Event
}

// Poll blocks until an event arrives on one of streams.
//
// Events already buffered on a stream are consumed first,
// in arrival order.
func (h *Handle) Poll(streams ...*EventStream) *Event {
	ch := make(chan *Event, 1)
	h.modifyHandles(func() {
		if h.pollStreams != nil {
			panic("Handle is shared between Goroutines")
		}
		for _, stream := range streams {
			if len(stream.backlog) > 0 {
				msg := stream.backlog[0]
				essentials.OrderedDelete(&stream.backlog, 0)
				ch <- &Event{Message: msg, Stream: stream}
				return
			}
		}
		h.pollStreams = streams
		h.pollChan = ch
	})
	return <-ch
}

// Schedule arranges for msg to arrive on stream after the
// given amount of virtual time.
func (h *Handle) Schedule(stream *EventStream, msg interface{}, delay float64) *Timer {
	if stream.loop != h.EventLoop {
		panic("EventStream belongs to a different EventLoop")
	}
	var timer *Timer
	h.modify(func() {
		deadline := h.time + delay
		if math.IsInf(deadline, 0) || math.IsNaN(deadline) {
			panic(fmt.Sprintf("invalid deadline: %f", deadline))
		}
		timer = &Timer{
			time:  deadline,
			event: &Event{Message: msg, Stream: stream},
		}
		h.timers = append(h.timers, timer)
	})
	return timer
}

// Cancel stops a timer if it has not fired yet.
func (h *Handle) Cancel(t *Timer) {
	h.modify(func() {
		for i, timer := range h.timers {
			if timer == t {
				essentials.UnorderedDelete(&h.timers, i)
				return
			}
		}
	})
}

// Sleep blocks for an amount of virtual time.
func (h *Handle) Sleep(delay float64) {
	stream := h.Stream()
	h.Schedule(stream, nil, delay)
	h.Poll(stream)
}

// An EventLoop schedules events for a set of simulated
// Goroutines and advances a virtual clock.
//
// All Goroutines which touch the loop must be started via
// Go(). The loop only makes progress while every active
// Goroutine is polling, so simulated machines never race
// against real time.
type EventLoop struct {
	lock    sync.Mutex
	timers  []*Timer
	handles []*Handle

	time float64

	running  bool
	notifyCh chan struct{}
}

// NewEventLoop creates an event loop with its clock at 0.
func NewEventLoop() *EventLoop {
	return &EventLoop{notifyCh: make(chan struct{}, 1)}
}

// Stream creates a new EventStream on the loop.
func (e *EventLoop) Stream() *EventStream {
	return &EventStream{loop: e}
}

// Go runs f in a new Goroutine with its own Handle.
func (e *EventLoop) Go(f func(h *Handle)) {
	h := &Handle{EventLoop: e}
	e.lock.Lock()
	e.handles = append(e.handles, h)
	e.lock.Unlock()
	go func() {
		f(h)
		e.modifyHandles(func() {
			for i, handle := range e.handles {
				if handle == h {
					essentials.UnorderedDelete(&e.handles, i)
					return
				}
			}
			panic("cannot free handle that does not exist")
		})
	}()
}

// Run drives the loop until every handle has been freed.
//
// Run must not be called from more than one Goroutine at
// once. It returns an error if the system deadlocks.
func (e *EventLoop) Run() error {
	e.lock.Lock()
	if e.running {
		e.lock.Unlock()
		panic("EventLoop is already running")
	}
	e.running = true
	e.lock.Unlock()

	defer func() {
		e.lock.Lock()
		e.running = false
		e.lock.Unlock()
	}()

	for range e.notifyCh {
		if shouldContinue, err := e.step(); !shouldContinue {
			return err
		}
	}

	panic("unreachable")
}

// MustRun is like Run, but panics on deadlock.
func (e *EventLoop) MustRun() {
	if err := e.Run(); err != nil {
		panic(err)
	}
}

// Time gets the current virtual time.
func (e *EventLoop) Time() float64 {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.time
}

// modify runs f with the loop state locked.
//
// Use modifyHandles instead if f may change which handles
// are runnable.
func (e *EventLoop) modify(f func()) {
	e.lock.Lock()
	defer e.lock.Unlock()
	f()
}

// modifyHandles is like modify(), but wakes the loop up
// afterwards so it can re-plan scheduling.
func (e *EventLoop) modifyHandles(f func()) {
	e.lock.Lock()
	defer func() {
		e.lock.Unlock()
		select {
		case e.notifyCh <- struct{}{}:
		default:
		}
	}()
	f()
}

// step fires the next timer, if the loop can make
// progress.
//
// The first return value is false once the loop should
// stop, in which case the error reports a deadlock if one
// occurred.
func (e *EventLoop) step() (bool, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	if len(e.handles) == 0 {
		return false, nil
	}

	for _, h := range e.handles {
		if len(h.pollStreams) == 0 {
			// A Goroutine is doing real-time work; let it
			// get back to the loop first.
			return true, nil
		}
	}

	for len(e.timers) > 0 {
		timer := e.timers[e.nextTimerIndex()]
		e.removeTimer(timer)
		e.time = math.Max(e.time, timer.time)
		if e.deliver(timer.event) {
			return true, nil
		}
	}

	return false, errors.New("deadlock: all Handles are polling")
}

// nextTimerIndex picks the timer to fire next, choosing
// uniformly among timers that share the earliest deadline
// so that ties never resolve in a deterministic order.
func (e *EventLoop) nextTimerIndex() int {
	minTime := e.timers[0].time
	for _, t := range e.timers[1:] {
		if t.time < minTime {
			minTime = t.time
		}
	}
	var candidates []int
	for i, t := range e.timers {
		if t.time == minTime {
			candidates = append(candidates, i)
		}
	}
	return candidates[rand.Intn(len(candidates))]
}

func (e *EventLoop) removeTimer(t *Timer) {
	for i, timer := range e.timers {
		if timer == t {
			essentials.UnorderedDelete(&e.timers, i)
			return
		}
	}
}

// deliver hands an event to a polling Goroutine, or
// buffers it on the stream if nobody is listening yet.
func (e *EventLoop) deliver(event *Event) bool {
	// Start scanning at a random handle so concurrent
	// receivers don't get events in a deterministic order.
	offset := rand.Intn(len(e.handles))
	for i := range e.handles {
		h := e.handles[(i+offset)%len(e.handles)]
		for _, stream := range h.pollStreams {
			if stream == event.Stream {
				h.pollChan <- event
				h.pollChan = nil
				h.pollStreams = nil
				return true
			}
		}
	}
	event.Stream.backlog = append(event.Stream.backlog, event.Message)
	return false
}
