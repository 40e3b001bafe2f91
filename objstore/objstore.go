// Package objstore implements the shared object store that
// ring all-reduce workers exchange bulk payloads through.
//
// Values are immutable once stored. Vector payloads are
// content-addressed, so re-publishing a value some other
// node already stored is free and yields the same Ref.
// Out-of-band handles (e.g. a driver's round handles) are
// created with NewRef and filled in later with PutRef.
package objstore

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
	"sync"

	"github.com/google/uuid"
	"github.com/ujvl/ring-allreduce/simulator"
)

// A Ref is an opaque handle to an immutable stored value.
type Ref string

// NewRef creates a fresh out-of-band reference that no
// value has been stored under yet.
func NewRef() Ref {
	return Ref(uuid.NewString())
}

// A Store holds immutable values shared by every node.
//
// Blocking reads cooperate with the virtual event loop:
// a Goroutine waiting on a missing value polls an event
// stream rather than blocking the loop.
type Store struct {
	mu      sync.Mutex
	objects map[Ref]interface{}
	waiters map[Ref][]*simulator.EventStream
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		objects: map[Ref]interface{}{},
		waiters: map[Ref][]*simulator.EventStream{},
	}
}

// Put stores a vector and returns its content-addressed
// reference. Storing the same contents twice returns the
// same Ref.
//
// The stored value is a copy; the caller may keep mutating
// vec.
func (s *Store) Put(h *simulator.Handle, vec []float64) Ref {
	ref := contentRef(vec)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[ref]; !ok {
		s.objects[ref] = append([]float64(nil), vec...)
		s.notify(h, ref)
	}
	return ref
}

// PutRef stores a value under a caller-chosen reference.
//
// References are write-once: publishing the same ref again
// is a no-op, which makes re-publication after a restore
// idempotent.
func (s *Store) PutRef(h *simulator.Handle, ref Ref, value interface{}) {
	if v, ok := value.([]float64); ok {
		value = append([]float64(nil), v...)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[ref]; ok {
		return
	}
	s.objects[ref] = value
	s.notify(h, ref)
}

// Get reads the value stored under ref, blocking in
// virtual time until it is published.
func (s *Store) Get(h *simulator.Handle, ref Ref) interface{} {
	s.mu.Lock()
	if value, ok := s.objects[ref]; ok {
		s.mu.Unlock()
		return copyValue(value)
	}
	stream := h.Stream()
	s.waiters[ref] = append(s.waiters[ref], stream)
	s.mu.Unlock()
	return copyValue(h.Poll(stream).Message)
}

// GetVec is Get for vector payloads.
func (s *Store) GetVec(h *simulator.Handle, ref Ref) []float64 {
	return s.Get(h, ref).([]float64)
}

// GetExistingRef returns the reference a vector is already
// stored under, if any. This lets a node forward a payload
// it just received without storing a second copy.
func (s *Store) GetExistingRef(vec []float64) (Ref, bool) {
	ref := contentRef(vec)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[ref]
	return ref, ok
}

// Probe checks which refs are resolvable, waiting at most
// timeout units of virtual time for missing ones. A
// timeout of 0 is a pure existence check.
func (s *Store) Probe(h *simulator.Handle, refs []Ref, timeout float64) (ready, pending []Ref) {
	s.mu.Lock()
	streams := map[*simulator.EventStream]Ref{}
	var pollSet []*simulator.EventStream
	for _, ref := range refs {
		if _, ok := s.objects[ref]; ok {
			ready = append(ready, ref)
		} else if timeout > 0 {
			stream := h.Stream()
			s.waiters[ref] = append(s.waiters[ref], stream)
			streams[stream] = ref
			pollSet = append(pollSet, stream)
		} else {
			pending = append(pending, ref)
		}
	}
	s.mu.Unlock()

	if len(pollSet) == 0 {
		return ready, pending
	}

	timeoutStream := h.Stream()
	timer := h.Schedule(timeoutStream, nil, timeout)
	for len(streams) > 0 {
		event := h.Poll(append(pollSet, timeoutStream)...)
		if event.Stream == timeoutStream {
			break
		}
		ref := streams[event.Stream]
		delete(streams, event.Stream)
		for i, stream := range pollSet {
			if stream == event.Stream {
				pollSet = append(pollSet[:i], pollSet[i+1:]...)
				break
			}
		}
		ready = append(ready, ref)
	}
	h.Cancel(timer)

	for _, ref := range streams {
		pending = append(pending, ref)
	}
	return ready, pending
}

// Size returns the number of stored objects.
func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

// notify wakes every Goroutine waiting on ref.
//
// Must be called with s.mu held.
func (s *Store) notify(h *simulator.Handle, ref Ref) {
	value := s.objects[ref]
	for _, stream := range s.waiters[ref] {
		h.Schedule(stream, value, 0)
	}
	delete(s.waiters, ref)
}

func copyValue(value interface{}) interface{} {
	if v, ok := value.([]float64); ok {
		return append([]float64(nil), v...)
	}
	return value
}

// contentRef hashes a vector's contents into a Ref.
func contentRef(vec []float64) Ref {
	hash := fnv.New64a()
	var buf [8]byte
	for _, x := range vec {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(x))
		hash.Write(buf[:])
	}
	return Ref(fmt.Sprintf("vec-%d-%016x", len(vec), hash.Sum64()))
}
