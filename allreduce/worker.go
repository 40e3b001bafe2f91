package allreduce

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/unixpickle/essentials"

	"github.com/ujvl/ring-allreduce/objstore"
	"github.com/ujvl/ring-allreduce/simulator"
)

// A Worker is one node's state machine for the two-phase
// ring pass.
//
// A Worker is logically single-threaded: all of its
// operations run strictly one at a time on the Goroutine
// that calls Run. Parallelism exists only across workers,
// which communicate through fire-and-forget chunk messages
// plus the shared object store.
type Worker struct {
	// Wiring, set before Run.
	Handle   *simulator.Handle
	Port     *simulator.Port
	Network  simulator.Network
	Store    *objstore.Store
	Registry *Registry

	// Logger may be nil to disable logging.
	Logger *slog.Logger

	// OnFinish, if set, runs immediately after a round
	// finishes, before any further message is processed.
	// The checkpointing layer hooks in here.
	OnFinish func()

	id         NodeID
	index      int
	numWorkers int

	peers map[int]NodeID
	part  *Partition

	// Round-scoped state.
	executing          bool
	doneRef, outputRef objstore.Ref
	outRefs            []objstore.Ref
	aggregateReceived  map[int]bool
	broadcastReceived  map[int]bool
	backlog            []*chunkMsg
	finished           bool

	iteration int
}

// NewWorker creates the state machine for ring position
// index out of numWorkers, with a bufferSize-element
// buffer. The initial buffer contents are weights, or all
// ones if weights is nil.
func NewWorker(id NodeID, index, numWorkers, bufferSize int, weights []float64) *Worker {
	if numWorkers < 2 {
		panic("ring requires at least two workers")
	}
	w := &Worker{
		id:         id,
		index:      index,
		numWorkers: numWorkers,
		peers:      map[int]NodeID{},
		part:       NewPartition(bufferSize, numWorkers, weights),
	}
	w.resetRound()
	return w
}

// ID returns the worker's logical node ID.
func (w *Worker) ID() NodeID {
	return w.id
}

// Index returns the worker's ring position.
func (w *Worker) Index() int {
	return w.index
}

// NumWorkers returns the ring size.
func (w *Worker) NumWorkers() int {
	return w.numWorkers
}

// Iteration returns the number of completed rounds.
func (w *Worker) Iteration() int {
	return w.iteration
}

// SetIteration overwrites the iteration counter. It is
// used when rehydrating a worker from a checkpoint.
func (w *Worker) SetIteration(n int) {
	w.iteration = n
}

// BufferSize returns the worker's full vector length.
func (w *Worker) BufferSize() int {
	return w.part.Size()
}

// Weights returns a copy of the worker's full buffer.
func (w *Worker) Weights() []float64 {
	return w.part.Weights()
}

// AddPeer records the NodeID occupying a ring position.
func (w *Worker) AddPeer(index int, id NodeID) {
	w.peers[index] = id
}

// PeerTable returns a copy of the ring position → NodeID
// table.
func (w *Worker) PeerTable() map[int]NodeID {
	table := make(map[int]NodeID, len(w.peers))
	for i, id := range w.peers {
		table[i] = id
	}
	return table
}

// SetPeerTable replaces the peer table, e.g. from a
// checkpoint snapshot.
func (w *Worker) SetPeerTable(table map[int]NodeID) {
	w.peers = make(map[int]NodeID, len(table))
	for i, id := range table {
		w.peers[i] = id
	}
}

// Run processes messages until a value arrives on ctrl.
//
// Bare workers complete rounds without checkpointing; see
// the checkpoint package for the crash-recoverable loop.
func (w *Worker) Run(ctrl *simulator.EventStream) {
	for {
		event := w.Handle.Poll(ctrl, w.Port.Incoming)
		if event.Stream == ctrl {
			return
		}
		w.HandleMessage(event.Message.(*simulator.Message))
		if w.TakeFinished() {
			w.CompleteRound()
		}
	}
}

// HandleMessage dispatches a single RPC to the state
// machine. Callers must invoke it from one Goroutine only.
func (w *Worker) HandleMessage(msg *simulator.Message) {
	switch m := msg.Message.(type) {
	case *executeMsg:
		input := w.Store.GetVec(w.Handle, m.Input)
		w.Execute(input, m.Done, m.Output)
		w.reply(msg.Source, &executeAck{Worker: w.index})
	case *chunkMsg:
		w.Receive(m.Chunk, m.Aggregate, m.Payload)
	case weightsMsg:
		w.reply(msg.Source, &weightsReply{
			Worker:    w.index,
			Iteration: w.iteration,
			Weights:   w.part.Weights(),
		})
	case resetMsg:
		w.resetRound()
	default:
		panic(fmt.Sprintf("unknown message type: %T", m))
	}
}

// Execute starts a round: it loads the input vector, puts
// the worker's own chunk into the ring, and replays any
// chunks that arrived before the round started, in their
// original arrival order.
//
// Calling Execute while a round is in flight is a protocol
// violation.
func (w *Worker) Execute(input []float64, done, output objstore.Ref) {
	if w.executing {
		panic("protocol violation: execute during an in-flight round")
	}
	w.logger().Debug("execute", "worker", w.index, "iteration", w.iteration)

	w.part.SetWeights(input)
	w.executing = true
	w.doneRef = done
	w.outputRef = output

	w.Send(w.index, true)
	for len(w.backlog) > 0 {
		m := w.backlog[0]
		essentials.OrderedDelete(&w.backlog, 0)
		w.Receive(m.Chunk, m.Aggregate, m.Payload)
	}
}

// Receive processes one chunk message.
//
// Chunks that arrive before Execute are buffered and
// replayed once the round starts. Receiving the same chunk
// twice in the same phase is a protocol violation.
func (w *Worker) Receive(chunk int, aggregate bool, payload objstore.Ref) {
	if !w.executing {
		w.backlog = append(w.backlog, &chunkMsg{
			Chunk:     chunk,
			Aggregate: aggregate,
			Payload:   payload,
		})
		return
	}

	data := w.Store.GetVec(w.Handle, payload)

	var ref objstore.Ref
	if aggregate {
		if w.aggregateReceived[chunk] {
			panic(fmt.Sprintf("protocol violation: duplicate aggregate chunk %d", chunk))
		}
		w.aggregateReceived[chunk] = true
		w.part.AddChunk(chunk, data)
		// Our successor originated this chunk, so it has
		// now traversed every worker and is fully reduced.
		// Forward it as a broadcast instead.
		if chunk == (w.index+1)%w.numWorkers {
			aggregate = false
		}
		ref = w.Send(chunk, aggregate)
	} else {
		if w.broadcastReceived[chunk] {
			panic(fmt.Sprintf("protocol violation: duplicate broadcast chunk %d", chunk))
		}
		w.broadcastReceived[chunk] = true
		w.part.SetChunk(chunk, data)
		// The worker two hops behind the chunk's origin
		// already holds the reduced value, so propagation
		// stops one hop early.
		if chunk != (w.index+2)%w.numWorkers {
			w.Send(chunk, false)
		}
		ref = payload
	}

	if !aggregate {
		// The chunk is fully reduced; remember where it
		// lives.
		w.outRefs[chunk] = ref
	}

	// A worker never receives its own chunk in either
	// phase, hence the +2.
	if len(w.aggregateReceived)+len(w.broadcastReceived)+2 == 2*w.numWorkers {
		w.Finish()
	}
}

// Send publishes the current contents of a chunk and
// dispatches it fire-and-forget to the ring successor,
// returning the reference used. A reference the payload
// already arrived under is reused instead of storing a
// second copy.
func (w *Worker) Send(chunk int, aggregate bool) objstore.Ref {
	data := w.part.Chunk(chunk)
	ref, ok := w.Store.GetExistingRef(data)
	if !ok {
		ref = w.Store.Put(w.Handle, data)
	}

	successor := w.peers[(w.index+1)%w.numWorkers]
	msg := &chunkMsg{
		Chunk:      chunk,
		Aggregate:  aggregate,
		Payload:    ref,
		payloadLen: len(data),
	}
	w.Network.Send(w.Handle, &simulator.Message{
		Source:  w.Port,
		Dest:    w.Registry.Lookup(successor),
		Message: msg,
		Size:    msg.wireSize(),
	})
	return ref
}

// Finish publishes the round's results: the concatenated
// reduced vector under the output handle and the list of
// finalized chunk references under the done handle. Both
// publishes are idempotent, so a checkpoint restore can
// re-invoke Finish safely.
func (w *Worker) Finish() {
	outputs := make([][]float64, w.numWorkers)
	for i, ref := range w.outRefs {
		if ref == "" {
			panic(fmt.Sprintf("chunk %d was never finalized", i))
		}
		outputs[i] = w.Store.GetVec(w.Handle, ref)
	}

	if w.outputRef != "" {
		full := make([]float64, 0, w.part.Size())
		for _, out := range outputs {
			full = append(full, out...)
		}
		w.Store.PutRef(w.Handle, w.outputRef, full)
	}
	if w.doneRef != "" {
		w.Store.PutRef(w.Handle, w.doneRef, append([]objstore.Ref(nil), w.outRefs...))
	}

	w.logger().Debug("finish", "worker", w.index, "iteration", w.iteration)

	// Accept buffered early arrivals for the next round
	// from here on.
	w.executing = false
	w.finished = true
	if w.OnFinish != nil {
		w.OnFinish()
	}
}

// TakeFinished reports whether a round finished since the
// last call, clearing the flag.
func (w *Worker) TakeFinished() bool {
	finished := w.finished
	w.finished = false
	return finished
}

// CompleteRound clears round-scoped state and advances the
// iteration counter.
func (w *Worker) CompleteRound() {
	w.resetRound()
	w.iteration++
}

// RoundRefs returns the done and output handles of the
// current (or just-finished) round.
func (w *Worker) RoundRefs() (done, output objstore.Ref) {
	return w.doneRef, w.outputRef
}

// SetRoundRefs overwrites the round handles, e.g. from a
// checkpoint snapshot.
func (w *Worker) SetRoundRefs(done, output objstore.Ref) {
	w.doneRef = done
	w.outputRef = output
}

// OutRefs returns a copy of the finalized-chunk reference
// list.
func (w *Worker) OutRefs() []objstore.Ref {
	return append([]objstore.Ref(nil), w.outRefs...)
}

// RestoreChunk overwrites one chunk and its finalized
// reference, e.g. from a checkpoint snapshot.
func (w *Worker) RestoreChunk(i int, ref objstore.Ref, data []float64) {
	w.part.SetChunk(i, data)
	w.outRefs[i] = ref
}

func (w *Worker) resetRound() {
	w.executing = false
	w.finished = false
	w.doneRef = ""
	w.outputRef = ""
	w.outRefs = make([]objstore.Ref, w.numWorkers)
	w.aggregateReceived = map[int]bool{}
	w.broadcastReceived = map[int]bool{}
	w.backlog = nil
}

func (w *Worker) reply(dst *simulator.Port, m interface{}) {
	size := 1.0
	if sized, ok := m.(interface{ wireSize() float64 }); ok {
		size = sized.wireSize()
	}
	w.Network.Send(w.Handle, &simulator.Message{
		Source:  w.Port,
		Dest:    dst,
		Message: m,
		Size:    size,
	})
}

func (w *Worker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return discardLogger
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
