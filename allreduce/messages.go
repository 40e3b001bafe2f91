package allreduce

import "github.com/ujvl/ring-allreduce/objstore"

// refWireSize approximates the encoded size of an object
// reference on the wire.
const refWireSize = 20.0

// executeMsg starts one all-reduce round on a worker.
type executeMsg struct {
	// Input is the worker's input vector for this round.
	Input objstore.Ref

	// Done, when set, receives the list of finalized chunk
	// references once the round completes.
	Done objstore.Ref

	// Output, when set, receives the concatenated reduced
	// vector once the round completes.
	Output objstore.Ref
}

func (e *executeMsg) wireSize() float64 {
	return 3 * refWireSize
}

// executeAck is the worker's acknowledgement that its
// round-start signal was processed.
type executeAck struct {
	Worker int
}

func (e *executeAck) wireSize() float64 {
	return 8
}

// chunkMsg carries one chunk of the ring pass. It is
// dispatched fire-and-forget to the ring successor.
type chunkMsg struct {
	// Chunk is the chunk index the payload belongs to.
	Chunk int

	// Aggregate distinguishes the reduce pass (accumulate)
	// from the broadcast pass (overwrite).
	Aggregate bool

	// Payload references the chunk contents in the object
	// store.
	Payload objstore.Ref

	// payloadLen models the bulk transfer that the object
	// store performs underneath the reference.
	payloadLen int
}

func (c *chunkMsg) wireSize() float64 {
	return refWireSize + 9 + float64(c.payloadLen*8)
}

// weightsMsg asks a worker for a diagnostic copy of its
// full buffer.
type weightsMsg struct{}

func (weightsMsg) wireSize() float64 {
	return 1
}

// weightsReply answers a weightsMsg.
type weightsReply struct {
	Worker    int
	Iteration int
	Weights   []float64
}

func (w *weightsReply) wireSize() float64 {
	return 16 + float64(len(w.Weights)*8)
}

// resetMsg clears a worker's round-scoped state.
type resetMsg struct{}

func (resetMsg) wireSize() float64 {
	return 1
}
