package allreduce

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/ujvl/ring-allreduce/objstore"
	"github.com/ujvl/ring-allreduce/simulator"
)

// ErrRoundStalled is returned when a round makes no
// progress within the driver's stall timeout, which is how
// a crashed worker shows up at this layer. The caller is
// expected to recover the crashed worker and re-run the
// round.
var ErrRoundStalled = errors.New("allreduce round stalled")

// DefaultTolerance is the per-element tolerance used when
// verifying round results.
const DefaultTolerance = 1e-5

// A Driver runs all-reduce rounds across a ring of workers
// and optionally validates the results.
//
// The protocol engine itself never enforces timeouts on
// object-store reads; bounding waits is the driver's job.
type Driver struct {
	Handle   *simulator.Handle
	Port     *simulator.Port
	Network  simulator.Network
	Store    *objstore.Store
	Registry *Registry

	// Workers lists the ring members in position order.
	Workers []NodeID

	// StallTimeout bounds, in virtual time, how long the
	// driver waits on round barriers before declaring the
	// round stalled.
	StallTimeout float64

	// Verify enables result validation after every round.
	Verify bool

	// Tolerance is the per-element verification tolerance;
	// zero means DefaultTolerance.
	Tolerance float64

	// Logger may be nil to disable logging.
	Logger *slog.Logger
}

// RoundResult reports one completed round.
type RoundResult struct {
	// DoneLists holds each worker's finalized-chunk
	// reference list, indexed by ring position.
	DoneLists [][]objstore.Ref

	// OutputRefs holds each worker's full-output handle.
	OutputRefs []objstore.Ref

	// Inputs holds each worker's pre-round buffer.
	Inputs [][]float64

	// Elapsed is the round's virtual-time duration.
	Elapsed float64
}

// RunRound drives one all-reduce round over the workers'
// current buffers.
//
// If kill is non-nil it runs after the round-start signals
// are dispatched but before the driver waits on them,
// mimicking a worker crash in the middle of a round.
func (d *Driver) RunRound(kill func()) (*RoundResult, error) {
	inputs, err := d.CollectWeights()
	if err != nil {
		return nil, err
	}
	return d.RunRoundWithInputs(inputs, kill)
}

// RunRoundWithInputs drives one round with explicit input
// vectors. Re-running a crashed round must use the inputs
// captured before the crash: the surviving workers'
// buffers hold partial sums from the aborted attempt.
func (d *Driver) RunRoundWithInputs(inputs [][]float64, kill func()) (*RoundResult, error) {
	start := d.Handle.Time()
	n := len(d.Workers)

	// Fresh handles per round; these are driver-generated,
	// not content-addressed.
	inputRefs := make([]objstore.Ref, n)
	doneRefs := make([]objstore.Ref, n)
	outputRefs := make([]objstore.Ref, n)
	for i := range d.Workers {
		inputRefs[i] = d.Store.Put(d.Handle, inputs[i])
		doneRefs[i] = objstore.NewRef()
		outputRefs[i] = objstore.NewRef()
	}

	for i, id := range d.Workers {
		d.send(id, &executeMsg{
			Input:  inputRefs[i],
			Done:   doneRefs[i],
			Output: outputRefs[i],
		})
	}

	if kill != nil {
		kill()
	}

	// First barrier: make sure no worker's round-start
	// signal was lost or raced against early receives.
	if err := d.collectAcks(n); err != nil {
		return nil, err
	}

	// Second barrier: every worker has published its
	// finalized-chunk list.
	if _, pending := d.Store.Probe(d.Handle, doneRefs, d.stallTimeout()); len(pending) > 0 {
		return nil, fmt.Errorf("%w: %d of %d done handles unresolved",
			ErrRoundStalled, len(pending), n)
	}

	result := &RoundResult{
		DoneLists:  make([][]objstore.Ref, n),
		OutputRefs: outputRefs,
		Inputs:     inputs,
		Elapsed:    d.Handle.Time() - start,
	}
	for i, ref := range doneRefs {
		result.DoneLists[i] = d.Store.Get(d.Handle, ref).([]objstore.Ref)
	}

	if d.Verify {
		if err := d.verify(result); err != nil {
			return nil, err
		}
	}

	d.logger().Info("round finished", "elapsed", result.Elapsed)
	return result, nil
}

// CollectWeights reads every worker's current buffer.
func (d *Driver) CollectWeights() ([][]float64, error) {
	replies, err := d.pollWorkers()
	if err != nil {
		return nil, err
	}
	weights := make([][]float64, len(d.Workers))
	for i, reply := range replies {
		weights[i] = reply.Weights
	}
	return weights, nil
}

// CollectIterations reads every worker's completed-round
// counter.
func (d *Driver) CollectIterations() ([]int, error) {
	replies, err := d.pollWorkers()
	if err != nil {
		return nil, err
	}
	iterations := make([]int, len(d.Workers))
	for i, reply := range replies {
		iterations[i] = reply.Iteration
	}
	return iterations, nil
}

// ResetWorkers clears round-scoped state on every worker,
// used before re-running a stalled round.
func (d *Driver) ResetWorkers() {
	for _, id := range d.Workers {
		d.send(id, resetMsg{})
	}
}

// pollWorkers sends a weights request to every worker and
// gathers the replies, bounded by the stall timeout.
func (d *Driver) pollWorkers() ([]*weightsReply, error) {
	for _, id := range d.Workers {
		d.send(id, weightsMsg{})
	}

	replies := make([]*weightsReply, len(d.Workers))
	received := 0
	timeoutStream := d.Handle.Stream()
	timer := d.Handle.Schedule(timeoutStream, nil, d.stallTimeout())
	defer d.Handle.Cancel(timer)

	for received < len(d.Workers) {
		event := d.Handle.Poll(timeoutStream, d.Port.Incoming)
		if event.Stream == timeoutStream {
			return nil, fmt.Errorf("%w: %d of %d weight replies received",
				ErrRoundStalled, received, len(d.Workers))
		}
		reply, ok := event.Message.(*simulator.Message).Message.(*weightsReply)
		if !ok {
			// A stray ack from an aborted round.
			continue
		}
		replies[reply.Worker] = reply
		received++
	}
	return replies, nil
}

func (d *Driver) collectAcks(n int) error {
	timeoutStream := d.Handle.Stream()
	timer := d.Handle.Schedule(timeoutStream, nil, d.stallTimeout())
	defer d.Handle.Cancel(timer)

	acked := 0
	for acked < n {
		event := d.Handle.Poll(timeoutStream, d.Port.Incoming)
		if event.Stream == timeoutStream {
			return fmt.Errorf("%w: %d of %d workers acknowledged",
				ErrRoundStalled, acked, n)
		}
		if _, ok := event.Message.(*simulator.Message).Message.(*executeAck); ok {
			acked++
		}
	}
	return nil
}

// verify checks that all workers finalized identical chunk
// reference lists and that every output equals the
// element-wise sum of the inputs.
func (d *Driver) verify(result *RoundResult) error {
	for i, list := range result.DoneLists[1:] {
		if len(list) != len(result.DoneLists[0]) {
			return fmt.Errorf("worker %d finalized %d chunks, worker 0 finalized %d",
				i+1, len(list), len(result.DoneLists[0]))
		}
		for j, ref := range list {
			if ref != result.DoneLists[0][j] {
				return fmt.Errorf("worker %d disagrees on chunk %d's reference", i+1, j)
			}
		}
	}

	expected := make([]float64, len(result.Inputs[0]))
	for _, input := range result.Inputs {
		for i, x := range input {
			expected[i] += x
		}
	}

	tolerance := d.Tolerance
	if tolerance == 0 {
		tolerance = DefaultTolerance
	}
	for i, ref := range result.OutputRefs {
		output := d.Store.GetVec(d.Handle, ref)
		if len(output) != len(expected) {
			return fmt.Errorf("worker %d output has length %d, expected %d",
				i, len(output), len(expected))
		}
		for j, x := range output {
			if math.Abs(x-expected[j]) > tolerance {
				return fmt.Errorf("worker %d output[%d] = %f, expected %f",
					i, j, x, expected[j])
			}
		}
	}
	return nil
}

func (d *Driver) send(id NodeID, m interface{}) {
	size := 1.0
	if sized, ok := m.(interface{ wireSize() float64 }); ok {
		size = sized.wireSize()
	}
	d.Network.Send(d.Handle, &simulator.Message{
		Source:  d.Port,
		Dest:    d.Registry.Lookup(id),
		Message: m,
		Size:    size,
	})
}

func (d *Driver) stallTimeout() float64 {
	if d.StallTimeout > 0 {
		return d.StallTimeout
	}
	return 1e6
}

func (d *Driver) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return discardLogger
}
