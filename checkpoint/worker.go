package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"github.com/unixpickle/essentials"

	"github.com/ujvl/ring-allreduce/allreduce"
	"github.com/ujvl/ring-allreduce/simulator"
)

// ErrUnresolvable is returned by Restore when the object
// store can no longer resolve one of the snapshot's chunk
// references. This is an operational fault, not a logic
// bug: the caller should fall back to an older checkpoint.
var ErrUnresolvable = errors.New("checkpoint chunk references unresolvable")

// A Worker wraps a ring worker and checkpoints it at every
// round boundary. Checkpoints are never taken mid-round; a
// crash mid-round loses the round, which the driver handles
// by re-running it.
type Worker struct {
	// Node is the wrapped protocol state machine.
	Node *allreduce.Worker

	// Checkpoints is the durable store for snapshots.
	Checkpoints Store

	// Logger may be nil to disable logging.
	Logger *slog.Logger

	shouldCheckpoint bool
}

// NewWorker wraps node so that every finished round is
// checkpointed to store.
func NewWorker(node *allreduce.Worker, store Store) *Worker {
	w := &Worker{Node: node, Checkpoints: store}
	node.OnFinish = func() {
		w.shouldCheckpoint = true
	}
	return w
}

// ShouldCheckpoint reports whether a round finished since
// the last call, clearing the flag. It is true exactly
// once per finished round.
func (w *Worker) ShouldCheckpoint() bool {
	should := w.shouldCheckpoint
	w.shouldCheckpoint = false
	return should
}

// Run processes messages until a value arrives on ctrl,
// saving a checkpoint after every finished round.
func (w *Worker) Run(ctrl *simulator.EventStream) {
	for {
		event := w.Node.Handle.Poll(ctrl, w.Node.Port.Incoming)
		if event.Stream == ctrl {
			return
		}
		w.Node.HandleMessage(event.Message.(*simulator.Message))
		w.Node.TakeFinished()
		if w.ShouldCheckpoint() {
			essentials.Must(w.Save(uuid.NewString()))
		}
	}
}

// Save snapshots the worker's recoverable state under id,
// then clears round-scoped state and advances the
// iteration counter. The partition contents are explicitly
// not saved; the snapshot's chunk references stand in for
// them.
func (w *Worker) Save(id string) error {
	done, output := w.Node.RoundRefs()
	snap := &Snapshot{
		Version:      snapshotVersion,
		CheckpointID: id,
		WorkerIndex:  w.Node.Index(),
		NumWorkers:   w.Node.NumWorkers(),
		BufferSize:   w.Node.BufferSize(),
		Peers:        w.Node.PeerTable(),
		DoneRef:      done,
		OutputRef:    output,
		OutRefs:      w.Node.OutRefs(),
		Iteration:    w.Node.Iteration(),
	}
	blob, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := w.Checkpoints.Save(id, blob); err != nil {
		return err
	}

	w.Node.CompleteRound()
	w.logger().Debug("checkpoint saved",
		"worker", w.Node.Index(), "checkpoint", id, "iteration", w.Node.Iteration())
	return nil
}

// Restore rehydrates the worker from the snapshot saved
// under id and idempotently re-publishes the round's done
// and output handles.
//
// An ErrUnresolvable return is non-fatal: the caller
// should try an older checkpoint.
func (w *Worker) Restore(id string) error {
	blob, err := w.Checkpoints.Load(id)
	if err != nil {
		return err
	}
	var snap Snapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		return fmt.Errorf("decode snapshot %s: %w", id, err)
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("snapshot %s has version %d, want %d",
			id, snap.Version, snapshotVersion)
	}
	if snap.WorkerIndex != w.Node.Index() || snap.NumWorkers != w.Node.NumWorkers() ||
		snap.BufferSize != w.Node.BufferSize() {
		return fmt.Errorf("snapshot %s belongs to a different worker", id)
	}

	// All chunk references must still resolve, otherwise
	// the round's results are gone and this checkpoint is
	// useless.
	if _, pending := w.Node.Store.Probe(w.Node.Handle, snap.OutRefs, 0); len(pending) > 0 {
		return fmt.Errorf("%w: %d of %d refs missing",
			ErrUnresolvable, len(pending), len(snap.OutRefs))
	}

	w.Node.SetPeerTable(snap.Peers)
	w.Node.SetRoundRefs(snap.DoneRef, snap.OutputRef)
	for i, ref := range snap.OutRefs {
		w.Node.RestoreChunk(i, ref, w.Node.Store.GetVec(w.Node.Handle, ref))
	}

	// Re-publish the round's handles so waiters that raced
	// the crash still unblock.
	w.Node.Finish()
	w.Node.TakeFinished()

	w.Node.SetIteration(snap.Iteration)
	w.Node.CompleteRound()
	w.shouldCheckpoint = false

	w.logger().Info("restored from checkpoint",
		"worker", w.Node.Index(), "checkpoint", id, "iteration", w.Node.Iteration())
	return nil
}

// LoadCheckpoint tries candidate ids newest-first and
// returns the first one that restores, or false if every
// candidate fails.
func (w *Worker) LoadCheckpoint(candidates []string) (string, bool) {
	for i := len(candidates) - 1; i >= 0; i-- {
		id := candidates[i]
		if err := w.Restore(id); err != nil {
			w.logger().Warn("checkpoint unusable", "checkpoint", id, "err", err)
			continue
		}
		return id, true
	}
	return "", false
}

// LoadLatest restores from the newest usable checkpoint in
// the store.
func (w *Worker) LoadLatest() (string, bool) {
	candidates, err := w.Checkpoints.List()
	if err != nil {
		w.logger().Warn("cannot list checkpoints", "err", err)
		return "", false
	}
	return w.LoadCheckpoint(candidates)
}

func (w *Worker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return discardLogger
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
