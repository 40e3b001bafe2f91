package checkpoint

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ujvl/ring-allreduce/allreduce"
	"github.com/ujvl/ring-allreduce/objstore"
	"github.com/ujvl/ring-allreduce/simulator"
)

// newTestNode builds a worker for position 0 of a 3-ring
// with a 9-element buffer.
func newTestNode(store *objstore.Store) *allreduce.Worker {
	node := allreduce.NewWorker(allreduce.NewNodeID(), 0, 3, 9, nil)
	node.Store = store
	for i := 0; i < 3; i++ {
		node.AddPeer(i, allreduce.NewNodeID())
	}
	return node
}

// finishRound puts a synthetic finished round into node:
// three reduced chunks in the store plus fresh round
// handles, followed by the finish hook.
func finishRound(h *simulator.Handle, node *allreduce.Worker, store *objstore.Store) {
	chunks := [][]float64{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}}
	for i, chunk := range chunks {
		node.RestoreChunk(i, store.Put(h, chunk), chunk)
	}
	node.SetRoundRefs(objstore.NewRef(), objstore.NewRef())
	node.Finish()
	node.TakeFinished()
}

func TestWorkerSaveRestore(t *testing.T) {
	loop := simulator.NewEventLoop()
	store := objstore.NewStore()
	ckpts := NewMemStore()

	loop.Go(func(h *simulator.Handle) {
		node := newTestNode(store)
		node.Handle = h
		w := NewWorker(node, ckpts)

		finishRound(h, node, store)
		assert.True(t, w.ShouldCheckpoint())
		if !assert.NoError(t, w.Save("ckpt-1")) {
			return
		}
		assert.Equal(t, 1, node.Iteration())

		restored := newTestNode(store)
		restored.Handle = h
		w2 := NewWorker(restored, ckpts)
		if !assert.NoError(t, w2.Restore("ckpt-1")) {
			return
		}

		assert.Equal(t, 1, restored.Iteration())
		assert.Equal(t, node.Weights(), restored.Weights())
		assert.Equal(t, node.PeerTable(), restored.PeerTable())
		assert.False(t, w2.ShouldCheckpoint())
	})
	loop.MustRun()
}

// Restoring against a store that lost the round's chunks
// must fail with ErrUnresolvable so the caller can fall
// back to an older checkpoint.
func TestWorkerRestoreUnresolvable(t *testing.T) {
	loop := simulator.NewEventLoop()
	ckpts := NewMemStore()

	loop.Go(func(h *simulator.Handle) {
		store := objstore.NewStore()
		node := newTestNode(store)
		node.Handle = h
		w := NewWorker(node, ckpts)
		finishRound(h, node, store)
		if !assert.NoError(t, w.Save("ckpt-1")) {
			return
		}

		restored := newTestNode(objstore.NewStore())
		restored.Handle = h
		w2 := NewWorker(restored, ckpts)
		assert.ErrorIs(t, w2.Restore("ckpt-1"), ErrUnresolvable)
	})
	loop.MustRun()
}

func TestWorkerRestoreVersionMismatch(t *testing.T) {
	ckpts := NewMemStore()
	blob, err := json.Marshal(&Snapshot{
		Version:     snapshotVersion + 1,
		WorkerIndex: 0,
		NumWorkers:  3,
		BufferSize:  9,
	})
	require.NoError(t, err)
	require.NoError(t, ckpts.Save("bad", blob))

	w := NewWorker(newTestNode(objstore.NewStore()), ckpts)
	err = w.Restore("bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version")
}

func TestWorkerRestoreWrongWorker(t *testing.T) {
	ckpts := NewMemStore()
	blob, err := json.Marshal(&Snapshot{
		Version:     snapshotVersion,
		WorkerIndex: 2,
		NumWorkers:  3,
		BufferSize:  9,
	})
	require.NoError(t, err)
	require.NoError(t, ckpts.Save("other", blob))

	w := NewWorker(newTestNode(objstore.NewStore()), ckpts)
	assert.Error(t, w.Restore("other"))
}

// The newest checkpoint is tried first; an unusable one
// falls back to the one before it.
func TestWorkerLoadLatestFallsBack(t *testing.T) {
	loop := simulator.NewEventLoop()
	ckpts := NewMemStore()

	loop.Go(func(h *simulator.Handle) {
		store := objstore.NewStore()
		node := newTestNode(store)
		node.Handle = h
		w := NewWorker(node, ckpts)

		finishRound(h, node, store)
		if !assert.NoError(t, w.Save("ckpt-1")) {
			return
		}

		// A later checkpoint whose chunk refs were never
		// published.
		blob, err := json.Marshal(&Snapshot{
			Version:      snapshotVersion,
			CheckpointID: "ckpt-2",
			WorkerIndex:  0,
			NumWorkers:   3,
			BufferSize:   9,
			Peers:        node.PeerTable(),
			OutRefs:      []objstore.Ref{objstore.NewRef(), objstore.NewRef(), objstore.NewRef()},
			Iteration:    1,
		})
		if !assert.NoError(t, err) {
			return
		}
		if !assert.NoError(t, ckpts.Save("ckpt-2", blob)) {
			return
		}

		restored := newTestNode(store)
		restored.Handle = h
		w2 := NewWorker(restored, ckpts)
		id, ok := w2.LoadLatest()
		assert.True(t, ok)
		assert.Equal(t, "ckpt-1", id)
		assert.Equal(t, 1, restored.Iteration())
	})
	loop.MustRun()
}
