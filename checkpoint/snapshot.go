// Package checkpoint makes ring all-reduce workers
// crash-recoverable at round boundaries.
//
// A checkpoint records where a round's reduced chunks live
// in the object store, never the chunk contents
// themselves. Restoring succeeds as long as the store can
// still resolve those references, which skips re-running
// the reduction after a crash.
package checkpoint

import (
	"github.com/ujvl/ring-allreduce/allreduce"
	"github.com/ujvl/ring-allreduce/objstore"
)

// snapshotVersion guards against decoding snapshots
// written by an incompatible release.
const snapshotVersion = 1

// A Snapshot is the explicit record of every recoverable
// worker field. Checkpoints are taken only at round
// boundaries, so no mid-round protocol state appears here.
type Snapshot struct {
	Version      int    `json:"version"`
	CheckpointID string `json:"checkpoint_id"`

	WorkerIndex int `json:"worker_index"`
	NumWorkers  int `json:"num_workers"`
	BufferSize  int `json:"buffer_size"`

	Peers map[int]allreduce.NodeID `json:"peers"`

	DoneRef   objstore.Ref   `json:"done_ref"`
	OutputRef objstore.Ref   `json:"output_ref"`
	OutRefs   []objstore.Ref `json:"out_refs"`

	Iteration int `json:"iteration"`
}
