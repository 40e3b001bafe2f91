// Package cluster wires a simulated ring of checkpointed
// all-reduce workers to a driver: it spawns the worker
// Goroutines, exchanges peer IDs, injects crashes, and
// recovers stalled rounds from checkpoints.
package cluster

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/ujvl/ring-allreduce/allreduce"
	"github.com/ujvl/ring-allreduce/checkpoint"
	"github.com/ujvl/ring-allreduce/objstore"
	"github.com/ujvl/ring-allreduce/simulator"
)

// stopSignal is sent on a worker's control stream to shut
// its Goroutine down out-of-band; a crashed node cannot be
// reached over the network.
type stopSignal struct{}

// A Cluster owns the simulated environment for one ring:
// the event loop, the network, the shared object store,
// the node registry, and one checkpointed worker per ring
// position.
type Cluster struct {
	Loop     *simulator.EventLoop
	Network  *simulator.OrderedNetwork
	Store    *objstore.Store
	Registry *allreduce.Registry

	NumWorkers int
	BufferSize int

	opts options

	ids         []allreduce.NodeID
	checkpoints []checkpoint.Store
	nodes       []*simulator.Node
	ctrls       []*simulator.EventStream
	down        []bool
}

// New builds a cluster of numWorkers workers, each holding
// a bufferSize-element buffer, and spawns their Goroutines
// on a fresh event loop. Call Run (or drive the loop
// manually) afterwards.
func New(numWorkers, bufferSize int, opts ...Option) (*Cluster, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.initialWeights != nil && len(o.initialWeights) != numWorkers {
		return nil, fmt.Errorf("got %d initial weight vectors for %d workers",
			len(o.initialWeights), numWorkers)
	}

	c := &Cluster{
		Loop:       simulator.NewEventLoop(),
		Network:    simulator.NewOrderedNetwork(o.rate, o.latency),
		Store:      objstore.NewStore(),
		Registry:   allreduce.NewRegistry(),
		NumWorkers: numWorkers,
		BufferSize: bufferSize,
		opts:       o,
		ids:        make([]allreduce.NodeID, numWorkers),
		nodes:      make([]*simulator.Node, numWorkers),
		ctrls:      make([]*simulator.EventStream, numWorkers),
		down:       make([]bool, numWorkers),
	}

	for i := range c.ids {
		c.ids[i] = allreduce.NewNodeID()
	}
	stores, err := c.makeCheckpointStores()
	if err != nil {
		return nil, err
	}
	c.checkpoints = stores

	for i := 0; i < numWorkers; i++ {
		var weights []float64
		if o.initialWeights != nil {
			weights = o.initialWeights[i]
		}
		c.spawn(i, weights, false)
	}
	return c, nil
}

func (c *Cluster) makeCheckpointStores() ([]checkpoint.Store, error) {
	stores := make([]checkpoint.Store, c.NumWorkers)
	for i := range stores {
		if c.opts.checkpointDir == "" {
			stores[i] = checkpoint.NewMemStore()
			continue
		}
		dir := filepath.Join(c.opts.checkpointDir, fmt.Sprintf("worker-%d", i))
		store, err := checkpoint.NewDirStore(dir)
		if err != nil {
			return nil, err
		}
		stores[i] = store
	}
	return stores, nil
}

// spawn starts a worker Goroutine for ring position index
// under a fresh simulated node. With restore set, the
// worker rehydrates from its newest usable checkpoint
// before serving.
func (c *Cluster) spawn(index int, weights []float64, restore bool) {
	node := simulator.NewNode()
	port := node.Port(c.Loop)
	ctrl := c.Loop.Stream()

	c.nodes[index] = node
	c.ctrls[index] = ctrl
	c.Registry.Register(c.ids[index], port)

	inner := allreduce.NewWorker(c.ids[index], index, c.NumWorkers, c.BufferSize, weights)
	inner.Port = port
	inner.Network = c.Network
	inner.Store = c.Store
	inner.Registry = c.Registry
	inner.Logger = c.opts.logger
	for i, id := range c.ids {
		inner.AddPeer(i, id)
	}

	worker := checkpoint.NewWorker(inner, c.checkpoints[index])
	worker.Logger = c.opts.logger

	c.Loop.Go(func(h *simulator.Handle) {
		inner.Handle = h
		if restore {
			if _, ok := worker.LoadLatest(); !ok {
				c.opts.logger.Warn("no usable checkpoint; starting fresh",
					"worker", index)
			}
		}
		worker.Run(ctrl)
	})
}

// Kill crash-stops a worker: every in-flight message to or
// from it is dropped and its Goroutine shuts down.
func (c *Cluster) Kill(h *simulator.Handle, index int) {
	c.opts.logger.Info("killing worker", "worker", index)
	c.Network.SetDown(h, c.nodes[index], true)
	h.Schedule(c.ctrls[index], stopSignal{}, 0)
	c.down[index] = true
}

// Revive replaces a killed worker with a fresh incarnation
// under a new port and restores it from its newest usable
// checkpoint. The registry re-binds the worker's NodeID,
// so peers keep routing to it without any reconfiguration.
func (c *Cluster) Revive(h *simulator.Handle, index int) {
	c.opts.logger.Info("reviving worker", "worker", index)
	c.spawn(index, nil, true)
	c.down[index] = false
}

// Stop shuts down every live worker Goroutine.
func (c *Cluster) Stop(h *simulator.Handle) {
	for i, ctrl := range c.ctrls {
		if !c.down[i] {
			h.Schedule(ctrl, stopSignal{}, 0)
		}
	}
}

// NewDriver builds a driver for this cluster bound to its
// own simulated node.
func (c *Cluster) NewDriver(h *simulator.Handle) *allreduce.Driver {
	return &allreduce.Driver{
		Handle:       h,
		Port:         simulator.NewNode().Port(c.Loop),
		Network:      c.Network,
		Store:        c.Store,
		Registry:     c.Registry,
		Workers:      append([]allreduce.NodeID(nil), c.ids...),
		StallTimeout: c.stallTimeout(),
		Verify:       c.opts.verify,
		Tolerance:    c.opts.tolerance,
		Logger:       c.opts.logger,
	}
}

// RunRounds drives the given number of all-reduce rounds,
// injecting and recovering from a crash if the cluster was
// configured with one. It is meant to run inside a
// Goroutine started with Loop.Go; see Run for the common
// case.
func (c *Cluster) RunRounds(h *simulator.Handle, rounds int) ([]*allreduce.RoundResult, error) {
	d := c.NewDriver(h)
	results := make([]*allreduce.RoundResult, 0, rounds)
	for i := 0; i < rounds; i++ {
		var kill func()
		if i == c.opts.failAt {
			kill = func() { c.Kill(h, c.NumWorkers-1) }
		}

		inputs, err := d.CollectWeights()
		if err != nil {
			return nil, err
		}
		result, err := d.RunRoundWithInputs(inputs, kill)
		if errors.Is(err, allreduce.ErrRoundStalled) {
			if err := c.recover(h, d); err != nil {
				return nil, err
			}
			result, err = d.RunRoundWithInputs(inputs, nil)
		}
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, nil
}

// Run drives rounds to completion and tears the cluster
// down, returning the per-round results.
func (c *Cluster) Run(rounds int) ([]*allreduce.RoundResult, error) {
	var results []*allreduce.RoundResult
	var runErr error
	c.Loop.Go(func(h *simulator.Handle) {
		defer c.Stop(h)
		results, runErr = c.RunRounds(h, rounds)
	})
	if err := c.Loop.Run(); err != nil {
		return nil, err
	}
	return results, runErr
}

// recover brings a cluster with a crashed worker back to a
// runnable state: it drains in-flight traffic from the
// aborted round, resets the survivors, and revives crashed
// workers from their checkpoints.
func (c *Cluster) recover(h *simulator.Handle, d *allreduce.Driver) error {
	c.opts.logger.Info("recovering from stalled round")

	// Let the aborted round's in-flight chunks land before
	// resetting, so none of them leak into the re-run.
	h.Sleep(c.stallTimeout())
	d.ResetWorkers()

	for i, down := range c.down {
		if down {
			c.Revive(h, i)
		}
	}

	// Barrier: every worker (including revived ones) is
	// serving again once it answers a poll.
	if _, err := d.CollectIterations(); err != nil {
		return fmt.Errorf("cluster did not recover: %w", err)
	}
	return nil
}

// stallTimeout bounds how long a round can run before the
// driver declares it stalled. One chunk costs at most
// latency + size/rate per hop and makes 2(N-1) hops, so a
// healthy round finishes well within this bound.
func (c *Cluster) stallTimeout() float64 {
	if c.opts.stallTimeout > 0 {
		return c.opts.stallTimeout
	}
	perHop := c.opts.latency + float64(c.BufferSize*8)/c.opts.rate
	return 100*perHop*float64(2*c.NumWorkers) + 10
}
