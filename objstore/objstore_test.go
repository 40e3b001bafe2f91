package objstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ujvl/ring-allreduce/simulator"
)

// run executes f on a fresh event loop and waits for every
// spawned Goroutine to finish.
func run(t *testing.T, f func(h *simulator.Handle, loop *simulator.EventLoop)) {
	t.Helper()
	loop := simulator.NewEventLoop()
	loop.Go(func(h *simulator.Handle) {
		f(h, loop)
	})
	require.NoError(t, loop.Run())
}

func TestStorePutGet(t *testing.T) {
	store := NewStore()
	run(t, func(h *simulator.Handle, loop *simulator.EventLoop) {
		vec := []float64{1, 2, 3}
		ref := store.Put(h, vec)

		got := store.GetVec(h, ref)
		assert.Equal(t, vec, got)

		// The store holds a copy, not the caller's slice.
		vec[0] = 99
		assert.Equal(t, []float64{1, 2, 3}, store.GetVec(h, ref))
	})
}

func TestStoreContentAddressing(t *testing.T) {
	store := NewStore()
	run(t, func(h *simulator.Handle, loop *simulator.EventLoop) {
		ref1 := store.Put(h, []float64{1, 2, 3})
		ref2 := store.Put(h, []float64{1, 2, 3})
		ref3 := store.Put(h, []float64{1, 2, 4})

		assert.Equal(t, ref1, ref2)
		assert.NotEqual(t, ref1, ref3)
		assert.Equal(t, 2, store.Size())
	})
}

func TestStoreGetExistingRef(t *testing.T) {
	store := NewStore()
	run(t, func(h *simulator.Handle, loop *simulator.EventLoop) {
		_, ok := store.GetExistingRef([]float64{5, 5})
		assert.False(t, ok)

		put := store.Put(h, []float64{5, 5})
		found, ok := store.GetExistingRef([]float64{5, 5})
		require.True(t, ok)
		assert.Equal(t, put, found)
	})
}

func TestStorePutRefWriteOnce(t *testing.T) {
	store := NewStore()
	run(t, func(h *simulator.Handle, loop *simulator.EventLoop) {
		ref := NewRef()
		store.PutRef(h, ref, []float64{1})
		store.PutRef(h, ref, []float64{2})
		assert.Equal(t, []float64{1}, store.GetVec(h, ref))
	})
}

func TestStoreBlockingGet(t *testing.T) {
	store := NewStore()
	loop := simulator.NewEventLoop()
	ref := NewRef()

	var got []float64
	loop.Go(func(h *simulator.Handle) {
		got = store.GetVec(h, ref)
	})
	loop.Go(func(h *simulator.Handle) {
		h.Sleep(3.0)
		store.PutRef(h, ref, []float64{7, 8})
	})

	require.NoError(t, loop.Run())
	assert.Equal(t, []float64{7, 8}, got)
	assert.GreaterOrEqual(t, loop.Time(), 3.0)
}

func TestStoreProbe(t *testing.T) {
	store := NewStore()
	missing := NewRef()

	t.Run("instant", func(t *testing.T) {
		run(t, func(h *simulator.Handle, loop *simulator.EventLoop) {
			stored := store.Put(h, []float64{1})
			ready, pending := store.Probe(h, []Ref{stored, missing}, 0)
			assert.Equal(t, []Ref{stored}, ready)
			assert.Equal(t, []Ref{missing}, pending)
		})
	})

	t.Run("bounded wait", func(t *testing.T) {
		loop := simulator.NewEventLoop()
		late := NewRef()
		tooLate := NewRef()
		loop.Go(func(h *simulator.Handle) {
			ready, pending := store.Probe(h, []Ref{late, tooLate}, 5.0)
			assert.Equal(t, []Ref{late}, ready)
			assert.Equal(t, []Ref{tooLate}, pending)
		})
		loop.Go(func(h *simulator.Handle) {
			h.Sleep(1.0)
			store.PutRef(h, late, []float64{1})
			h.Sleep(10.0)
			store.PutRef(h, tooLate, []float64{2})
		})
		require.NoError(t, loop.Run())
	})
}
