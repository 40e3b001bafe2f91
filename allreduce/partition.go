// Package allreduce implements a ring all-reduce engine:
// a vector sharded across N workers is summed with a
// reduce pass followed by a broadcast pass around a
// logical ring, costing 2(N-1) hops per chunk.
package allreduce

// An interval is a half-open [Start, End) range of vector
// indices.
type interval struct {
	Start int
	End   int
}

// computeIntervals splits total elements into num
// contiguous ranges whose sizes differ by at most one.
// The remainder is assigned round-robin, so the first
// total%num ranges get one extra element.
func computeIntervals(total, num int) []interval {
	base := total / num
	remainder := total % num

	intervals := make([]interval, num)
	start := 0
	for i := range intervals {
		end := start + base
		if remainder > 0 {
			remainder--
			end++
		}
		intervals[i] = interval{Start: start, End: end}
		start = end
	}
	if start != total {
		panic("intervals do not cover the buffer")
	}
	return intervals
}

// A Partition owns a flat weight vector split into
// near-equal contiguous chunks, one per ring position.
type Partition struct {
	size      int
	intervals []interval
	chunks    [][]float64
}

// NewPartition creates a Partition of size elements split
// into numChunks chunks. The initial contents are weights,
// or all ones if weights is nil (matching a fresh model
// replica).
func NewPartition(size, numChunks int, weights []float64) *Partition {
	if numChunks <= 0 {
		panic("numChunks must be positive")
	}
	p := &Partition{
		size:      size,
		intervals: computeIntervals(size, numChunks),
		chunks:    make([][]float64, numChunks),
	}
	if weights == nil {
		weights = make([]float64, size)
		for i := range weights {
			weights[i] = 1
		}
	}
	p.SetWeights(weights)
	return p
}

// Size returns the total vector length.
func (p *Partition) Size() int {
	return p.size
}

// NumChunks returns the number of chunks.
func (p *Partition) NumChunks() int {
	return len(p.chunks)
}

// SetWeights overwrites every chunk from a flat vector.
func (p *Partition) SetWeights(weights []float64) {
	if len(weights) != p.size {
		panic("mismatching buffer length")
	}
	for i, iv := range p.intervals {
		p.chunks[i] = append([]float64(nil), weights[iv.Start:iv.End]...)
	}
}

// Weights concatenates the chunks back into a flat vector.
func (p *Partition) Weights() []float64 {
	weights := make([]float64, 0, p.size)
	for _, chunk := range p.chunks {
		weights = append(weights, chunk...)
	}
	return weights
}

// Chunk returns the current contents of chunk i.
func (p *Partition) Chunk(i int) []float64 {
	return p.chunks[i]
}

// SetChunk overwrites chunk i.
func (p *Partition) SetChunk(i int, v []float64) {
	if len(v) != len(p.chunks[i]) {
		panic("mismatching chunk length")
	}
	p.chunks[i] = append([]float64(nil), v...)
}

// AddChunk accumulates v into chunk i element-wise.
func (p *Partition) AddChunk(i int, v []float64) {
	chunk := p.chunks[i]
	if len(v) != len(chunk) {
		panic("mismatching chunk length")
	}
	for j, x := range v {
		chunk[j] += x
	}
}
