package parallel

import (
	"errors"
	"fmt"
)

// ErrInvalidPartition is returned for negative totals or non-positive part counts.
var ErrInvalidPartition = errors.New("invalid partition")

// Chunk is a contiguous index range [Start, Start+Count).
type Chunk struct {
	Index int
	Start int
	Count int
}

// End returns the exclusive upper bound of the chunk.
func (c Chunk) End() int {
	return c.Start + c.Count
}

// Partition splits total items into parts near-equal chunks. Every chunk
// gets total/parts items and chunk 0 additionally takes the remainder.
// Chunk starts are cumulative, so chunk w covers a unique index range.
// When parts exceeds total the trailing chunks are empty.
func Partition(total, parts int) ([]Chunk, error) {
	if total < 0 {
		return nil, fmt.Errorf("%w: total %d is negative", ErrInvalidPartition, total)
	}
	if parts <= 0 {
		return nil, fmt.Errorf("%w: parts %d must be positive", ErrInvalidPartition, parts)
	}

	base := total / parts
	rem := total % parts
	chunks := make([]Chunk, parts)
	start := 0
	for w := range chunks {
		count := base
		if w == 0 {
			count += rem
		}
		chunks[w] = Chunk{Index: w, Start: start, Count: count}
		start += count
	}
	return chunks, nil
}

// Blocks cuts total items into fixed-size blocks; the last block may be short.
// Unlike Partition the cut points depend only on total and size, which
// makes reductions over blocks independent of the worker count.
func Blocks(total, size int) ([]Chunk, error) {
	if total < 0 {
		return nil, fmt.Errorf("%w: total %d is negative", ErrInvalidPartition, total)
	}
	if size <= 0 {
		return nil, fmt.Errorf("%w: block size %d must be positive", ErrInvalidPartition, size)
	}

	// Overflow-safe ceil(total/size)
	n := int((int64(total) + int64(size) - 1) / int64(size))
	blocks := make([]Chunk, n)
	for i := range blocks {
		start := i * size
		blocks[i] = Chunk{Index: i, Start: start, Count: min(size, total-start)}
	}
	return blocks, nil
}
