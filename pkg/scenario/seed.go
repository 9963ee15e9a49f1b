package scenario

import (
	"hash/fnv"
	"math/rand/v2"
	"sync/atomic"
	"time"
)

const golden = 0x9E3779B97F4A7C15

var seedCounter atomic.Uint64

// splitmix64 is the SplitMix64 finalizer.
func splitmix64(x uint64) uint64 {
	x += golden
	x = (x ^ (x >> 30)) * 0xBF58476D1CE4E5B9
	x = (x ^ (x >> 27)) * 0x94D049BB133111EB
	return x ^ (x >> 31)
}

// AutoSeed returns a process-unique seed: a global counter mixed with the
// wall clock, so concurrent callers never share a stream.
func AutoSeed() uint64 {
	n := seedCounter.Add(1)
	return splitmix64(uint64(time.Now().UnixNano()) ^ splitmix64(n))
}

// DeriveSeed derives an independent seed for a named stream of a run seed,
// e.g. "optimization" and "validation".
func DeriveSeed(seed uint64, stream string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(stream))
	return splitmix64(seed ^ splitmix64(h.Sum64()))
}

// ChunkSeed returns the seed of chunk w of a partitioned batch.
func ChunkSeed(seed uint64, chunk int) uint64 {
	return splitmix64(seed + uint64(chunk)*golden)
}

// NewStream returns the random source for chunk w: PCG seeded with the
// chunk seed and a splitmix-derived second word.
func NewStream(seed uint64, chunk int) *rand.Rand {
	s1 := ChunkSeed(seed, chunk)
	return rand.New(rand.NewPCG(s1, splitmix64(s1)))
}
