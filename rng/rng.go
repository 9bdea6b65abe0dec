// Package rng provides explicit deterministic random streams. Every consumer
// (weight initialisation, batching, permutation tests) receives its own
// stream instead of relying on a process-wide seed.
package rng

import (
	"encoding/binary"
	"math/rand"

	"github.com/seehuhn/mt19937"
	"go.dedis.ch/kyber/v3/xof/blake2xb"
)

// Stream is a seeded Mersenne Twister wrapped in math/rand helpers.
type Stream struct {
	*rand.Rand
	seed int64
}

// New returns a stream seeded with seed.
func New(seed int64) *Stream {
	src := mt19937.New()
	src.Seed(seed)
	return &Stream{Rand: rand.New(src), seed: seed}
}

// Seed returns the seed the stream was created with.
func (s *Stream) Seed() int64 {
	return s.seed
}

// Derive returns an independent child stream for label and index. The child
// seed is read from a blake2xb XOF keyed by the parent seed, so children do
// not depend on how much of the parent has been consumed and two children
// never share a seed unless their label and index match.
func (s *Stream) Derive(label string, index int) *Stream {
	key := make([]byte, 16+len(label))
	binary.LittleEndian.PutUint64(key[0:8], uint64(s.seed))
	binary.LittleEndian.PutUint64(key[8:16], uint64(index))
	copy(key[16:], label)

	xof := blake2xb.New(key)
	out := make([]byte, 8)
	if _, err := xof.Read(out); err != nil {
		// blake2xb only fails on reads past its maximum output length
		panic(err)
	}
	return New(int64(binary.LittleEndian.Uint64(out) >> 1))
}

// Uniform draws from [a, b).
func (s *Stream) Uniform(a, b float64) float64 {
	return (b-a)*s.Float64() + a
}
