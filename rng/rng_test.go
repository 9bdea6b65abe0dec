package rng

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func draw(s *Stream, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = s.Float64()
	}
	return out
}

func TestSameSeedSameSequence(t *testing.T) {
	require.Equal(t, draw(New(42), 16), draw(New(42), 16))
	require.NotEqual(t, draw(New(42), 16), draw(New(43), 16))
}

func TestDeriveIsIndependentOfParentState(t *testing.T) {
	a := New(7)
	b := New(7)
	draw(b, 100)

	require.Equal(t, draw(a.Derive("perm", 3), 8), draw(b.Derive("perm", 3), 8))
	require.NotEqual(t, draw(a.Derive("perm", 3), 8), draw(a.Derive("perm", 4), 8))
	require.NotEqual(t, draw(a.Derive("perm", 3), 8), draw(a.Derive("init", 3), 8))
}

func TestUniformRange(t *testing.T) {
	s := New(1)
	for i := 0; i < 1000; i++ {
		v := s.Uniform(-1, 1)
		require.GreaterOrEqual(t, v, -1.0)
		require.Less(t, v, 1.0)
	}
}
