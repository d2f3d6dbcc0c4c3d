package device

import (
	"math/rand/v2"
	"sync"
)

// Source liefert gleichverteilte Zufallswerte für Tick
type Source interface {
	Uniform(min, max float64) float64
}

// SourceFunc adapts a plain function to Source.
type SourceFunc func(min, max float64) float64

func (f SourceFunc) Uniform(min, max float64) float64 {
	return f(min, max)
}

// RandSource is safe for concurrent use.
type RandSource struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandSource seeds a PCG generator. Equal seeds give equal sequences.
func NewRandSource(seed uint64) *RandSource {
	return &RandSource{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (s *RandSource) Uniform(min, max float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return min + s.rng.Float64()*(max-min)
}

// RandomInt draws an integer in [0, max] from src.
func RandomInt(src Source, max int) int {
	n := int(src.Uniform(0, float64(max)+1))
	if n > max {
		n = max
	}
	if n < 0 {
		n = 0
	}
	return n
}
