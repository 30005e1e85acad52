package playsync

import (
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
)

// ErrEmptyChoice indicates a choice was requested from an empty sequence.
var ErrEmptyChoice = errors.New("choice requires a non-empty sequence")

// SeededRandom is a deterministic random source.
//
// # Determinism
//
// Two independently constructed instances with the same seed produce
// identical output for any identical sequence of calls. Peers use this to
// agree on setup-time randomness (level layout, turn order, ...) from a
// shared seed without transmitting the generated values.
//
// A SeededRandom is not safe for concurrent use. The runtime owns one per
// session and only touches it on the simulation turn loop.
type SeededRandom struct {
	seed int64
	rng  *rand.Rand
}

func NewSeededRandom(seed int64) *SeededRandom {
	return &SeededRandom{
		seed: seed,
		rng:  rand.New(rand.NewSource(seed)),
	}
}

// NewSeed generates a high-entropy seed using crypto/rand.
func NewSeed() (int64, error) {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("read random seed: %s", err)
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}

func (self *SeededRandom) Seed() int64 {
	return self.seed
}

// Next returns the next value in [0, 1).
func (self *SeededRandom) Next() float64 {
	return self.rng.Float64()
}

// Range returns an integer in [min, max).
// Range returns min when the interval is empty.
func (self *SeededRandom) Range(min int, max int) int {
	if max <= min {
		return min
	}
	return min + self.rng.Intn(max-min)
}

// Float returns a float in [min, max).
func (self *SeededRandom) Float(min float64, max float64) float64 {
	if max <= min {
		return min
	}
	return min + self.rng.Float64()*(max-min)
}

// Boolean returns true with probability 1/2.
func (self *SeededRandom) Boolean() bool {
	return self.Chance(0.5)
}

// Chance returns true with probability p.
func (self *SeededRandom) Chance(p float64) bool {
	return self.rng.Float64() < p
}

// Choice returns a uniformly chosen element of values.
func Choice[T any](random *SeededRandom, values []T) (T, error) {
	if len(values) == 0 {
		var empty T
		return empty, ErrEmptyChoice
	}
	return values[random.rng.Intn(len(values))], nil
}

// Shuffle returns a new Fisher-Yates shuffled copy of values.
// The input is not modified.
func Shuffle[T any](random *SeededRandom, values []T) []T {
	out := make([]T, len(values))
	copy(out, values)
	for i := len(out) - 1; 0 < i; i -= 1 {
		j := random.rng.Intn(i + 1)
		out[i], out[j] = out[j], out[i]
	}
	return out
}
