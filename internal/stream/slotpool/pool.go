// Package slotpool hands out small integer physical offsets from a fixed
// capacity. Each offset is stored as a single bit.
package slotpool

import (
	"math/bits"

	"github.com/aukilabs/go-tooling/pkg/errors"
)

const (
	ErrTypeExhausted     = "slot-pool-exhausted"
	ErrTypeDoubleRelease = "slot-double-release"
	ErrTypeOutOfRange    = "slot-out-of-range"
)

const wordBits = 32

// Pool is a bitset allocator. A set bit marks a free offset.
//
// Pool is not safe for concurrent use; its owner serializes access.
type Pool struct {
	words    []uint32
	capacity int
	count    int
}

// New creates a pool holding the offsets [0, capacity).
func New(capacity int) *Pool {
	if capacity <= 0 {
		return &Pool{}
	}

	words := make([]uint32, (capacity-1)/wordBits+1)
	for i := range words {
		words[i] = ^uint32(0)
	}
	if rem := capacity % wordBits; rem != 0 {
		words[len(words)-1] >>= wordBits - rem
	}

	return &Pool{
		words:    words,
		capacity: capacity,
		count:    capacity,
	}
}

// Capacity returns the number of offsets the pool was created with.
func (p *Pool) Capacity() int {
	return p.capacity
}

// Count returns the number of free offsets.
func (p *Pool) Count() int {
	return p.count
}

// Acquire removes the lowest free offset from the pool and returns it.
func (p *Pool) Acquire() (int, error) {
	for i, w := range p.words {
		if w == 0 {
			continue
		}

		bit := bits.TrailingZeros32(w)
		p.words[i] &^= 1 << bit
		p.count--
		return i*wordBits + bit, nil
	}

	return 0, errors.New("slot pool is exhausted").
		WithType(ErrTypeExhausted).
		WithTag("capacity", p.capacity)
}

// Release returns an offset to the pool.
func (p *Pool) Release(offset int) error {
	if offset < 0 || offset >= p.capacity {
		return errors.New("slot offset is out of range").
			WithType(ErrTypeOutOfRange).
			WithTag("offset", offset).
			WithTag("capacity", p.capacity)
	}

	i, bit := offset/wordBits, offset%wordBits
	mask := uint32(1) << bit
	if p.words[i]&mask != 0 {
		return errors.New("slot offset is already free").
			WithType(ErrTypeDoubleRelease).
			WithTag("offset", offset)
	}

	p.words[i] |= mask
	p.count++
	return nil
}

// InUse reports whether the offset is currently acquired.
func (p *Pool) InUse(offset int) bool {
	if offset < 0 || offset >= p.capacity {
		return false
	}
	return p.words[offset/wordBits]&(1<<(offset%wordBits)) == 0
}
