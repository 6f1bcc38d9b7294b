package idt

import (
	"fmt"
	"sync/atomic"
)

// Registry records which vectors are owned. A set bit means owned.
//
// TryClaim is safe for concurrent use; ClaimRange is meant for the
// single-threaded boot phases.
type Registry struct {
	words [NumVectors / 64]atomic.Uint64
}

func wordBit(v Vector) (int, uint64) {
	return int(v) / 64, 1 << (uint(v) % 64)
}

// TryClaim marks v owned if it was free and reports whether it was.
func (r *Registry) TryClaim(v Vector) bool {
	w, bit := wordBit(v)
	for {
		old := r.words[w].Load()
		if old&bit != 0 {
			return false
		}
		if r.words[w].CompareAndSwap(old, old|bit) {
			return true
		}
	}
}

// IsClaimed reports whether v is owned.
func (r *Registry) IsClaimed(v Vector) bool {
	w, bit := wordBit(v)
	return r.words[w].Load()&bit != 0
}

// ClaimRange sets (owned) or clears the ownership of every vector in
// [first, last]. Existing state is not checked.
func (r *Registry) ClaimRange(first, last Vector, owned bool) {
	if first > last {
		panic(fmt.Sprintf("idt: claim range %s..%s is inverted", first, last))
	}
	for v := int(first); v <= int(last); v++ {
		w, bit := wordBit(Vector(v))
		if owned {
			r.words[w].Or(bit)
		} else {
			r.words[w].And(^bit)
		}
	}
}

// Claimed returns the owned vectors in ascending order.
func (r *Registry) Claimed() []Vector {
	var out []Vector
	for v := 0; v < NumVectors; v++ {
		if r.IsClaimed(Vector(v)) {
			out = append(out, Vector(v))
		}
	}
	return out
}

// nextFree returns the first unowned vector in [from, to), or false.
func (r *Registry) nextFree(from, to int) (Vector, bool) {
	for v := from; v < to; v++ {
		if !r.IsClaimed(Vector(v)) {
			return Vector(v), true
		}
	}
	return 0, false
}
