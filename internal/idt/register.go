package idt

import (
	"errors"
	"fmt"
)

// Rejections from RegisterVector. They are the only errors a caller is
// expected to handle and recover from.
var (
	ErrReservedVector = errors.New("vector is in the reserved exception range")
	ErrVectorOwned    = errors.New("vector already owned")
	ErrSetupFinalized = errors.New("interrupt table setup already finalized")
)

// ErrNoFreeVector is returned by AllocateVector when every vector in the
// range is owned. It is not a Rejection.
var ErrNoFreeVector = errors.New("no free vector in range")

// Rejection enumerates why RegisterVector refused a vector.
type Rejection int

const (
	NotRejected Rejection = iota
	ReservedVector
	VectorAlreadyOwned
	SetupAlreadyFinalized
)

func (r Rejection) String() string {
	switch r {
	case NotRejected:
		return "none"
	case ReservedVector:
		return "reserved-vector"
	case VectorAlreadyOwned:
		return "vector-already-owned"
	case SetupAlreadyFinalized:
		return "setup-already-finalized"
	default:
		return fmt.Sprintf("Rejection(%d)", int(r))
	}
}

// RejectionReason maps an error returned by RegisterVector to its reason.
// Errors that are not rejections map to NotRejected.
func RejectionReason(err error) Rejection {
	switch {
	case errors.Is(err, ErrReservedVector):
		return ReservedVector
	case errors.Is(err, ErrVectorOwned):
		return VectorAlreadyOwned
	case errors.Is(err, ErrSetupFinalized):
		return SetupAlreadyFinalized
	default:
		return NotRejected
	}
}

func (m *Manager) reject(v Vector, reason error) error {
	m.log.Debug("idt: vector registration rejected", "vector", v.String(), "reason", reason)
	return fmt.Errorf("idt: register vector %s: %w", v, reason)
}

// RegisterVector installs an interrupt gate for handler at v and takes
// ownership of v. It fails with ErrReservedVector for exception vectors,
// ErrVectorOwned when v already has an owner and ErrSetupFinalized once
// Finalize has run. A rejected call leaves the table unchanged.
//
// RegisterVector may be called from several goroutines, but not
// concurrently with Finalize.
func (m *Manager) RegisterVector(v Vector, handler uint64) error {
	if v.Reserved() {
		return m.reject(v, ErrReservedVector)
	}
	// An owned vector stays owned forever, so report that before the latch:
	// the caller should not retry it on any table.
	if m.reg.IsClaimed(v) {
		return m.reject(v, ErrVectorOwned)
	}
	// A frozen table with an open latch is a Finalize that failed after
	// protecting the memory.
	if m.done.Load() || m.table.isFrozen() {
		return m.reject(v, ErrSetupFinalized)
	}
	if !m.reg.TryClaim(v) {
		return m.reject(v, ErrVectorOwned)
	}

	m.table.write(v, Build(Gate{
		Vector:  v,
		Handler: handler,
		Segment: m.opts.KernelCS,
		Kind:    GateInterrupt,
		DPL:     Kernel,
	}))
	m.log.Debug("idt: vector registered", "vector", v.String(), "handler", fmt.Sprintf("%#x", handler))
	return nil
}

// AllocateVector registers handler at the lowest free vector in
// [first, last]. Vectors taken by a concurrent caller are skipped; any
// other rejection ends the search.
func (m *Manager) AllocateVector(handler uint64, first, last Vector) (Vector, error) {
	if first > last {
		return 0, fmt.Errorf("idt: allocate vector: empty range %s..%s", first, last)
	}
	from := int(first)
	if from < NumExceptionVectors {
		from = NumExceptionVectors
	}
	for {
		v, ok := m.reg.nextFree(from, int(last)+1)
		if !ok {
			return 0, fmt.Errorf("idt: allocate vector in %s..%s: %w", first, last, ErrNoFreeVector)
		}
		err := m.RegisterVector(v, handler)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrVectorOwned) {
			return 0, err
		}
		from = int(v) + 1
	}
}
