//go:build !linux

package hostmem

import (
	"fmt"
	"runtime"
)

// Region is only available on Linux.
type Region struct{}

func New(size int) (*Region, error) {
	return nil, fmt.Errorf("hostmem: not supported on %s", runtime.GOOS)
}

func (r *Region) Bytes() []byte                                { return nil }
func (r *Region) Base() uint64                                 { return 0 }
func (r *Region) MapReadOnlyAlias(addr uint64) (uint64, error) { return 0, ErrClosed }
func (r *Region) Alias() []byte                                { return nil }
func (r *Region) Protect() error                               { return ErrClosed }
func (r *Region) Protected() bool                              { return false }
func (r *Region) Close() error                                 { return nil }
