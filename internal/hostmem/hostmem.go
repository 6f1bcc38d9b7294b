// Package hostmem provides table memory backed by a shared memory file, so
// the same pages can be mapped a second time at another address.
package hostmem

import "errors"

var (
	ErrAliased = errors.New("hostmem: read-only alias already mapped")
	ErrClosed  = errors.New("hostmem: region closed")
)
