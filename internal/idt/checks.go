//go:build !vectab_nochecks

package idt

// assertMasked enables the interrupts-masked precondition check on every
// table register load.
const assertMasked = true
