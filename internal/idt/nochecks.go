//go:build vectab_nochecks

package idt

const assertMasked = false
