package idt

import (
	"fmt"
)

// Processor consumes the table. SetIDTR loads the table register;
// InterruptsEnabled reports the processor's interrupt flag.
type Processor interface {
	SetIDTR(base uint64, limit uint16) error
	InterruptsEnabled() (bool, error)
}

// load installs p on cpu. Loading with interrupts enabled is a caller bug:
// an interrupt taken between two halves of a table update is undefined.
func load(cpu Processor, p Pointer) error {
	if assertMasked {
		enabled, err := cpu.InterruptsEnabled()
		if err != nil {
			return fmt.Errorf("idt: read interrupt flag: %w", err)
		}
		if enabled {
			panic("idt: table register loaded with interrupts enabled")
		}
	}
	if err := cpu.SetIDTR(p.Base, p.Limit); err != nil {
		return fmt.Errorf("idt: load table register (%s): %w", p, err)
	}
	return nil
}

// reload installs the current pointer on the boot processor.
func (m *Manager) reload() error {
	if err := load(m.cpu, m.ptr); err != nil {
		return err
	}
	m.rec.Record(tsReload, 0)
	return nil
}

// relocateAndProtect moves the processor's view of the table to a second,
// read-only mapping, write-protects the original and reloads. The pointer
// changes only once the processor has loaded it. It succeeds once.
func (m *Manager) relocateAndProtect() error {
	if m.relocated {
		panic("idt: table relocated twice")
	}

	if !m.aliased {
		alias, err := m.table.mem.MapReadOnlyAlias(m.opts.ReadOnlyAlias)
		if err != nil {
			return fmt.Errorf("idt: map read-only alias: %w", err)
		}
		m.alias = alias
		m.aliased = true
	}

	if !m.table.isFrozen() {
		if err := m.table.mem.Protect(); err != nil {
			return fmt.Errorf("idt: protect table: %w", err)
		}
		m.table.frozen.Store(true)
	}

	p := m.ptr
	p.Base = m.alias
	if err := load(m.cpu, p); err != nil {
		return err
	}
	m.ptr = p
	m.relocated = true
	m.rec.Record(tsReload, 0)
	m.rec.Record(tsRelocate, 0)

	m.log.Info("idt: table relocated and protected", "base", fmt.Sprintf("%#x", p.Base))
	return nil
}

// InvalidateTable loads a zero-sized table at addr. Any interrupt delivered
// afterwards shuts the processor down, which is the point: it is used on
// paths that must not take another interrupt. The stored pointer is kept.
func (m *Manager) InvalidateTable(addr uint64) error {
	if err := m.cpu.SetIDTR(addr, 0); err != nil {
		return fmt.Errorf("idt: invalidate table: %w", err)
	}
	m.log.Warn("idt: table invalidated", "address", fmt.Sprintf("%#x", addr))
	return nil
}

// LoadOn installs the current table on another processor, as each
// secondary processor does when it comes online.
func (m *Manager) LoadOn(cpu Processor) error {
	return load(cpu, m.Pointer())
}
