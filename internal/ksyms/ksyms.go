// Package ksyms resolves kernel entry point symbols to addresses.
package ksyms

import (
	"bufio"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

var ErrNotFound = errors.New("symbol not found")

// Table maps symbol names to addresses.
type Table map[string]uint64

// Resolve implements idt.Resolver.
func (t Table) Resolve(name string) (uint64, error) {
	addr, ok := t[name]
	if !ok {
		return 0, fmt.Errorf("ksyms: %q: %w", name, ErrNotFound)
	}
	return addr, nil
}

// Merge copies every entry of o into t, replacing existing ones.
func (t Table) Merge(o Table) {
	for name, addr := range o {
		t[name] = addr
	}
}

// Missing returns the names t cannot resolve, in the order given.
func (t Table) Missing(names []string) []string {
	var out []string
	for _, name := range names {
		if _, ok := t[name]; !ok {
			out = append(out, name)
		}
	}
	return out
}

// Names returns the symbol names in address order.
func (t Table) Names() []string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if t[names[i]] != t[names[j]] {
			return t[names[i]] < t[names[j]]
		}
		return names[i] < names[j]
	})
	return names
}

// Layout places names one after another from base, stride bytes apart. It
// stands in for a kernel image when only the table layout matters.
func Layout(base, stride uint64, names []string) Table {
	t := make(Table, len(names))
	for i, name := range names {
		t[name] = base + uint64(i)*stride
	}
	return t
}

// LoadELF reads the function and untyped symbols of an x86-64 ELF image.
func LoadELF(r io.ReaderAt) (Table, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("open elf image: %w", err)
	}
	defer f.Close()

	if f.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("unsupported ELF machine %s (want x86_64)", f.Machine)
	}

	syms, err := f.Symbols()
	if err != nil {
		return nil, fmt.Errorf("read ELF symbols: %w", err)
	}

	t := make(Table)
	for _, s := range syms {
		if s.Name == "" || s.Value == 0 || s.Section == elf.SHN_UNDEF {
			continue
		}
		switch elf.ST_TYPE(s.Info) {
		case elf.STT_FUNC, elf.STT_NOTYPE:
			t[s.Name] = s.Value
		}
	}
	if len(t) == 0 {
		return nil, errors.New("ELF image has no code symbols")
	}
	return t, nil
}

// LoadSystemMap reads the "address type name" lines of a System.map or
// /proc/kallsyms. Only text symbols are kept.
func LoadSystemMap(r io.Reader) (Table, error) {
	t := make(Table)
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 3 {
			return nil, fmt.Errorf("system map line %d: want address, type and name", line)
		}
		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("system map line %d: %w", line, err)
		}
		switch fields[1] {
		case "T", "t":
			t[fields[2]] = addr
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read system map: %w", err)
	}
	return t, nil
}

// LoadFile loads an ELF image, or a System.map when the file is not ELF.
func LoadFile(path string) (Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open symbol file: %w", err)
	}
	defer f.Close()

	var magic [4]byte
	if _, err := f.ReadAt(magic[:], 0); err == nil && string(magic[:]) == elf.ELFMAG {
		t, err := LoadELF(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return t, nil
	}

	t, err := LoadSystemMap(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}
