package ksyms

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestTableResolve(t *testing.T) {
	tab := Table{"asm_exc_debug": 0xffffffff81a00100}

	addr, err := tab.Resolve("asm_exc_debug")
	if err != nil || addr != 0xffffffff81a00100 {
		t.Fatalf("Resolve = %#x, %v", addr, err)
	}
	if _, err := tab.Resolve("asm_exc_nmi"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Resolve(missing) = %v, want %v", err, ErrNotFound)
	}

	tab.Merge(Table{"asm_exc_nmi": 0x2000, "asm_exc_debug": 0x1000})
	if tab["asm_exc_debug"] != 0x1000 {
		t.Fatalf("Merge did not replace an existing entry")
	}
	if got := tab.Missing([]string{"asm_exc_nmi", "asm_exc_int3"}); len(got) != 1 || got[0] != "asm_exc_int3" {
		t.Fatalf("Missing = %v", got)
	}
	if got := tab.Names(); got[0] != "asm_exc_debug" || got[1] != "asm_exc_nmi" {
		t.Fatalf("Names = %v", got)
	}
}

func TestLayout(t *testing.T) {
	tab := Layout(0xffffffff81000000, 0x40, []string{"a", "b", "c"})
	if tab["a"] != 0xffffffff81000000 || tab["c"] != 0xffffffff81000080 {
		t.Fatalf("Layout = %v", tab)
	}
}

func TestLoadSystemMap(t *testing.T) {
	const sysmap = `ffffffff81000000 T _text
ffffffff81a00100 T asm_exc_debug
ffffffff82000000 D some_data

ffffffff81a00200 t asm_exc_nmi
`
	tab, err := LoadSystemMap(strings.NewReader(sysmap))
	if err != nil {
		t.Fatalf("LoadSystemMap: %v", err)
	}
	if len(tab) != 3 {
		t.Fatalf("loaded %d symbols, want 3: %v", len(tab), tab)
	}
	if tab["asm_exc_nmi"] != 0xffffffff81a00200 {
		t.Fatalf("asm_exc_nmi = %#x", tab["asm_exc_nmi"])
	}
	if _, ok := tab["some_data"]; ok {
		t.Fatalf("data symbol kept")
	}

	if _, err := LoadSystemMap(strings.NewReader("zzzz T bad\n")); err == nil {
		t.Fatalf("bad address accepted")
	}
	if _, err := LoadSystemMap(strings.NewReader("ffff T\n")); err == nil {
		t.Fatalf("short line accepted")
	}
}

func TestLoadFileSystemMap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "System.map")
	if err := os.WriteFile(path, []byte("ffffffff81a00100 T asm_exc_debug\n"), 0o644); err != nil {
		t.Fatalf("failed to write map: %v", err)
	}
	tab, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if tab["asm_exc_debug"] != 0xffffffff81a00100 {
		t.Fatalf("LoadFile = %v", tab)
	}
}

func TestLoadELFFromTestBinary(t *testing.T) {
	if runtime.GOOS != "linux" || runtime.GOARCH != "amd64" {
		t.Skip("test binary is not an x86-64 ELF image")
	}
	exe, err := os.Executable()
	if err != nil {
		t.Skipf("no executable path: %v", err)
	}

	tab, err := LoadFile(exe)
	if err != nil {
		t.Skipf("test binary has no usable symbols: %v", err)
	}
	addr, err := tab.Resolve("runtime.main")
	if err != nil {
		t.Fatalf("Resolve(runtime.main): %v", err)
	}
	if addr == 0 {
		t.Fatalf("runtime.main at address 0")
	}
}

func TestLoadELFRejectsGarbage(t *testing.T) {
	if _, err := LoadELF(strings.NewReader("not an elf file")); err == nil {
		t.Fatalf("LoadELF accepted garbage")
	}
}
