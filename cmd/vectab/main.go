package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/vectab/internal/bringup"
	"github.com/tinyrange/vectab/internal/config"
	"github.com/tinyrange/vectab/internal/hostmem"
	"github.com/tinyrange/vectab/internal/hv"
	"github.com/tinyrange/vectab/internal/hv/factory"
	"github.com/tinyrange/vectab/internal/hv/kvm"
	"github.com/tinyrange/vectab/internal/idt"
	"github.com/tinyrange/vectab/internal/phasetrace"
	"golang.org/x/term"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vectab: %v\n", err)
		os.Exit(1)
	}
}

type fixCrlf struct {
	w io.Writer
}

func (f *fixCrlf) Write(p []byte) (n int, err error) {
	return f.w.Write(bytes.ReplaceAll(p, []byte{'\n'}, []byte{'\r', '\n'}))
}

type intFlag struct {
	v   int
	set bool
}

func (f *intFlag) String() string { return strconv.Itoa(f.v) }

func (f *intFlag) Set(s string) error {
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	f.v = v
	f.set = true
	return nil
}

// machine is the table memory and the processors of one backend.
type machine struct {
	mem        idt.Memory
	boot       hv.Processor
	secondary  []bringup.Processor
	closers    []io.Closer
	backendTag string
}

func (m *machine) Close() error {
	var firstErr error
	for i := len(m.closers) - 1; i >= 0; i-- {
		if err := m.closers[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func detachedSecondaries(n int) []bringup.Processor {
	var cpus []bringup.Processor
	for i := 1; i < n; i++ {
		cpus = append(cpus, hv.NewDetachedCPU(i))
	}
	return cpus
}

func newMachine(backend string, p config.Profile) (*machine, error) {
	switch backend {
	case "heap":
		return &machine{
			mem:        idt.NewHeapMemory(),
			boot:       hv.NewDetachedCPU(0),
			secondary:  detachedSecondaries(p.Machine.CPUs),
			backendTag: backend,
		}, nil
	case "host":
		region, err := hostmem.New(idt.TableSize)
		if err != nil {
			return nil, err
		}
		return &machine{
			mem:        region,
			boot:       hv.NewDetachedCPU(0),
			secondary:  detachedSecondaries(p.Machine.CPUs),
			closers:    []io.Closer{region},
			backendTag: backend,
		}, nil
	case "kvm":
		h, err := factory.OpenWithArchitecture(hv.ArchitectureX86_64)
		if err != nil {
			return nil, fmt.Errorf("open hypervisor: %w", err)
		}
		m := &machine{closers: []io.Closer{h}, backendTag: backend}

		vm, err := h.NewVirtualMachine(hv.SimpleVMConfig{
			NumCPUs: p.Machine.CPUs,
			MemSize: p.Machine.MemoryMB << 20,
		})
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("create virtual machine: %w", err)
		}
		m.closers = append(m.closers, vm)

		region, err := kvm.NewTableRegion(vm, p.Layout.TableAddress, idt.TableSize)
		if err != nil {
			m.Close()
			return nil, err
		}
		m.mem = region
		m.boot = hv.OnVCPU(vm, 0)
		for i := 1; i < p.Machine.CPUs; i++ {
			m.secondary = append(m.secondary, hv.OnVCPU(vm, i))
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown backend %q (heap, host, kvm)", backend)
	}
}

type step struct {
	name string
	fn   func() error
}

func runSteps(steps []step) error {
	var pb *progressbar.ProgressBar
	if term.IsTerminal(int(os.Stderr.Fd())) {
		pb = progressbar.Default(int64(len(steps)), "building table")
		defer pb.Close()
	}

	for _, s := range steps {
		if pb != nil {
			pb.Describe(s.name)
		}
		if err := s.fn(); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
		if pb != nil {
			pb.Add(1)
		}
	}
	return nil
}

func run() error {
	configPath := flag.String("config", "", "Boot profile (default: built-in x86-64 SMP profile)")
	backend := flag.String("backend", "heap", "Table backend (heap, host, kvm)")
	var cpusFlag intFlag
	cpusFlag.v = config.DefaultCPUs
	flag.Var(&cpusFlag, "cpus", "Number of processors (overrides the profile)")
	dbg := flag.Bool("debug", false, "Enable debug logging")
	traceFile := flag.String("trace", "", "Write phase trace data to file")
	dump := flag.Bool("dump", false, "Print the finished table")
	writeProfile := flag.String("write-profile", "", "Write the effective profile to this path, then exit")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Build, finalize and load an x86-64 interrupt descriptor table.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s -dump\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -config profile.yaml -backend kvm -cpus 4\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *dbg {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(
		&fixCrlf{w: os.Stderr},
		&slog.HandlerOptions{Level: level},
	)))

	if *traceFile != "" {
		f, err := os.Create(*traceFile)
		if err != nil {
			return fmt.Errorf("create trace file: %w", err)
		}
		defer f.Close()

		w, err := phasetrace.Open(f)
		if err != nil {
			return fmt.Errorf("open trace file: %w", err)
		}
		defer w.Close()
	}

	profile := config.Default()
	if *configPath != "" {
		p, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		profile = p
	}
	if cpusFlag.set {
		if cpusFlag.v < 1 {
			return fmt.Errorf("-cpus must be at least 1")
		}
		profile.Machine.CPUs = cpusFlag.v
	}

	if *writeProfile != "" {
		if err := config.Write(*writeProfile, profile); err != nil {
			return err
		}
		slog.Info("profile written", "path", *writeProfile)
		return nil
	}

	res, err := profile.Resolver()
	if err != nil {
		return err
	}

	mach, err := newMachine(*backend, profile)
	if err != nil {
		return err
	}
	defer mach.Close()

	opts := profile.Options(res)
	opts.Logger = slog.Default()

	m, err := idt.New(mach.mem, mach.boot, opts)
	if err != nil {
		return err
	}

	slog.Debug("building table",
		"profile", profile.Name,
		"backend", mach.backendTag,
		"cpus", profile.Machine.CPUs,
		"first_system_vector", fmt.Sprintf("%#x", profile.Features.FirstSystemVector()),
	)

	var perCPU []bringup.Request
	var registrations []config.Registration
	for _, r := range profile.Register {
		addr, err := r.HandlerAddress(res)
		if err != nil {
			return fmt.Errorf("register %s: %w", r.Name, err)
		}
		if r.PerCPU {
			perCPU = append(perCPU, bringup.Request{
				Name:    r.Name,
				Handler: addr,
				First:   idt.Vector(r.First),
				Last:    idt.Vector(r.Last),
			})
			continue
		}
		r.Handler = addr
		registrations = append(registrations, r)
	}

	steps := []step{
		{"early handlers", m.InstallEarlyHandlers},
		{"early traps", m.InstallEarlyTraps},
		{"default traps", m.InstallDefaultTraps},
		{"early page fault", m.InstallEarlyPageFault},
		{"dedicated stack traps", m.InstallDedicatedStackTraps},
		{"system vectors", m.InstallSystemVectors},
		{"registrations", func() error { return register(m, registrations) }},
		{"secondary bringup", func() error {
			_, err := bringup.Run(context.Background(), m, mach.secondary, bringup.Config{
				Requests: perCPU,
				Logger:   slog.Default(),
			})
			return err
		}},
		{"finalize", m.Finalize},
		{"reload secondaries", func() error {
			return bringup.LoadAll(context.Background(), m, mach.secondary)
		}},
	}
	if err := runSteps(steps); err != nil {
		return err
	}

	idtr, err := mach.boot.IDTR()
	if err != nil {
		return fmt.Errorf("read boot IDTR: %w", err)
	}
	slog.Info("table loaded", "idtr", idtr.String(), "cpus", profile.Machine.CPUs)

	if *dump {
		if err := m.Dump(os.Stdout); err != nil {
			return fmt.Errorf("dump table: %w", err)
		}
	}

	return nil
}

// register takes every fixed and ranged registration of the profile.
func register(m *idt.Manager, regs []config.Registration) error {
	for _, r := range regs {
		if r.Vector != nil {
			if err := m.RegisterVector(idt.Vector(*r.Vector), r.Handler); err != nil {
				return fmt.Errorf("%s: %w (%s)", r.Name, err, idt.RejectionReason(err))
			}
			slog.Debug("vector registered", "name", r.Name, "vector", idt.Vector(*r.Vector))
			continue
		}
		v, err := m.AllocateVector(r.Handler, idt.Vector(r.First), idt.Vector(r.Last))
		if err != nil {
			return fmt.Errorf("%s: %w", r.Name, err)
		}
		slog.Debug("vector allocated", "name", r.Name, "vector", v)
	}
	return nil
}
