// Package bringup brings secondary processors online against a table that
// is still being set up.
package bringup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/vectab/internal/idt"
	"golang.org/x/sync/errgroup"
)

// Processor is a secondary processor.
type Processor interface {
	idt.Processor
	ID() int
}

// Request is a per-processor interrupt each processor allocates a vector
// for, such as its local timer or a queue interrupt.
type Request struct {
	Name    string
	Handler uint64
	First   idt.Vector
	Last    idt.Vector
}

// Assignment is one allocated vector.
type Assignment struct {
	CPU     int
	Request string
	Vector  idt.Vector
}

// Config controls a bring-up.
type Config struct {
	// Parallel bounds the number of processors brought up at once. Zero
	// means all of them.
	Parallel int
	Requests []Request
	Logger   *slog.Logger
}

// Run brings every processor in cpus online concurrently. Each loads the
// current table and then allocates one vector per request. Run must finish
// before the table is finalized. The first error cancels processors that
// have not started.
func Run(ctx context.Context, m *idt.Manager, cpus []Processor, cfg Config) ([]Assignment, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if m.Finalized() {
		return nil, fmt.Errorf("bringup: %w", idt.ErrSetupFinalized)
	}

	g, ctx := errgroup.WithContext(ctx)
	if cfg.Parallel > 0 {
		g.SetLimit(cfg.Parallel)
	}

	var mu sync.Mutex
	var out []Assignment

	for _, cpu := range cpus {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := m.LoadOn(cpu); err != nil {
				return fmt.Errorf("bringup: cpu %d: %w", cpu.ID(), err)
			}

			for _, req := range cfg.Requests {
				v, err := m.AllocateVector(req.Handler, req.First, req.Last)
				if err != nil {
					return fmt.Errorf("bringup: cpu %d: %s: %w", cpu.ID(), req.Name, err)
				}
				mu.Lock()
				out = append(out, Assignment{CPU: cpu.ID(), Request: req.Name, Vector: v})
				mu.Unlock()
			}

			log.Debug("bringup: processor online", "cpu", cpu.ID())
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return out, err
	}
	log.Info("bringup: processors online", "cpus", len(cpus), "vectors", len(out))
	return out, nil
}

// LoadAll loads the current table into every processor. It is used after
// finalization, when the table has moved to its read-only alias.
func LoadAll(ctx context.Context, m *idt.Manager, cpus []Processor) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, cpu := range cpus {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := m.LoadOn(cpu); err != nil {
				return fmt.Errorf("bringup: reload cpu %d: %w", cpu.ID(), err)
			}
			return nil
		})
	}
	return g.Wait()
}
