package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/tinyrange/vectab/internal/phasetrace"
)

type kindSummary struct {
	Kind    string
	Count   int
	Entries int
	Sum     time.Duration
	Min     time.Duration
	Max     time.Duration
}

func (s *kindSummary) String() string {
	return fmt.Sprintf("% 32s count=% 6d entries=% 6d sum=% 14s min=% 14s max=% 14s avg=% 14s",
		s.Kind, s.Count, s.Entries,
		s.Sum,
		s.Min,
		s.Max,
		s.Sum/time.Duration(s.Count),
	)
}

func (s *kindSummary) Add(entries int, d time.Duration) {
	s.Count++
	s.Entries += entries
	s.Sum += d
	if s.Min == 0 || d < s.Min {
		s.Min = d
	}
	if d > s.Max {
		s.Max = d
	}
}

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	filename := fs.String("filename", "", "Phase trace file to read")
	sums := fs.Bool("sums", false, "Summarize records per kind")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	if *filename == "" {
		fs.Usage()
		os.Exit(1)
	}

	f, err := os.Open(*filename)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open trace file: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	if !*sums {
		if err := phasetrace.ReadAll(f, func(kind string, entries int, d time.Duration) error {
			fmt.Printf("%s entries=%d %s\n", kind, entries, d)
			return nil
		}); err != nil {
			fmt.Fprintf(os.Stderr, "failed to read trace file: %v\n", err)
			os.Exit(1)
		}
		return
	}

	summaries := map[string]*kindSummary{}
	var order []string
	if err := phasetrace.ReadAll(f, func(kind string, entries int, d time.Duration) error {
		s, ok := summaries[kind]
		if !ok {
			order = append(order, kind)
			s = &kindSummary{Kind: kind}
			summaries[kind] = s
		}
		s.Add(entries, d)
		return nil
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to read trace file: %v\n", err)
		os.Exit(1)
	}
	for _, kind := range order {
		fmt.Println(summaries[kind].String())
	}
}
