package idt

import (
	"fmt"
	"io"
	"text/tabwriter"
)

// Dump writes one line per present descriptor.
func (m *Manager) Dump(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "VECTOR\tTYPE\tHANDLER\tSEL\tDPL\tSTACK\tOWNED\n")
	for v := 0; v < NumVectors; v++ {
		d := m.Entry(Vector(v))
		if !d.Present() {
			continue
		}
		stack := "default"
		if f := d.StackField(); f != 0 {
			stack = fmt.Sprintf("ist%d", f-1)
		}
		handler := "-"
		if d.Kind() != GateTask {
			handler = fmt.Sprintf("%#016x", d.Handler())
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%#04x\t%s\t%s\t%t\n",
			Vector(v), d.Kind(), handler, d.Segment(), d.DPL(), stack, m.Owned(Vector(v)))
	}
	fmt.Fprintf(tw, "\nIDTR\t%s\tfinalized=%t\n", m.Pointer(), m.Finalized())
	return tw.Flush()
}
