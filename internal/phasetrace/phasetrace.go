// Package phasetrace records how long each boot phase took and how many
// table entries it wrote, into a compact binary stream.
package phasetrace

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

const (
	Magic   uint32 = 0x50485452 // "PHTR"
	Version uint32 = 1
)

type header struct {
	Magic       uint32
	Version     uint32
	KindsLength uint32
}

// KindID names a kind of record. Kinds are registered at package init.
type KindID uint32

const InvalidKind = KindID(0)

var kinds = make(map[KindID]string)

// RegisterKind adds a kind. It is not safe for concurrent use and is meant
// for package-level variable initialization.
func RegisterKind(name string) KindID {
	id := KindID(len(kinds) + 1)
	kinds[id] = name
	return id
}

type record struct {
	Kind     KindID
	Entries  uint32
	Duration int64
}

type writer struct {
	w    io.Writer
	recs chan record
	done chan error
}

func (w *writer) run() {
	defer close(w.done)

	bw := bufio.NewWriterSize(w.w, 4096)
	for r := range w.recs {
		if err := binary.Write(bw, binary.LittleEndian, r); err != nil {
			w.done <- err
			return
		}
	}
	w.done <- bw.Flush()
}

func (w *writer) Close() error {
	if !current.CompareAndSwap(w, nil) {
		return errors.New("phasetrace: already closed")
	}
	close(w.recs)
	if err := <-w.done; err != nil {
		return fmt.Errorf("phasetrace: write records: %w", err)
	}
	return nil
}

var current atomic.Pointer[writer]

// Record emits one record if a trace is open.
func Record(kind KindID, entries int, d time.Duration) {
	if w := current.Load(); w != nil {
		w.recs <- record{Kind: kind, Entries: uint32(entries), Duration: d.Nanoseconds()}
	}
}

// Recorder measures the time between successive records.
// It is not safe for concurrent use.
type Recorder struct {
	last time.Time
}

func NewRecorder() *Recorder {
	return &Recorder{last: time.Now()}
}

func (r *Recorder) Record(kind KindID, entries int) {
	now := time.Now()
	Record(kind, entries, now.Sub(r.last))
	r.last = now
}

// Open starts writing records to w. Only one trace may be open at a time;
// the returned Closer flushes and ends it.
func Open(w io.Writer) (io.Closer, error) {
	if current.Load() != nil {
		return nil, errors.New("phasetrace: already open")
	}

	names, err := json.Marshal(kinds)
	if err != nil {
		return nil, fmt.Errorf("phasetrace: marshal kinds: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, header{
		Magic:       Magic,
		Version:     Version,
		KindsLength: uint32(len(names)),
	}); err != nil {
		return nil, fmt.Errorf("phasetrace: write header: %w", err)
	}
	if _, err := w.Write(names); err != nil {
		return nil, fmt.Errorf("phasetrace: write kinds: %w", err)
	}

	wr := &writer{
		w:    w,
		recs: make(chan record, 256),
		done: make(chan error, 1),
	}
	if !current.CompareAndSwap(nil, wr) {
		return nil, errors.New("phasetrace: already open")
	}
	go wr.run()
	return wr, nil
}

// ReadAll decodes a trace, calling fn for every record in order.
func ReadAll(r io.Reader, fn func(kind string, entries int, d time.Duration) error) error {
	buf := bufio.NewReader(r)

	var h header
	if err := binary.Read(buf, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("phasetrace: read header: %w", err)
	}
	if h.Magic != Magic {
		return errors.New("phasetrace: invalid magic")
	}
	if h.Version != Version {
		return fmt.Errorf("phasetrace: unsupported version %d", h.Version)
	}

	var names map[KindID]string
	if err := json.NewDecoder(io.LimitReader(buf, int64(h.KindsLength))).Decode(&names); err != nil {
		return fmt.Errorf("phasetrace: decode kinds: %w", err)
	}

	for {
		var rec record
		if err := binary.Read(buf, binary.LittleEndian, &rec); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("phasetrace: read record: %w", err)
		}
		name, ok := names[rec.Kind]
		if !ok {
			return fmt.Errorf("phasetrace: unknown kind %d", rec.Kind)
		}
		if err := fn(name, int(rec.Entries), time.Duration(rec.Duration)); err != nil {
			return err
		}
	}
}
