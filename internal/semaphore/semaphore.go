// Package semaphore lays out the per-package table of SDT semaphores.
//
// Every lazy probe owns one zero-initialised 16-bit cell. The cells of a
// package form a single named region: slot i lives at byte offset 2*i from
// the table symbol. Tracers increment a cell while attached; the program only
// ever reads it, with one plain aligned 16-bit load.
package semaphore

import (
	"errors"
	"fmt"
	"sort"

	"github.com/sdtprobe/sdtprobe/internal/decl"
)

// CellSize is the width of a semaphore in bytes.
const CellSize = 2

// None marks a probe without a semaphore.
const None = -1

var (
	ErrMisaligned = errors.New("semaphore not 2-byte aligned")
	ErrAlias      = errors.New("semaphores alias")
)

// Table is the semaphore layout of one package.
type Table struct {
	Symbol string
	slots  map[string]int // probe ID to slot
	count  int
}

// Layout assigns slots to the lazy probes of pkg in declaration order.
func Layout(symbol string, probes []decl.Probe) *Table {
	t := &Table{Symbol: symbol, slots: make(map[string]int)}
	for _, p := range probes {
		if !p.Lazy {
			continue
		}
		t.slots[p.ID()] = t.count
		t.count++
	}
	return t
}

// Len is the number of cells.
func (t *Table) Len() int {
	return t.count
}

// Size is the size of the table in bytes.
func (t *Table) Size() int {
	return t.count * CellSize
}

// Slot returns the slot of a probe, or None.
func (t *Table) Slot(p decl.Probe) int {
	if s, ok := t.slots[p.ID()]; ok {
		return s
	}
	return None
}

// Address returns the address of slot given the table's address.
func Address(base uint64, slot int) uint64 {
	return base + uint64(slot*CellSize)
}

// Check validates a set of linked semaphore addresses keyed by probe: every
// address is aligned and no two cells overlap. Zero addresses are probes
// without a semaphore.
func Check(addrs map[string]uint64) error {
	type cell struct {
		id   string
		addr uint64
	}
	var cells []cell
	for id, a := range addrs {
		if a == 0 {
			continue
		}
		if a%CellSize != 0 {
			return fmt.Errorf("%s at %#x: %w", id, a, ErrMisaligned)
		}
		cells = append(cells, cell{id, a})
	}
	sort.Slice(cells, func(i, j int) bool {
		if cells[i].addr != cells[j].addr {
			return cells[i].addr < cells[j].addr
		}
		return cells[i].id < cells[j].id
	})
	for i := 1; i < len(cells); i++ {
		if Overlaps(cells[i-1].addr, cells[i].addr) {
			return fmt.Errorf("%s and %s at %#x: %w", cells[i-1].id, cells[i].id, cells[i].addr, ErrAlias)
		}
	}
	return nil
}

// Overlaps reports whether the cells at a and b share a byte.
func Overlaps(a, b uint64) bool {
	if a > b {
		a, b = b, a
	}
	return b-a < CellSize
}
