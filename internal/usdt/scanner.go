// Package usdt discovers USDT (Userspace Statically Defined Tracing) probes
// in ELF binaries by parsing their .note.stapsdt sections.
package usdt

import (
	"debug/elf"
	"fmt"

	"github.com/sdtprobe/sdtprobe/internal/arch"
	"github.com/sdtprobe/sdtprobe/internal/note"
)

// Probe is a single USDT probe found in an ELF binary.
type Probe struct {
	note.Record
	// Addr is the patch point after undoing any prelink move.
	Addr uint64
	// PCOffset and SemOffset are file offsets, 0 when the address is not
	// file-backed.
	PCOffset  uint64
	SemOffset uint64
}

// Scan opens exePath and returns all USDT probes in it.
// Returns nil, nil when no USDT probes are present.
func Scan(exePath string) ([]Probe, error) {
	f, err := Open(exePath)
	if err != nil {
		return nil, fmt.Errorf("usdt: open %q: %w", exePath, err)
	}
	defer func() { _ = f.Close() }()
	return f.Probes()
}

// Notes decodes every .note.stapsdt section of the file.
func (f *File) Notes() ([]note.Record, error) {
	var recs []note.Record
	for _, section := range f.SectionsByName(arch.NoteSection) {
		if section.Type != elf.SHT_NOTE {
			continue
		}
		data, err := section.Data()
		if err != nil {
			return nil, fmt.Errorf("usdt: read %s: %w", arch.NoteSection, err)
		}
		rs, err := note.Decode(f.ByteOrder, f.AddrSize(), data)
		if err != nil {
			return nil, fmt.Errorf("usdt: decode %s: %w", arch.NoteSection, err)
		}
		recs = append(recs, rs...)
	}
	return recs, nil
}

// Probes returns the probes of the file with prelink adjusted addresses
// and file offsets.
func (f *File) Probes() ([]Probe, error) {
	recs, err := f.Notes()
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	base, hasBase, err := f.StapsdtBase()
	if err != nil {
		return nil, fmt.Errorf("usdt: %w", err)
	}

	probes := make([]Probe, 0, len(recs))
	for _, r := range recs {
		p := Probe{Record: r, Addr: r.PC}
		if hasBase && r.Base != 0 {
			p.Addr += base - r.Base
		}
		if off, err := f.FileOffset(p.Addr); err == nil {
			p.PCOffset = off
		}
		if r.Semaphore != 0 {
			if off, err := f.FileOffset(r.Semaphore); err == nil {
				p.SemOffset = off
			}
		}
		probes = append(probes, p)
	}
	return probes, nil
}
