// Package verify checks the SDT notes of a linked binary: patch points sit
// on the architecture nop inside executable code, semaphores are distinct
// aligned cells in writable file-backed memory, and argument strings parse.
// Manifests that name a base symbol also require a .stapsdt.base section
// whose address every one of their notes carries.
// Given the manifests the binary was linked with it also checks that every
// surviving probe has exactly one note and, by emulating the stub, that each
// argument string names the register holding that argument.
package verify

import (
	"debug/elf"
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"github.com/sdtprobe/sdtprobe/internal/arch"
	"github.com/sdtprobe/sdtprobe/internal/argspec"
	"github.com/sdtprobe/sdtprobe/internal/emu"
	"github.com/sdtprobe/sdtprobe/internal/linker"
	"github.com/sdtprobe/sdtprobe/internal/manifest"
	"github.com/sdtprobe/sdtprobe/internal/semaphore"
	"github.com/sdtprobe/sdtprobe/internal/usdt"
)

var (
	ErrNotExecutable = errors.New("patch point not in an executable segment")
	ErrNotNop        = errors.New("patch point is not a nop")
	ErrSemaphore     = errors.New("semaphore not in a writable file-backed segment")
	ErrMissingNote   = errors.New("probe has no note")
	ErrDuplicateNote = errors.New("probe has more than one note")
	ErrMismatch      = emu.ErrMismatch
	ErrNoBase        = errors.New("no " + arch.BaseSection + " section")
)

// Issue is one failed check.
type Issue struct {
	Probe string
	Err   error
}

func (i Issue) Error() string {
	return i.Probe + ": " + i.Err.Error()
}

func (i Issue) Unwrap() error {
	return i.Err
}

type Report struct {
	Path   string
	Arch   string
	Notes  int
	Issues []Issue
}

func (r *Report) OK() bool {
	return len(r.Issues) == 0
}

// Err combines every issue, nil when the binary passed.
func (r *Report) Err() error {
	var err error
	for _, i := range r.Issues {
		err = multierr.Append(err, i)
	}
	return err
}

func (r *Report) add(probe string, err error) {
	r.Issues = append(r.Issues, Issue{Probe: probe, Err: err})
}

// Binary verifies the file at path.
func Binary(path string, ms []*manifest.Manifest) (*Report, error) {
	f, err := usdt.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	r, err := File(f, ms)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	r.Path = path
	return r, nil
}

// File verifies an opened binary. An error is returned only when the notes
// cannot be read at all; everything else is reported as an Issue.
func File(f *usdt.File, ms []*manifest.Manifest) (*Report, error) {
	probes, err := f.Probes()
	if err != nil {
		return nil, err
	}
	r := &Report{Notes: len(probes)}
	a, supported := f.Target()
	if supported {
		r.Arch = a.GOARCH
	}

	sems := make(map[string]uint64)
	for i, p := range probes {
		id := fmt.Sprintf("%s#%d", p.Record, i)
		if supported {
			checkPatchPoint(r, f, a, id, p)
		}
		if p.Semaphore != 0 {
			checkSemaphore(r, f, id, p.Semaphore)
			sems[id] = p.Semaphore
		}
		if err := checkArgs(a, supported, p.Args); err != nil {
			r.add(id, err)
		}
	}
	if err := semaphore.Check(sems); err != nil {
		r.add("semaphores", err)
	}

	if supported {
		for _, m := range ms {
			checkManifest(r, f, a, m, probes)
		}
	}
	return r, nil
}

func checkPatchPoint(r *Report, f *usdt.File, a arch.Arch, id string, p usdt.Probe) {
	prog := f.ProgByVaddr(p.Addr)
	if prog == nil || prog.Flags&elf.PF_X == 0 {
		r.add(id, fmt.Errorf("%#x: %w", p.Addr, ErrNotExecutable))
		return
	}
	code, err := f.ReadVirtual(p.Addr, len(a.Nop))
	if err != nil {
		r.add(id, err)
		return
	}
	if !a.IsNop(code) {
		r.add(id, fmt.Errorf("%#x: % x: %w", p.Addr, code, ErrNotNop))
	}
}

func checkSemaphore(r *Report, f *usdt.File, id string, addr uint64) {
	prog := f.ProgByVaddr(addr)
	if prog == nil || prog.Flags&elf.PF_W == 0 || prog.Flags&elf.PF_X != 0 {
		r.add(id, fmt.Errorf("%#x: %w", addr, ErrSemaphore))
		return
	}
	if _, err := f.FileOffset(addr); err != nil {
		r.add(id, fmt.Errorf("%#x is not file-backed: %w", addr, ErrSemaphore))
		return
	}
	if addr%semaphore.CellSize != 0 {
		r.add(id, fmt.Errorf("%#x: %w", addr, semaphore.ErrMisaligned))
	}
}

func checkArgs(a arch.Arch, supported bool, format string) error {
	args, err := argspec.Parse(format)
	if err != nil || !supported {
		return err
	}
	for _, arg := range args {
		if arg.Kind == argspec.Const {
			continue
		}
		if _, err := a.CanonicalRegister(arg.Reg); err != nil {
			return err
		}
	}
	return nil
}

// checkManifest matches manifest probes to notes by the address range of
// their stub, so probes of equal name from different packages stay apart.
func checkManifest(r *Report, f *usdt.File, a arch.Arch, m *manifest.Manifest, probes []usdt.Probe) {
	var semBase uint64
	if m.SemaphoreSymbol != "" {
		if sym, err := f.Symbol(m.LinkerSymbol(m.SemaphoreSymbol)); err == nil {
			semBase = sym.Value
		}
	}
	base, hasBase, err := f.StapsdtBase()
	if err != nil {
		r.add(m.SymbolPrefix, err)
	}
	linked := false

	for _, mp := range m.Probes {
		id := m.ImportPath + " " + mp.ID()
		target, ok := mp.Targets[a.GOARCH]
		if !ok {
			continue
		}
		sym, off, err := linker.FindStub(f, a, m.LinkerSymbol(mp.Symbol))
		if errors.Is(err, usdt.ErrNoSymbol) {
			// Removed by the Go linker: the probe is never called.
			continue
		}
		if err != nil {
			r.add(id, err)
			continue
		}
		linked = true

		var matches []usdt.Probe
		for _, p := range probes {
			if p.Addr >= sym.Value && p.Addr < sym.Value+sym.Size {
				matches = append(matches, p)
			}
		}
		switch len(matches) {
		case 0:
			r.add(id, ErrMissingNote)
			continue
		case 1:
		default:
			r.add(id, fmt.Errorf("%d notes: %w", len(matches), ErrDuplicateNote))
			continue
		}
		p := matches[0]

		var errs error
		if p.Provider != mp.Provider || p.Name != mp.Name {
			errs = multierr.Append(errs, fmt.Errorf("note is %s: %w", p.Record, ErrMismatch))
		}
		if want := sym.Value + uint64(off); p.Addr != want {
			errs = multierr.Append(errs, fmt.Errorf("pc %#x, patch point at %#x: %w", p.Addr, want, ErrMismatch))
		}
		if hasBase && m.BaseSymbol != "" && p.Base != base {
			errs = multierr.Append(errs, fmt.Errorf("base %#x, section at %#x: %w", p.Base, base, ErrMismatch))
		}
		if p.Args != target.Format {
			errs = multierr.Append(errs, fmt.Errorf("arguments %q, generated %q: %w", p.Args, target.Format, ErrMismatch))
		}
		wantSem := uint64(0)
		if mp.Lazy() && semBase != 0 {
			wantSem = semaphore.Address(semBase, mp.Semaphore)
		}
		if p.Semaphore != wantSem {
			errs = multierr.Append(errs, fmt.Errorf("semaphore %#x, want %#x: %w", p.Semaphore, wantSem, ErrMismatch))
		}
		errs = multierr.Append(errs, checkDataflow(f, a, sym, mp, target, p.Args))
		for _, err := range multierr.Errors(errs) {
			r.add(id, err)
		}
	}
	if linked && m.BaseSymbol != "" && !hasBase {
		r.add(m.SymbolPrefix, ErrNoBase)
	}
}

// checkDataflow runs the stub over a frame of distinct argument values and
// evaluates the note's argument string against the result.
func checkDataflow(f *usdt.File, a arch.Arch, sym elf.Symbol, mp manifest.Probe, t manifest.Target, format string) error {
	code, err := f.ReadSymbol(sym)
	if err != nil {
		return err
	}
	return emu.Check(a, code, mp, t, format)
}
