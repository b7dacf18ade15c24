// Package linker writes the SDT note of a built Go binary.
//
// The probe stubs and the semaphore table are ordinary symbols in the
// binary. For every probe recorded in a manifest the linker looks its stub
// up, finds the patch point by decoding the stub, resolves the semaphore
// cell and emits one note record. The records are written as a non-loaded
// .note.stapsdt section; nothing that is mapped at run time moves. When the
// binary has no .stapsdt.base yet, a header-only section is added over the
// one byte sdt_base symbol of the generated code, and its address becomes
// the base of every record.
package linker

import (
	"context"
	"debug/elf"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sdtprobe/sdtprobe/internal/arch"
	"github.com/sdtprobe/sdtprobe/internal/config"
	"github.com/sdtprobe/sdtprobe/internal/elfedit"
	"github.com/sdtprobe/sdtprobe/internal/emu"
	"github.com/sdtprobe/sdtprobe/internal/logger"
	"github.com/sdtprobe/sdtprobe/internal/manifest"
	"github.com/sdtprobe/sdtprobe/internal/note"
	"github.com/sdtprobe/sdtprobe/internal/semaphore"
	"github.com/sdtprobe/sdtprobe/internal/usdt"
)

var (
	ErrMissingProbe = errors.New("probe not found in binary")
	ErrBadSemaphore = errors.New("semaphore slot outside table")
	ErrAmbiguous    = errors.New("patch point claimed by more than one manifest")
	ErrNoBase       = errors.New("no base symbol in binary")
)

type Options struct {
	Manifests []*manifest.Manifest
	// Strict turns probes missing from the binary into errors.
	Strict bool
	// DryRun resolves everything but leaves the file alone.
	DryRun bool
	Log    *zap.Logger
}

func (o Options) log() *zap.Logger {
	if o.Log != nil {
		return o.Log
	}
	return logger.Named("link")
}

// Result describes what Link did to one binary.
type Result struct {
	Path string
	Arch string
	// Records is the complete note written: records already present for
	// code that is not ours come first.
	Records []note.Record
	Linked  int
	Missing []string
	// Base is the .stapsdt.base address stored in every record written.
	Base uint64
	// Skipped is set when the binary was left untouched.
	Skipped bool
	Reason  string

	// base is the section to add, nil when the binary already has one.
	base *elfedit.Section
}

// resolved is one manifest probe found in the binary.
type resolved struct {
	id     string
	record note.Record
	m      *manifest.Manifest
	probe  manifest.Probe
	target manifest.Target
	stub   elf.Symbol
}

// Plan resolves the probes of ms in f without writing anything.
func Plan(f *usdt.File, ms []*manifest.Manifest, strict bool) (*Result, error) {
	a, ok := f.Target()
	if !ok {
		return &Result{Skipped: true, Reason: fmt.Sprintf("unsupported target %s/%s", f.Machine, f.Class)}, nil
	}
	res := &Result{Arch: a.GOARCH}
	if len(ms) > 0 {
		if err := f.LoadSymbols(); err != nil {
			return nil, err
		}
	}

	var (
		found []resolved
		errs  error
	)
	for _, m := range ms {
		rs, missing, err := resolveManifest(f, a, m)
		errs = multierr.Append(errs, err)
		found = append(found, rs...)
		res.Missing = append(res.Missing, missing...)
	}
	if errs != nil {
		return nil, errs
	}
	if strict && len(res.Missing) > 0 {
		return nil, fmt.Errorf("%v: %w", res.Missing, ErrMissingProbe)
	}
	found, err := disambiguate(f, a, found)
	if err != nil {
		return nil, err
	}

	sems := make(map[string]uint64)
	ours := make(map[uint64]bool)
	for _, r := range found {
		if r.record.Semaphore != 0 {
			sems[r.id] = r.record.Semaphore
		}
		ours[r.record.PC] = true
	}
	if err := semaphore.Check(sems); err != nil {
		return nil, err
	}

	existing, err := f.Notes()
	if err != nil {
		return nil, err
	}
	for _, r := range existing {
		if !ours[r.PC] {
			res.Records = append(res.Records, r)
		}
	}
	res.Linked = len(found)
	if len(found) == 0 {
		res.Skipped = true
		res.Reason = "no probes in binary"
		return res, nil
	}

	res.Base, res.base, err = planBase(f, ms)
	if err != nil {
		return nil, err
	}
	for _, r := range found {
		r.record.Base = res.Base
		res.Records = append(res.Records, r.record)
	}
	return res, nil
}

// disambiguate keeps one record per patch point. Every command is linked
// under the symbol prefix "main", so manifests of two commands can resolve
// to the same stub. A candidate survives when emulating the stub over its
// argument layout reads back every argument and, for lazy probes, when the
// semaphore table has the size its manifest expects. Equal survivors
// collapse into one; anything else is an error.
func disambiguate(f *usdt.File, a arch.Arch, found []resolved) ([]resolved, error) {
	byPC := make(map[uint64][]resolved)
	var order []uint64
	for _, r := range found {
		if _, ok := byPC[r.record.PC]; !ok {
			order = append(order, r.record.PC)
		}
		byPC[r.record.PC] = append(byPC[r.record.PC], r)
	}

	out := make([]resolved, 0, len(order))
	var errs error
	for _, pc := range order {
		group := byPC[pc]
		if len(group) == 1 {
			out = append(out, group[0])
			continue
		}
		var (
			keep []resolved
			ids  []string
		)
		for _, r := range group {
			ids = append(ids, r.id)
			if err := fits(f, a, r); err != nil {
				continue
			}
			dup := false
			for _, k := range keep {
				dup = dup || k.record == r.record
			}
			if !dup {
				keep = append(keep, r)
			}
		}
		if len(keep) != 1 {
			errs = multierr.Append(errs, fmt.Errorf("%#x (%s), %d match the stub: %w",
				pc, strings.Join(ids, ", "), len(keep), ErrAmbiguous))
			continue
		}
		out = append(out, keep[0])
	}
	return out, errs
}

func fits(f *usdt.File, a arch.Arch, r resolved) error {
	code, err := f.ReadSymbol(r.stub)
	if err != nil {
		return err
	}
	if err := emu.Check(a, code, r.probe, r.target, r.record.Args); err != nil {
		return err
	}
	if !r.probe.Lazy() {
		return nil
	}
	sym, err := f.Symbol(r.m.LinkerSymbol(r.m.SemaphoreSymbol))
	if err != nil {
		return err
	}
	if want := uint64(r.m.SemaphoreCount) * semaphore.CellSize; sym.Size != 0 && sym.Size != want {
		return fmt.Errorf("table is %d bytes, want %d: %w", sym.Size, want, ErrBadSemaphore)
	}
	return nil
}

// planBase returns the address of .stapsdt.base. A section already in the
// binary is kept, whether an earlier link or C code put it there. Otherwise
// the first base symbol of ms found in the binary is marked with a new
// header-only section. Manifests without a base symbol leave the base 0.
func planBase(f *usdt.File, ms []*manifest.Manifest) (uint64, *elfedit.Section, error) {
	addr, ok, err := f.StapsdtBase()
	if err != nil || ok {
		return addr, nil, err
	}
	declared := false
	for _, m := range ms {
		if m.BaseSymbol == "" {
			continue
		}
		declared = true
		sym, err := f.Symbol(m.LinkerSymbol(m.BaseSymbol))
		if errors.Is(err, usdt.ErrNoSymbol) {
			continue
		}
		if err != nil {
			return 0, nil, err
		}
		off, err := f.FileOffset(sym.Value)
		if err != nil {
			return 0, nil, fmt.Errorf("%s: %w", sym.Name, err)
		}
		return sym.Value, &elfedit.Section{
			Name:   arch.BaseSection,
			Type:   elf.SHT_PROGBITS,
			Flags:  elf.SHF_ALLOC | elf.SHF_WRITE,
			Addr:   sym.Value,
			Offset: off,
			Size:   1,
			Align:  1,
		}, nil
	}
	if declared {
		return 0, nil, ErrNoBase
	}
	return 0, nil, nil
}

func resolveManifest(f *usdt.File, a arch.Arch, m *manifest.Manifest) ([]resolved, []string, error) {
	var (
		out     []resolved
		missing []string
		errs    error
	)
	for _, p := range m.Probes {
		target, ok := p.Targets[a.GOARCH]
		if !ok {
			missing = append(missing, p.ID())
			continue
		}
		sym, off, err := FindStub(f, a, m.LinkerSymbol(p.Symbol))
		if errors.Is(err, usdt.ErrNoSymbol) {
			missing = append(missing, p.ID())
			continue
		}
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("probe %s: %w", p.ID(), err))
			continue
		}
		rec := note.Record{
			Provider: p.Provider,
			Name:     p.Name,
			PC:       sym.Value + uint64(off),
			Args:     target.Format,
		}
		if p.Lazy() {
			addr, err := semaphoreAddr(f, m, p)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("probe %s: %w", p.ID(), err))
				continue
			}
			rec.Semaphore = addr
		}
		out = append(out, resolved{
			id:     m.ImportPath + " " + p.ID(),
			record: rec,
			m:      m,
			probe:  p,
			target: target,
			stub:   sym,
		})
	}
	return out, missing, errs
}

// FindStub returns the stub symbol and the offset of its patch point. When
// the Go linker emitted an ABI wrapper the assembly body is the ".abi0"
// symbol, which is tried first.
func FindStub(f *usdt.File, a arch.Arch, name string) (elf.Symbol, int, error) {
	candidates := []string{name}
	if a.ABI0Suffix {
		candidates = []string{name + ".abi0", name}
	}
	var errs error
	for _, c := range candidates {
		sym, err := f.Symbol(c)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		code, err := f.ReadSymbol(sym)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		off, err := a.PatchPoint(code)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", c, err))
			continue
		}
		return sym, off, nil
	}
	for _, err := range multierr.Errors(errs) {
		if !errors.Is(err, usdt.ErrNoSymbol) {
			return elf.Symbol{}, 0, err
		}
	}
	return elf.Symbol{}, 0, fmt.Errorf("%s: %w", name, usdt.ErrNoSymbol)
}

func semaphoreAddr(f *usdt.File, m *manifest.Manifest, p manifest.Probe) (uint64, error) {
	if m.SemaphoreSymbol == "" || p.Semaphore >= m.SemaphoreCount {
		return 0, fmt.Errorf("slot %d of %d: %w", p.Semaphore, m.SemaphoreCount, ErrBadSemaphore)
	}
	sym, err := f.Symbol(m.LinkerSymbol(m.SemaphoreSymbol))
	if err != nil {
		return 0, err
	}
	if sym.Size != 0 && uint64(p.Semaphore+1)*semaphore.CellSize > sym.Size {
		return 0, fmt.Errorf("slot %d, table is %d bytes: %w", p.Semaphore, sym.Size, ErrBadSemaphore)
	}
	return semaphore.Address(sym.Value, p.Semaphore), nil
}

// Link writes the note into the binary at path.
func Link(ctx context.Context, path string, opts Options) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log := opts.log().With(zap.String("binary", path))

	f, err := usdt.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	res, err := Plan(f, opts.Manifests, opts.Strict)
	var (
		order    = f.ByteOrder
		addrSize = f.AddrSize()
	)
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	res.Path = path

	for _, id := range res.Missing {
		log.Warn("Probe not found in binary", zap.String("probe", id))
	}
	if res.Skipped {
		log.Info("Binary left unchanged", zap.String("reason", res.Reason))
		return res, nil
	}

	data, err := note.Encode(order, addrSize, res.Records)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if !opts.DryRun {
		secs := []elfedit.Section{{
			Name:  arch.NoteSection,
			Type:  elf.SHT_NOTE,
			Align: 4,
			Data:  data,
		}}
		if res.base != nil {
			secs = append(secs, *res.base)
		}
		if err := elfedit.SetSectionFile(path, secs...); err != nil {
			return nil, err
		}
	}
	log.Info("Linked probes",
		zap.String("arch", res.Arch),
		zap.Int("probes", res.Linked),
		zap.Int("notes", len(res.Records)),
		zap.String("base", fmt.Sprintf("%#x", res.Base)),
		zap.Bool("dry_run", opts.DryRun))
	return res, nil
}

// LinkAll links every path, at most config.LinkWorkers at a time, and
// returns the results in the order of paths. The first error cancels the
// remaining work.
func LinkAll(ctx context.Context, paths []string, opts Options) ([]*Result, error) {
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		if seen[p] {
			return nil, fmt.Errorf("%s given twice", p)
		}
		seen[p] = true
	}

	ctx, cancel := context.WithTimeout(ctx, config.LinkTimeout)
	defer cancel()

	results := make([]*Result, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(config.LinkWorkers)
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			res, err := Link(ctx, path, opts)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
