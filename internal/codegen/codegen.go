// Package codegen turns a probe declaration into source files.
//
// For every supported target it emits one Plan 9 assembly file holding a
// stub per probe: the arguments are loaded from the stub's frame into the
// target's SDT argument registers, then comes the patch-point nop and RET.
// Typed Go wrappers call the stubs on those targets; a fallback file with
// empty wrappers covers every other target. Generate is a pure function of
// its inputs.
package codegen

import (
	"bytes"
	"fmt"
	"go/format"
	"sort"
	"strconv"
	"strings"
	"text/template"

	"go.uber.org/multierr"

	"github.com/sdtprobe/sdtprobe/internal/arch"
	"github.com/sdtprobe/sdtprobe/internal/config"
	"github.com/sdtprobe/sdtprobe/internal/decl"
	"github.com/sdtprobe/sdtprobe/internal/manifest"
	"github.com/sdtprobe/sdtprobe/internal/semaphore"
)

// Output is the result of Generate.
type Output struct {
	Files    map[string][]byte
	Manifest *manifest.Manifest
}

// Names returns the generated file names, sorted.
func (o *Output) Names() []string {
	names := make([]string, 0, len(o.Files))
	for n := range o.Files {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Generate produces the files for pkg. Targets must be sorted and free of
// duplicates, as arch.ParseTargets returns them. An empty target list
// yields only the fallback file and the manifest.
func Generate(pkg *decl.Package, targets []arch.Arch) (*Output, error) {
	sems := semaphore.Layout(config.DefaultSemaphoreSymbol, pkg.Probes)
	m := &manifest.Manifest{
		Version:        manifest.Version,
		Package:        pkg.Name,
		ImportPath:     pkg.ImportPath,
		SymbolPrefix:   pkg.SymbolPrefix,
		SemaphoreCount: sems.Len(),
	}
	if sems.Len() > 0 {
		m.SemaphoreSymbol = sems.Symbol
	}
	if len(targets) > 0 {
		m.BaseSymbol = config.DefaultBaseSymbol
	}

	wrappers := make([]wrapperData, len(pkg.Probes))
	for i, p := range pkg.Probes {
		wrappers[i] = newWrapperData(pkg, p, sems)
		mp := manifest.Probe{
			Provider:  p.Provider,
			Name:      p.Name,
			Symbol:    p.Symbol(),
			Semaphore: sems.Slot(p),
			Targets:   make(map[string]manifest.Target),
		}
		for _, prm := range p.Params {
			mp.Args = append(mp.Args, manifest.Arg{Name: prm.Name, Type: prm.Type.Name, Signed: prm.Type.Signed})
		}
		m.Probes = append(m.Probes, mp)
	}

	out := &Output{Files: make(map[string][]byte), Manifest: m}
	var errs error
	for _, a := range targets {
		src, err := generateAsm(pkg, a, sems, m)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		out.Files[config.GeneratedFile("_linux_"+a.GOARCH+".s")] = src
	}
	if errs != nil {
		return nil, errs
	}

	constraint := ""
	if len(targets) > 0 {
		constraint = arch.Constraint(targets)
		src, err := render(goTemplate, goData{pkg.Name, constraint, sems.Len(), wrappers}, true)
		if err != nil {
			return nil, err
		}
		out.Files[config.GeneratedFile(".go")] = src
	}
	src, err := render(stubTemplate, goData{pkg.Name, constraint, sems.Len(), wrappers}, true)
	if err != nil {
		return nil, err
	}
	out.Files[config.GeneratedFile("_stub.go")] = src

	js, err := m.Encode()
	if err != nil {
		return nil, err
	}
	out.Files[config.GeneratedFile(".json")] = js
	return out, nil
}

type goData struct {
	Package    string
	Constraint string
	SemCount   int
	Probes     []wrapperData
}

type wrapperData struct {
	ID       string
	Doc      string
	Symbol   string
	Wrapper  string
	Lazy     bool
	Slot     int
	Params   string
	ArgNames string
	Results  string
	HasArgs  bool
}

func newWrapperData(pkg *decl.Package, p decl.Probe, sems *semaphore.Table) wrapperData {
	params := make([]string, len(p.Params))
	names := make([]string, len(p.Params))
	typs := make([]string, len(p.Params))
	for i, prm := range p.Params {
		params[i] = prm.Name + " " + prm.Type.Name
		names[i] = prm.Name
		typs[i] = prm.Type.Name
	}
	results := strings.Join(typs, ", ")
	if len(typs) > 1 {
		results = "(" + results + ")"
	}
	return wrapperData{
		ID:       p.ID(),
		Doc:      p.Doc,
		Symbol:   p.Symbol(),
		Wrapper:  p.Wrapper(pkg.Prefix),
		Lazy:     p.Lazy,
		Slot:     sems.Slot(p),
		Params:   strings.Join(params, ", "),
		ArgNames: strings.Join(names, ", "),
		Results:  results,
		HasArgs:  len(p.Params) > 0,
	}
}

type asmData struct {
	TextFlags  string
	Nop        string
	PtrSize    int
	BaseSymbol string
	BaseLoad   string
	Probes     []stubData
	SemSymbol  string
	SemCount   int
	SemSize    int
	SemOffsets []int
	AddrLoad   []string
}

type stubData struct {
	ID        string
	Format    string
	Symbol    string
	FrameSize int
	Loads     []string
}

// generateAsm renders the stubs for one target and records their shape in
// the manifest.
func generateAsm(pkg *decl.Package, a arch.Arch, sems *semaphore.Table, m *manifest.Manifest) ([]byte, error) {
	data := asmData{
		TextFlags:  a.TextFlags,
		Nop:        a.NopDirective,
		PtrSize:    a.PtrSize,
		BaseSymbol: m.BaseSymbol,
		BaseLoad:   a.AddrLoad("·" + m.BaseSymbol + "(SB)")[0],
		SemSymbol:  sems.Symbol,
		SemCount:   sems.Len(),
		SemSize:    sems.Size(),
	}
	for i := 0; i < sems.Len(); i++ {
		data.SemOffsets = append(data.SemOffsets, i*semaphore.CellSize)
	}
	if sems.Len() > 0 {
		data.AddrLoad = a.AddrLoad("·" + sems.Symbol + "(SB)")
	}

	var errs error
	for i, p := range pkg.Probes {
		stub, target, err := stubFor(p, a)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: probe %s: %w", a.GOARCH, p.ID(), err))
			continue
		}
		data.Probes = append(data.Probes, stub)
		m.Probes[i].Targets[a.GOARCH] = target
	}
	if errs != nil {
		return nil, errs
	}
	return render(asmTemplate, data, false)
}

func stubFor(p decl.Probe, a arch.Arch) (stubData, manifest.Target, error) {
	if len(p.Params) > a.MaxArgs() {
		return stubData{}, manifest.Target{}, fmt.Errorf("%d arguments, %s has %d argument registers: %w",
			len(p.Params), a.GOARCH, a.MaxArgs(), arch.ErrTooManyArgs)
	}
	frame := decl.FrameOn(p.Params, a.PtrSize)
	stub := stubData{
		ID:        p.ID(),
		Symbol:    p.Symbol(),
		FrameSize: frame.Size,
	}
	formats := make([]string, len(p.Params))
	for i, prm := range p.Params {
		size := frame.Sizes[i]
		insn, err := a.LoadInsn(size, prm.Type.Signed)
		if err != nil {
			return stubData{}, manifest.Target{}, fmt.Errorf("argument %s %s: %w", prm.Name, prm.Type.Name, err)
		}
		formats[i], err = a.ArgString(size, prm.Type.Signed, i)
		if err != nil {
			return stubData{}, manifest.Target{}, fmt.Errorf("argument %s: %w", prm.Name, err)
		}
		stub.Loads = append(stub.Loads, fmt.Sprintf("%s %s+%s(FP), %s",
			insn, prm.Name, strconv.Itoa(frame.Offsets[i]), a.Registers[i].Asm))
	}
	stub.Format = strings.Join(formats, " ")
	target := manifest.Target{
		Format:    stub.Format,
		Offsets:   frame.Offsets,
		Sizes:     frame.Sizes,
		FrameSize: frame.Size,
	}
	return stub, target, nil
}

func render(t *template.Template, data any, gofmt bool) ([]byte, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render %s: %w", t.Name(), err)
	}
	if !gofmt {
		return buf.Bytes(), nil
	}
	src, err := format.Source(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("format %s: %w", t.Name(), err)
	}
	return src, nil
}
