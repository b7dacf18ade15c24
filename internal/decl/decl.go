// Package decl loads and validates probe declarations.
//
// A declaration file lists the probes of one Go package:
//
//	package: selftest
//	prefix: probe
//	probes:
//	  - provider: test
//	    name: hit
//	    args: [a int64, b int64]
//	  - provider: test
//	    name: lazy
//	    lazy: true
//	    args: [v int64]
package decl

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/sdtprobe/sdtprobe/internal/config"
	"github.com/sdtprobe/sdtprobe/internal/validation"
)

var (
	ErrDuplicate   = errors.New("duplicate probe")
	ErrCollision   = errors.New("generated name collision")
	ErrUnknownType = errors.New("unknown argument type")
	ErrTooManyArgs = errors.New("too many probe arguments")
	ErrTooLarge    = errors.New("declaration file too large")
)

// File is the on-disk form of a declaration.
type File struct {
	Package    string      `yaml:"package"`
	ImportPath string      `yaml:"import_path"`
	Prefix     *string     `yaml:"prefix"`
	Probes     []ProbeSpec `yaml:"probes"`
}

// ProbeSpec is one probe as written in the file. Args are "name type".
type ProbeSpec struct {
	Provider string   `yaml:"provider"`
	Name     string   `yaml:"name"`
	Lazy     bool     `yaml:"lazy"`
	Doc      string   `yaml:"doc"`
	Args     []string `yaml:"args"`
}

// Param is a typed probe argument.
type Param struct {
	Name string
	Type Type
}

// Probe is a validated probe.
type Probe struct {
	Provider string
	Name     string
	Lazy     bool
	Doc      string
	Params   []Param
}

// Package is the validated declaration of one Go package.
type Package struct {
	Name         string
	ImportPath   string
	SymbolPrefix string
	// Prefix starts the name of every generated wrapper.
	Prefix string
	Probes []Probe
}

// Symbol is the name of the probe's assembly stub.
func (p Probe) Symbol() string {
	return config.DefaultStubPrefix + "_" + p.Provider + "_" + p.Name
}

// ID is "provider:name".
func (p Probe) ID() string {
	return p.Provider + ":" + p.Name
}

// Wrapper is the name of the generated Go function firing the probe.
func (p Probe) Wrapper(prefix string) string {
	name := camel(p.Provider) + camel(p.Name)
	if prefix == "" {
		return name
	}
	return prefix + name
}

func camel(s string) string {
	var b strings.Builder
	upper := true
	for _, r := range s {
		if r == '_' {
			upper = true
			continue
		}
		if upper {
			r = unicode.ToUpper(r)
			upper = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Parse decodes a declaration. Unknown keys are errors.
func Parse(r io.Reader) (*File, error) {
	data, err := io.ReadAll(io.LimitReader(r, config.MaxDeclFileSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > config.MaxDeclFileSize {
		return nil, ErrTooLarge
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode declaration: %w", err)
	}
	return &f, nil
}

// Load reads the declaration at path and resolves it against the package
// directory containing it.
func Load(path string) (*Package, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = fh.Close() }()

	f, err := Parse(fh)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	dir := filepath.Dir(path)
	if f.Package == "" {
		if f.Package, err = PackageName(dir, config.OutputPrefix); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	if f.ImportPath == "" && f.Package != "main" {
		if f.ImportPath, err = ImportPath(dir); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	pkg, err := f.Resolve()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return pkg, nil
}

// Resolve validates the declaration and types its arguments. Every problem
// is reported, combined with multierr.
func (f *File) Resolve() (*Package, error) {
	pkg := &Package{
		Name:       f.Package,
		ImportPath: f.ImportPath,
		Prefix:     config.WrapperPrefix,
	}
	if f.Prefix != nil {
		pkg.Prefix = *f.Prefix
	}
	pkg.SymbolPrefix = SymbolPrefix(pkg.Name, pkg.ImportPath)

	var errs error
	errs = multierr.Append(errs, validation.ValidatePackageName(pkg.Name))
	if pkg.Prefix != "" {
		if err := validation.ValidateArgName(pkg.Prefix); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("prefix: %w", err))
		}
	}
	if len(f.Probes) > config.MaxProbesPerPackage {
		errs = multierr.Append(errs, fmt.Errorf("%d probes (max %d): %w", len(f.Probes), config.MaxProbesPerPackage, ErrTooManyArgs))
	}

	ids := make(map[string]bool)
	symbols := make(map[string]string)
	wrappers := make(map[string]string)
	for _, spec := range f.Probes {
		p, err := spec.resolve()
		errs = multierr.Append(errs, err)
		if err != nil {
			continue
		}
		if ids[p.ID()] {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", p.ID(), ErrDuplicate))
			continue
		}
		ids[p.ID()] = true
		if other, ok := symbols[p.Symbol()]; ok {
			errs = multierr.Append(errs, fmt.Errorf("%s and %s both map to symbol %s: %w", other, p.ID(), p.Symbol(), ErrCollision))
			continue
		}
		symbols[p.Symbol()] = p.ID()
		if err := claimWrappers(wrappers, p, pkg.Prefix); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		pkg.Probes = append(pkg.Probes, p)
	}
	if errs != nil {
		return nil, errs
	}
	return pkg, nil
}

func claimWrappers(taken map[string]string, p Probe, prefix string) error {
	names := []string{p.Wrapper(prefix)}
	if p.Lazy {
		names = append(names, p.Wrapper(prefix)+"Enabled", p.Wrapper(prefix)+"Lazy")
	}
	for _, n := range names {
		if other, ok := taken[n]; ok {
			return fmt.Errorf("%s and %s both generate %s: %w", other, p.ID(), n, ErrCollision)
		}
	}
	for _, n := range names {
		taken[n] = p.ID()
	}
	return nil
}

func (s ProbeSpec) resolve() (Probe, error) {
	p := Probe{
		Provider: s.Provider,
		Name:     s.Name,
		Lazy:     s.Lazy,
		Doc:      validation.SanitizeComment(s.Doc),
	}
	id := p.ID()
	var errs error
	errs = multierr.Append(errs, validation.ValidateProvider(s.Provider))
	errs = multierr.Append(errs, validation.ValidateProbeName(s.Name))
	if len(s.Args) > config.MaxProbeArgs {
		errs = multierr.Append(errs, fmt.Errorf("%d arguments (max %d): %w", len(s.Args), config.MaxProbeArgs, ErrTooManyArgs))
	}
	seen := make(map[string]bool)
	for i, a := range s.Args {
		fields := strings.Fields(a)
		if len(fields) != 2 {
			errs = multierr.Append(errs, fmt.Errorf("argument %d %q: want \"name type\": %w", i, a, validation.ErrInvalidName))
			continue
		}
		name, typeName := fields[0], fields[1]
		if err := validation.ValidateArgName(name); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if seen[name] {
			errs = multierr.Append(errs, fmt.Errorf("argument %q repeated: %w", name, ErrDuplicate))
			continue
		}
		seen[name] = true
		t, ok := LookupType(typeName)
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf("argument %q: %q (want one of %s): %w", name, typeName, strings.Join(TypeNames(), ", "), ErrUnknownType))
			continue
		}
		p.Params = append(p.Params, Param{Name: name, Type: t})
	}
	if errs != nil {
		return Probe{}, fmt.Errorf("probe %s: %w", id, errs)
	}
	return p, nil
}
