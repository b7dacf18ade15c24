// Package manifest records what generate emitted for a package so that link
// and verify can find the probes again in a built binary.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// Version is bumped on incompatible changes to the manifest layout.
const Version = 1

var ErrVersion = errors.New("unsupported manifest version")

type Manifest struct {
	Version         int     `json:"version"`
	Package         string  `json:"package"`
	ImportPath      string  `json:"import_path,omitempty"`
	SymbolPrefix    string  `json:"symbol_prefix"`
	BaseSymbol      string  `json:"base_symbol,omitempty"`
	SemaphoreSymbol string  `json:"semaphore_symbol,omitempty"`
	SemaphoreCount  int     `json:"semaphore_count"`
	Probes          []Probe `json:"probes"`
}

type Probe struct {
	Provider string `json:"provider"`
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	// Semaphore is the slot in the package table, -1 for eager probes.
	Semaphore int               `json:"semaphore"`
	Args      []Arg             `json:"args,omitempty"`
	Targets   map[string]Target `json:"targets"`
}

type Arg struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Signed bool   `json:"signed"`
}

// Target is the per-GOARCH shape of a probe stub.
type Target struct {
	Format    string `json:"format"`
	Offsets   []int  `json:"offsets,omitempty"`
	Sizes     []int  `json:"sizes,omitempty"`
	FrameSize int    `json:"frame_size"`
}

func (p Probe) ID() string {
	return p.Provider + ":" + p.Name
}

// Lazy reports whether the probe has a semaphore.
func (p Probe) Lazy() bool {
	return p.Semaphore >= 0
}

// LinkerSymbol is the name of sym in the symbol table of a binary.
func (m *Manifest) LinkerSymbol(sym string) string {
	return m.SymbolPrefix + "." + sym
}

// Find returns the probe with the given provider and name.
func (m *Manifest) Find(provider, name string) (Probe, bool) {
	for _, p := range m.Probes {
		if p.Provider == provider && p.Name == name {
			return p, true
		}
	}
	return Probe{}, false
}

func (m *Manifest) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "\t")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func Read(r io.Reader) (*Manifest, error) {
	var m Manifest
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if m.Version != Version {
		return nil, fmt.Errorf("version %d: %w", m.Version, ErrVersion)
	}
	return &m, nil
}

func Load(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	m, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// LoadAll loads manifests from paths. A directory is searched recursively
// for files called name.
func LoadAll(name string, paths ...string) ([]*Manifest, error) {
	var files []string
	for _, p := range paths {
		st, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !st.IsDir() {
			files = append(files, p)
			continue
		}
		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() && path != p && (d.Name() == "vendor" || d.Name() == "testdata" || d.Name()[0] == '.' || d.Name()[0] == '_') {
				return filepath.SkipDir
			}
			if !d.IsDir() && d.Name() == name {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Strings(files)

	out := make([]*Manifest, 0, len(files))
	for _, f := range files {
		m, err := Load(f)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
