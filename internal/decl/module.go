package decl

import (
	"errors"
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/mod/modfile"
)

var ErrNoModule = errors.New("no go.mod found")

// ImportPath resolves the import path of the package in dir by finding the
// enclosing go.mod.
func ImportPath(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for cur := abs; ; {
		gomod := filepath.Join(cur, "go.mod")
		data, err := os.ReadFile(gomod)
		if err == nil {
			f, err := modfile.ParseLax(gomod, data, nil)
			if err != nil {
				return "", fmt.Errorf("parse %s: %w", gomod, err)
			}
			if f.Module == nil || f.Module.Mod.Path == "" {
				return "", fmt.Errorf("%s: no module directive", gomod)
			}
			rel, err := filepath.Rel(cur, abs)
			if err != nil {
				return "", err
			}
			if rel == "." {
				return f.Module.Mod.Path, nil
			}
			return path.Join(f.Module.Mod.Path, filepath.ToSlash(rel)), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", fmt.Errorf("%s: %w", dir, ErrNoModule)
		}
		cur = parent
	}
}

// PackageName returns the package clause shared by the non-test Go files in
// dir, ignoring generated probe files. GOPACKAGE, set by go generate, wins.
func PackageName(dir, generatedPrefix string) (string, error) {
	if name := os.Getenv("GOPACKAGE"); name != "" {
		return name, nil
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.go"))
	if err != nil {
		return "", err
	}
	fset := token.NewFileSet()
	for _, m := range matches {
		base := filepath.Base(m)
		if strings.HasSuffix(base, "_test.go") || strings.HasPrefix(base, generatedPrefix) {
			continue
		}
		f, err := parser.ParseFile(fset, m, nil, parser.PackageClauseOnly)
		if err != nil {
			return "", err
		}
		return f.Name.Name, nil
	}
	return "", fmt.Errorf("%s: no Go files to take the package name from", dir)
}

// SymbolPrefix returns the prefix the Go linker gives symbols of the
// package with the given import path: "main" for commands, otherwise the
// path with the characters the linker escapes replaced by %xx.
func SymbolPrefix(pkgName, importPath string) string {
	if pkgName == "main" {
		return "main"
	}
	slash := strings.LastIndex(importPath, "/")
	var b strings.Builder
	for i := 0; i < len(importPath); i++ {
		c := importPath[i]
		if c <= ' ' || (c == '.' && i > slash) || c == '%' || c == '"' || c >= 0x7f {
			fmt.Fprintf(&b, "%%%02x", c)
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
