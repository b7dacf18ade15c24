package codegen

import "text/template"

const header = "// Code generated by sdtprobe; DO NOT EDIT.\n"

var goTemplate = template.Must(template.New("go").Parse(header + `
//go:build {{.Constraint}}

package {{.Package}}
{{if .SemCount}}
import "unsafe"

// sdtSemaphores is the SDT semaphore table of this package. Tracers
// increment a cell while attached; the program only reads it.
var sdtSemaphores = (*[{{.SemCount}}]uint16)(sdtSemaphoreBase())

func sdtSemaphoreBase() unsafe.Pointer
{{end}}
{{- range .Probes}}

func {{.Symbol}}({{.Params}})

// {{.Wrapper}} fires the SDT probe {{.ID}}.
{{- if .Doc}}
// {{.Doc}}
{{- end}}
func {{.Wrapper}}({{.Params}}) {
	{{.Symbol}}({{.ArgNames}})
}
{{- if .Lazy}}

// {{.Wrapper}}Enabled reports whether a tracer is attached to {{.ID}}.
func {{.Wrapper}}Enabled() bool {
	return sdtSemaphores[{{.Slot}}] != 0
}

// {{.Wrapper}}Lazy fires {{.ID}} only while a tracer is attached.
{{- if .HasArgs}}
// fn computes the arguments and is not called otherwise.
{{- end}}
func {{.Wrapper}}Lazy({{if .HasArgs}}fn func() {{.Results}}{{end}}) {
	if sdtSemaphores[{{.Slot}}] != 0 {
		{{.Symbol}}({{if .HasArgs}}fn(){{end}})
	}
}
{{- end}}
{{- end}}
`))

var stubTemplate = template.Must(template.New("stub").Parse(header + `
{{if .Constraint}}//go:build !({{.Constraint}})

{{end}}package {{.Package}}

// SDT probes compile to nothing on this target.
{{- range .Probes}}

func {{.Wrapper}}({{.Params}}) {}
{{- if .Lazy}}

func {{.Wrapper}}Enabled() bool { return false }

func {{.Wrapper}}Lazy({{if .HasArgs}}fn func() {{.Results}}{{end}}) {}
{{- end}}
{{- end}}
`))

var asmTemplate = template.Must(template.New("asm").Parse(header + `
#include "textflag.h"
{{range .Probes}}
// {{.ID}}{{if .Format}} {{.Format}}{{end}}
TEXT ·{{.Symbol}}(SB), {{$.TextFlags}}, $0-{{.FrameSize}}
{{- range .Loads}}
	{{.}}
{{- end}}
	{{$.Nop}}
	RET
	{{$.BaseLoad}}
{{end}}
// {{.BaseSymbol}} is the byte .stapsdt.base is placed over. The unreachable
// load after each RET keeps it in the binary.
DATA ·{{.BaseSymbol}}+0(SB)/1, $0
GLOBL ·{{.BaseSymbol}}(SB), NOPTR, $1
{{if .SemCount}}
{{range .SemOffsets}}DATA ·{{$.SemSymbol}}+{{.}}(SB)/2, $0
{{end}}GLOBL ·{{.SemSymbol}}(SB), NOPTR, ${{.SemSize}}

TEXT ·sdtSemaphoreBase(SB), {{.TextFlags}}, $0-{{.PtrSize}}
{{- range .AddrLoad}}
	{{.}}
{{- end}}
	RET
{{end}}`))
