package decl

import "sort"

// Type is a probe argument type. Size 0 means pointer sized.
type Type struct {
	Name   string
	Size   int
	Signed bool
}

var types = map[string]Type{
	"int8":    {"int8", 1, true},
	"int16":   {"int16", 2, true},
	"int32":   {"int32", 4, true},
	"int64":   {"int64", 8, true},
	"uint8":   {"uint8", 1, false},
	"uint16":  {"uint16", 2, false},
	"uint32":  {"uint32", 4, false},
	"uint64":  {"uint64", 8, false},
	"byte":    {"byte", 1, false},
	"rune":    {"rune", 4, true},
	"bool":    {"bool", 1, false},
	"int":     {"int", 0, true},
	"uint":    {"uint", 0, false},
	"uintptr": {"uintptr", 0, false},
}

// LookupType returns the argument type named name.
func LookupType(name string) (Type, bool) {
	t, ok := types[name]
	return t, ok
}

// TypeNames lists the accepted argument types.
func TypeNames() []string {
	out := make([]string, 0, len(types))
	for n := range types {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// SizeOn is the width of t on a target with the given pointer size.
func (t Type) SizeOn(ptrSize int) int {
	if t.Size == 0 {
		return ptrSize
	}
	return t.Size
}

// alignOn is the alignment of t inside an assembly argument frame.
func (t Type) alignOn(ptrSize int) int {
	if s := t.SizeOn(ptrSize); s < ptrSize {
		return s
	}
	return ptrSize
}

// Frame is the ABI0 argument frame of a probe stub on one target.
type Frame struct {
	Offsets []int // per argument, from the start of the frame
	Sizes   []int
	Size    int // total, rounded to the pointer size
}

// FrameOn lays the parameters out the way the Go toolchain does for an
// assembly function: in order, each aligned to its own size.
func FrameOn(params []Param, ptrSize int) Frame {
	f := Frame{
		Offsets: make([]int, len(params)),
		Sizes:   make([]int, len(params)),
	}
	off := 0
	for i, p := range params {
		size := p.Type.SizeOn(ptrSize)
		align := p.Type.alignOn(ptrSize)
		off = (off + align - 1) &^ (align - 1)
		f.Offsets[i] = off
		f.Sizes[i] = size
		off += size
	}
	f.Size = (off + ptrSize - 1) &^ (ptrSize - 1)
	return f
}
