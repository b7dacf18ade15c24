package arch

import "errors"

var errShortCode = errors.New("truncated instruction")

// InsnKind classifies a decoded instruction for patch-point discovery and
// stub emulation.
type InsnKind int

const (
	InsnOther InsnKind = iota
	InsnLoad
	InsnNop
	InsnRet
)

// Insn is the part of a decoded instruction the tool cares about. Only
// register loads from a base register plus displacement are described in
// detail, which is all a generated stub contains before its patch point.
type Insn struct {
	Kind InsnKind
	Len  int

	// Load fields, in canonical register names.
	Dst    string
	Base   string
	Disp   int64
	Size   int
	Signed bool
}
