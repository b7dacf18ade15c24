// Package argspec parses SDT argument strings such as "-8@%rax",
// "-4@-1204(%rbp)", "8@[sp, 16]" or "-4@$5".
//
// See https://sourceware.org/systemtap/wiki/UserSpaceProbeImplementation.
package argspec

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// MaxArgs is the most arguments SDT consumers (libbpf, bcc) accept.
const MaxArgs = 12

var (
	ErrMalformed   = errors.New("malformed argument spec")
	ErrBadSize     = errors.New("argument size must be 1, 2, 4 or 8")
	ErrTooManyArgs = errors.New("too many arguments")
)

// Kind is where an argument value lives.
type Kind int

const (
	// Reg: the value is the register itself.
	Reg Kind = iota
	// Deref: the value is in memory at register plus offset.
	Deref
	// Const: the value is an immediate.
	Const
)

func (k Kind) String() string {
	switch k {
	case Reg:
		return "reg"
	case Deref:
		return "deref"
	case Const:
		return "const"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Arg is one parsed argument.
type Arg struct {
	Size   int // bytes
	Signed bool
	Float  bool
	Kind   Kind
	Reg    string // lower case, without '%'; empty for Const
	Offset int64  // Deref only
	Value  int64  // Const only
}

var (
	// -4@-1204(%rbp), 8@(%rsp), -4@-20(s0)
	regexDeref = regexp.MustCompile(
		`^(-?\d+)(f?)@(-?\d+)?\(%?([a-z0-9]+)\)$`)
	// -4@[sp, 60], 8@[x0]
	regexDerefARM = regexp.MustCompile(
		`^(-?\d+)(f?)@\[\s*([a-z0-9]+)\s*(?:,\s*#?(-?\d+)\s*)?\]$`)
	// -4@$5, -4@100
	regexConst = regexp.MustCompile(`^(-?\d+)(f?)@\$?(-?\d+)$`)
	// 8@%rax, -4@x1, 8@a0
	regexReg = regexp.MustCompile(`^(-?\d+)(f?)@%?([a-z][a-z0-9]*)$`)
)

// ParseArg parses a single argument.
func ParseArg(s string) (Arg, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Arg{}, fmt.Errorf("empty argument: %w", ErrMalformed)
	}

	var (
		a      Arg
		m      []string
		err    error
		sizeIn string
	)
	switch {
	case regexDeref.MatchString(s):
		m = regexDeref.FindStringSubmatch(s)
		sizeIn = m[1]
		a.Kind = Deref
		a.Reg = m[4]
		if m[3] != "" {
			a.Offset, err = strconv.ParseInt(m[3], 10, 64)
		}
	case regexDerefARM.MatchString(s):
		m = regexDerefARM.FindStringSubmatch(s)
		sizeIn = m[1]
		a.Kind = Deref
		a.Reg = m[3]
		if m[4] != "" {
			a.Offset, err = strconv.ParseInt(m[4], 10, 64)
		}
	case regexConst.MatchString(s):
		m = regexConst.FindStringSubmatch(s)
		sizeIn = m[1]
		a.Kind = Const
		a.Value, err = strconv.ParseInt(m[3], 10, 64)
	case regexReg.MatchString(s):
		m = regexReg.FindStringSubmatch(s)
		sizeIn = m[1]
		a.Kind = Reg
		a.Reg = m[3]
	default:
		return Arg{}, fmt.Errorf("%q: %w", s, ErrMalformed)
	}
	if err != nil {
		return Arg{}, fmt.Errorf("%q: %w", s, ErrMalformed)
	}
	a.Float = m[2] == "f"

	size, err := strconv.Atoi(sizeIn)
	if err != nil {
		return Arg{}, fmt.Errorf("%q: %w", s, ErrMalformed)
	}
	if size < 0 {
		a.Signed = true
		size = -size
	}
	switch size {
	case 1, 2, 4, 8:
	default:
		return Arg{}, fmt.Errorf("%q: %w", s, ErrBadSize)
	}
	a.Size = size
	return a, nil
}

// Parse parses a whitespace separated argument string. An empty string is a
// probe without arguments.
func Parse(args string) ([]Arg, error) {
	fields := Split(args)
	if len(fields) > MaxArgs {
		return nil, fmt.Errorf("%d arguments (max %d): %w", len(fields), MaxArgs, ErrTooManyArgs)
	}
	out := make([]Arg, 0, len(fields))
	for i, f := range fields {
		a, err := ParseArg(f)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out = append(out, a)
	}
	return out, nil
}

// Split separates an argument string into arguments. Whitespace inside
// brackets, as in the arm64 form "-4@[sp, 60]", does not separate.
func Split(args string) []string {
	var (
		out   []string
		cur   strings.Builder
		depth int
	)
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for _, r := range args {
		switch {
		case r == '[':
			depth++
		case r == ']' && depth > 0:
			depth--
		case depth == 0 && (r == ' ' || r == '\t' || r == '\n'):
			flush()
			continue
		}
		cur.WriteRune(r)
	}
	flush()
	return out
}

// Extend truncates raw to the argument width and sign- or zero-extends it
// back to 64 bits.
func (a Arg) Extend(raw uint64) uint64 {
	if a.Size >= 8 {
		return raw
	}
	shift := uint(64 - a.Size*8)
	if a.Signed {
		return uint64(int64(raw<<shift) >> shift)
	}
	return raw << shift >> shift
}

func (a Arg) String() string {
	size := a.Size
	if a.Signed {
		size = -size
	}
	f := ""
	if a.Float {
		f = "f"
	}
	switch a.Kind {
	case Deref:
		return fmt.Sprintf("%d%s@%d(%s)", size, f, a.Offset, a.Reg)
	case Const:
		return fmt.Sprintf("%d%s@$%d", size, f, a.Value)
	}
	return fmt.Sprintf("%d%s@%s", size, f, a.Reg)
}
