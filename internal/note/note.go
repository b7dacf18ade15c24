// Package note encodes and decodes SystemTap SDT note records, the payload of
// the ".note.stapsdt" ELF section.
//
// Each record is an ELF note with owner "stapsdt" and type 3 whose
// descriptor holds three addresses (patch point, .stapsdt.base address and
// semaphore) followed by the NUL terminated provider, probe name and argument
// strings.
package note

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/sdtprobe/sdtprobe/internal/argspec"
	"github.com/sdtprobe/sdtprobe/internal/validation"
)

const (
	Owner = "stapsdt"
	// TypeSTAPSDT is NT_STAPSDT.
	TypeSTAPSDT = 3

	headerSize = 12
)

var ErrAddrSize = errors.New("address size must be 4 or 8")

// Record is one probe as described in the note section.
type Record struct {
	Provider  string
	Name      string
	PC        uint64
	Base      uint64
	Semaphore uint64 // 0 if the probe has none
	Args      string
}

// Validate rejects records that would be written as a malformed note.
func (r Record) Validate() error {
	if err := validation.ValidateProvider(r.Provider); err != nil {
		return err
	}
	if err := validation.ValidateProbeName(r.Name); err != nil {
		return err
	}
	return validation.ValidateArgFormat(r.Args)
}

// ArgList splits the argument string into one entry per argument.
func (r Record) ArgList() []string {
	return argspec.Split(r.Args)
}

func (r Record) String() string {
	return r.Provider + ":" + r.Name
}

func checkAddrSize(addrSize int) error {
	if addrSize != 4 && addrSize != 8 {
		return fmt.Errorf("%d: %w", addrSize, ErrAddrSize)
	}
	return nil
}

// Encode returns the section payload for recs. Every record is validated
// first; nothing is returned when any is invalid.
func Encode(order binary.ByteOrder, addrSize int, recs []Record) ([]byte, error) {
	if err := checkAddrSize(addrSize); err != nil {
		return nil, err
	}
	for _, r := range recs {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("note %s: %w", r, err)
		}
	}

	var buf bytes.Buffer
	owner := Owner + "\x00"
	for _, r := range recs {
		descsz := 3*addrSize + len(r.Provider) + len(r.Name) + len(r.Args) + 3

		var hdr [headerSize]byte
		order.PutUint32(hdr[0:], uint32(len(owner)))
		order.PutUint32(hdr[4:], uint32(descsz))
		order.PutUint32(hdr[8:], TypeSTAPSDT)
		buf.Write(hdr[:])
		buf.WriteString(owner)
		pad(&buf)

		for _, addr := range []uint64{r.PC, r.Base, r.Semaphore} {
			putAddr(&buf, order, addrSize, addr)
		}
		buf.WriteString(r.Provider)
		buf.WriteByte(0)
		buf.WriteString(r.Name)
		buf.WriteByte(0)
		buf.WriteString(r.Args)
		buf.WriteByte(0)
		pad(&buf)
	}
	return buf.Bytes(), nil
}

// Decode parses a section payload. Notes of other owners or types are
// skipped; decoding stops at the first truncated note.
func Decode(order binary.ByteOrder, addrSize int, data []byte) ([]Record, error) {
	if err := checkAddrSize(addrSize); err != nil {
		return nil, err
	}
	var recs []Record
	offset := 0

	for offset+headerSize <= len(data) {
		nameLen := int(order.Uint32(data[offset:]))
		descLen := int(order.Uint32(data[offset+4:]))
		noteType := order.Uint32(data[offset+8:])
		offset += headerSize

		namePad := align4(nameLen)
		descPad := align4(descLen)
		if namePad < 0 || descPad < 0 || offset+namePad+descPad > len(data) {
			break
		}

		rawName := unix.ByteSliceToString(data[offset : offset+nameLen])
		offset += namePad

		desc := data[offset : offset+descLen]
		offset += descPad

		if noteType != TypeSTAPSDT || rawName != Owner {
			continue
		}
		if len(desc) < 3*addrSize {
			continue
		}

		r := Record{
			PC:        getAddr(desc, order, addrSize, 0),
			Base:      getAddr(desc, order, addrSize, 1),
			Semaphore: getAddr(desc, order, addrSize, 2),
		}
		strs := desc[3*addrSize:]
		var ok bool
		if r.Provider, strs, ok = cstring(strs); !ok {
			continue
		}
		if r.Name, strs, ok = cstring(strs); !ok {
			continue
		}
		// Old notes may omit the argument string entirely.
		r.Args, _, _ = cstring(strs)
		recs = append(recs, r)
	}

	return recs, nil
}

func putAddr(buf *bytes.Buffer, order binary.ByteOrder, addrSize int, v uint64) {
	if addrSize == 4 {
		var b [4]byte
		order.PutUint32(b[:], uint32(v))
		buf.Write(b[:])
		return
	}
	var b [8]byte
	order.PutUint64(b[:], v)
	buf.Write(b[:])
}

func getAddr(desc []byte, order binary.ByteOrder, addrSize, i int) uint64 {
	if addrSize == 4 {
		return uint64(order.Uint32(desc[i*4:]))
	}
	return order.Uint64(desc[i*8:])
}

func pad(buf *bytes.Buffer) {
	for buf.Len()%4 != 0 {
		buf.WriteByte(0)
	}
}

func align4(n int) int {
	return (n + 3) &^ 3
}

func cstring(b []byte) (string, []byte, bool) {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return "", nil, false
	}
	return unix.ByteSliceToString(b[:i+1]), b[i+1:], true
}
