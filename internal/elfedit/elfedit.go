// Package elfedit adds or replaces sections in a linked ELF file.
//
// Only the section header table and the section name table are rewritten;
// program headers and every loaded byte stay where the linker put them, so
// code and data addresses are unchanged. The new section data, name table and
// header table are placed at the end of the file. When the previous copies of
// those three were already the file's tail they are dropped first, which keeps
// repeated edits from growing the file. A loaded section can only be named:
// its header is written over bytes a segment already maps.
package elfedit

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var (
	ErrNotELF            = errors.New("not an ELF file")
	ErrExtendedNumbering = errors.New("extended section numbering is not supported")
	ErrAllocSection      = errors.New("section is loaded at run time and cannot be replaced")
	ErrDuplicateSection  = errors.New("section appears more than once")
	ErrNotLoaded         = errors.New("section is not covered by a loaded segment")
)

type header struct {
	class    elf.Class
	order    binary.ByteOrder
	shoff    uint64
	shnum    int
	shstrndx int
	phoff    uint64
	phnum    int
	ehsize   uint64
	phentsz  uint64
	shentsz  uint64
}

type shdr struct {
	name    uint32
	typ     uint32
	flags   uint64
	addr    uint64
	off     uint64
	size    uint64
	link    uint32
	info    uint32
	align   uint64
	entsize uint64
}

func (s shdr) end() uint64 {
	if elf.SectionType(s.typ) == elf.SHT_NOBITS || elf.SectionType(s.typ) == elf.SHT_NULL {
		return 0
	}
	return s.off + s.size
}

// Section describes a section to write. A section whose Flags carry
// SHF_ALLOC gets a header only: it names Size bytes the linker already
// loaded at Addr from file offset Offset, and Data is ignored.
type Section struct {
	Name   string
	Type   elf.SectionType
	Flags  elf.SectionFlag
	Align  uint64
	Data   []byte
	Addr   uint64
	Offset uint64
	Size   uint64
}

func (s Section) alloc() bool {
	return s.Flags&elf.SHF_ALLOC != 0
}

// SetSection returns a copy of img in which every section of secs is
// present. An existing section of the same name is replaced; a loaded
// section may only be replaced by another header-only section.
func SetSection(img []byte, secs ...Section) ([]byte, error) {
	h, err := readHeader(img)
	if err != nil {
		return nil, err
	}
	shdrs, err := readShdrs(img, h)
	if err != nil {
		return nil, err
	}
	names, err := sectionNames(img, shdrs, h.shstrndx)
	if err != nil {
		return nil, err
	}
	progs := readProgs(img, h)

	targets := make([]int, len(secs))
	seen := make(map[string]bool, len(secs))
	for j, sec := range secs {
		if seen[sec.Name] {
			return nil, fmt.Errorf("%s: %w", sec.Name, ErrDuplicateSection)
		}
		seen[sec.Name] = true
		if sec.alloc() && !loaded(progs, sec) {
			return nil, fmt.Errorf("%s at %#x: %w", sec.Name, sec.Addr, ErrNotLoaded)
		}

		target := -1
		for i, n := range names {
			if n != sec.Name || i == 0 {
				continue
			}
			if target >= 0 {
				return nil, fmt.Errorf("%s: %w", sec.Name, ErrDuplicateSection)
			}
			if elf.SectionFlag(shdrs[i].flags)&elf.SHF_ALLOC != 0 && !sec.alloc() {
				return nil, fmt.Errorf("%s: %w", sec.Name, ErrAllocSection)
			}
			target = i
		}
		if target < 0 {
			target = len(shdrs)
			shdrs = append(shdrs, shdr{})
			names = append(names, sec.Name)
		}
		if target >= int(elf.SHN_LORESERVE) {
			return nil, ErrExtendedNumbering
		}
		targets[j] = target
	}

	out := make([]byte, tailStart(img, h, shdrs, progs, targets))
	copy(out, img)

	for j, sec := range secs {
		align := sec.Align
		if align == 0 {
			align = 1
		}
		if sec.alloc() {
			shdrs[targets[j]] = shdr{
				typ:   uint32(sec.Type),
				flags: uint64(sec.Flags),
				addr:  sec.Addr,
				off:   sec.Offset,
				size:  sec.Size,
				align: align,
			}
			continue
		}
		out = pad(out, align)
		shdrs[targets[j]] = shdr{
			typ:   uint32(sec.Type),
			flags: uint64(sec.Flags),
			off:   uint64(len(out)),
			size:  uint64(len(sec.Data)),
			align: align,
		}
		out = append(out, sec.Data...)
	}

	var strtab bytes.Buffer
	strtab.WriteByte(0)
	for i, n := range names {
		if i == 0 {
			continue
		}
		shdrs[i].name = uint32(strtab.Len())
		strtab.WriteString(n)
		strtab.WriteByte(0)
	}
	shdrs[h.shstrndx].off = uint64(len(out))
	shdrs[h.shstrndx].size = uint64(strtab.Len())
	out = append(out, strtab.Bytes()...)

	out = pad(out, h.addrSize())
	h.shoff = uint64(len(out))
	h.shnum = len(shdrs)
	var table bytes.Buffer
	for _, s := range shdrs {
		writeShdr(&table, h, s)
	}
	out = append(out, table.Bytes()...)
	writeHeader(out, h)
	return out, nil
}

// loaded reports whether a PT_LOAD segment maps the file bytes of sec to
// its address.
func loaded(progs []elf.ProgHeader, sec Section) bool {
	for _, p := range progs {
		if p.Type != elf.PT_LOAD || sec.Offset < p.Off || sec.Offset+sec.Size > p.Off+p.Filesz {
			continue
		}
		if p.Vaddr+(sec.Offset-p.Off) == sec.Addr {
			return true
		}
	}
	return false
}

// SetSectionFile rewrites the file at path with SetSection. The new image
// is written to a temporary file in the same directory and renamed over the
// original, keeping its permission bits.
func SetSectionFile(path string, secs ...Section) error {
	img, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	st, err := os.Stat(path)
	if err != nil {
		return err
	}
	out, err := SetSection(img, secs...)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return writeFileAtomic(path, out, st.Mode().Perm())
}

func writeFileAtomic(dst string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// tailStart is the length of img to keep. The regions rewritten by
// SetSection are dropped only when nothing else lies after them.
func tailStart(img []byte, h header, shdrs []shdr, progs []elf.ProgHeader, targets []int) uint64 {
	rewritten := append([]int{h.shstrndx}, targets...)
	isRewritten := func(i int) bool {
		for _, j := range rewritten {
			if i == j {
				return true
			}
		}
		return false
	}

	keep := h.ehsize
	if end := h.phoff + uint64(h.phnum)*h.phentsz; h.phnum > 0 && end > keep {
		keep = end
	}
	for i, s := range shdrs {
		if isRewritten(i) {
			continue
		}
		if e := s.end(); e > keep {
			keep = e
		}
	}
	for _, p := range progs {
		if e := p.Off + p.Filesz; e > keep {
			keep = e
		}
	}

	replaced := h.shoff + uint64(h.shnum)*h.shentsz
	for _, i := range rewritten {
		if i < h.shnum {
			if e := shdrs[i].end(); e > replaced {
				replaced = e
			}
		}
	}
	if replaced < uint64(len(img)) {
		return uint64(len(img))
	}
	return keep
}

func readProgs(img []byte, h header) []elf.ProgHeader {
	var progs []elf.ProgHeader
	for i := 0; i < h.phnum; i++ {
		off := h.phoff + uint64(i)*h.phentsz
		if off+h.phentsz > uint64(len(img)) {
			break
		}
		r := bytes.NewReader(img[off : off+h.phentsz])
		if h.class == elf.ELFCLASS64 {
			var p elf.Prog64
			if binary.Read(r, h.order, &p) == nil {
				progs = append(progs, elf.ProgHeader{
					Type: elf.ProgType(p.Type), Flags: elf.ProgFlag(p.Flags), Off: p.Off,
					Vaddr: p.Vaddr, Filesz: p.Filesz, Memsz: p.Memsz,
				})
			}
		} else {
			var p elf.Prog32
			if binary.Read(r, h.order, &p) == nil {
				progs = append(progs, elf.ProgHeader{
					Type: elf.ProgType(p.Type), Flags: elf.ProgFlag(p.Flags), Off: uint64(p.Off),
					Vaddr: uint64(p.Vaddr), Filesz: uint64(p.Filesz), Memsz: uint64(p.Memsz),
				})
			}
		}
	}
	return progs
}

func pad(b []byte, align uint64) []byte {
	for uint64(len(b))%align != 0 {
		b = append(b, 0)
	}
	return b
}

func (h header) addrSize() uint64 {
	if h.class == elf.ELFCLASS64 {
		return 8
	}
	return 4
}

func readHeader(img []byte) (header, error) {
	if len(img) < elf.EI_NIDENT || !bytes.HasPrefix(img, []byte(elf.ELFMAG)) {
		return header{}, ErrNotELF
	}
	h := header{class: elf.Class(img[elf.EI_CLASS])}
	switch elf.Data(img[elf.EI_DATA]) {
	case elf.ELFDATA2LSB:
		h.order = binary.LittleEndian
	case elf.ELFDATA2MSB:
		h.order = binary.BigEndian
	default:
		return header{}, fmt.Errorf("byte order %d: %w", img[elf.EI_DATA], ErrNotELF)
	}

	r := bytes.NewReader(img)
	var shnum, shstrndx uint16
	switch h.class {
	case elf.ELFCLASS64:
		var eh elf.Header64
		if err := binary.Read(r, h.order, &eh); err != nil {
			return header{}, fmt.Errorf("header: %w", ErrNotELF)
		}
		h.shoff, h.phoff = eh.Shoff, eh.Phoff
		h.phnum, h.ehsize = int(eh.Phnum), uint64(eh.Ehsize)
		h.phentsz, h.shentsz = uint64(eh.Phentsize), uint64(eh.Shentsize)
		shnum, shstrndx = eh.Shnum, eh.Shstrndx
	case elf.ELFCLASS32:
		var eh elf.Header32
		if err := binary.Read(r, h.order, &eh); err != nil {
			return header{}, fmt.Errorf("header: %w", ErrNotELF)
		}
		h.shoff, h.phoff = uint64(eh.Shoff), uint64(eh.Phoff)
		h.phnum, h.ehsize = int(eh.Phnum), uint64(eh.Ehsize)
		h.phentsz, h.shentsz = uint64(eh.Phentsize), uint64(eh.Shentsize)
		shnum, shstrndx = eh.Shnum, eh.Shstrndx
	default:
		return header{}, fmt.Errorf("class %d: %w", img[elf.EI_CLASS], ErrNotELF)
	}

	if h.shoff == 0 || shnum == 0 || shstrndx == uint16(elf.SHN_XINDEX) || shstrndx >= uint16(elf.SHN_LORESERVE) {
		return header{}, ErrExtendedNumbering
	}
	if want := map[elf.Class]uint64{elf.ELFCLASS64: 64, elf.ELFCLASS32: 40}[h.class]; h.shentsz != want {
		return header{}, fmt.Errorf("section header size %d, want %d", h.shentsz, want)
	}
	if shstrndx >= shnum {
		return header{}, fmt.Errorf("section name table index %d out of range", shstrndx)
	}
	h.shnum, h.shstrndx = int(shnum), int(shstrndx)
	return h, nil
}

func readShdrs(img []byte, h header) ([]shdr, error) {
	end := h.shoff + uint64(h.shnum)*h.shentsz
	if end > uint64(len(img)) || end < h.shoff {
		return nil, fmt.Errorf("section header table past end of file")
	}
	out := make([]shdr, h.shnum)
	for i := range out {
		r := bytes.NewReader(img[h.shoff+uint64(i)*h.shentsz:])
		if h.class == elf.ELFCLASS64 {
			var s elf.Section64
			if err := binary.Read(r, h.order, &s); err != nil {
				return nil, fmt.Errorf("section header %d: %w", i, err)
			}
			out[i] = shdr{s.Name, s.Type, s.Flags, s.Addr, s.Off, s.Size, s.Link, s.Info, s.Addralign, s.Entsize}
		} else {
			var s elf.Section32
			if err := binary.Read(r, h.order, &s); err != nil {
				return nil, fmt.Errorf("section header %d: %w", i, err)
			}
			out[i] = shdr{s.Name, s.Type, uint64(s.Flags), uint64(s.Addr), uint64(s.Off), uint64(s.Size),
				s.Link, s.Info, uint64(s.Addralign), uint64(s.Entsize)}
		}
	}
	return out, nil
}

func sectionNames(img []byte, shdrs []shdr, shstrndx int) ([]string, error) {
	st := shdrs[shstrndx]
	if st.off+st.size > uint64(len(img)) {
		return nil, fmt.Errorf("section name table past end of file")
	}
	table := img[st.off : st.off+st.size]
	names := make([]string, len(shdrs))
	for i, s := range shdrs {
		if i == 0 {
			continue
		}
		if uint64(s.name) >= uint64(len(table)) {
			return nil, fmt.Errorf("section %d: name offset %d out of range", i, s.name)
		}
		n := table[s.name:]
		if j := bytes.IndexByte(n, 0); j >= 0 {
			n = n[:j]
		}
		names[i] = string(n)
	}
	return names, nil
}

func writeShdr(w *bytes.Buffer, h header, s shdr) {
	if h.class == elf.ELFCLASS64 {
		_ = binary.Write(w, h.order, elf.Section64{
			Name: s.name, Type: s.typ, Flags: s.flags, Addr: s.addr, Off: s.off, Size: s.size,
			Link: s.link, Info: s.info, Addralign: s.align, Entsize: s.entsize,
		})
		return
	}
	_ = binary.Write(w, h.order, elf.Section32{
		Name: s.name, Type: s.typ, Flags: uint32(s.flags), Addr: uint32(s.addr), Off: uint32(s.off), Size: uint32(s.size),
		Link: s.link, Info: s.info, Addralign: uint32(s.align), Entsize: uint32(s.entsize),
	})
}

// writeHeader patches e_shoff and e_shnum in place.
func writeHeader(img []byte, h header) {
	if h.class == elf.ELFCLASS64 {
		h.order.PutUint64(img[0x28:], h.shoff)
		h.order.PutUint16(img[0x3c:], uint16(h.shnum))
		return
	}
	h.order.PutUint32(img[0x20:], uint32(h.shoff))
	h.order.PutUint16(img[0x30:], uint16(h.shnum))
}
