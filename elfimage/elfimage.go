// Package elfimage loads a 64-bit executable ELF image into guest memory.
// It owns its own header and program-header decoding rather than handing
// the file to debug/elf's object model, since it needs to validate the
// image before committing to copying anything, and because this monitor
// only ever needs PT_LOAD segment bytes and a handful of header fields.
package elfimage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"syscall"

	"github.com/hvt-go/monitor/memory"
)

var (
	ErrBadIdent   = errors.New("not an ELF file")
	ErrBadClass   = errors.New("not a 64-bit ELF")
	ErrBadABI     = errors.New("unexpected ELF OS/ABI")
	ErrBadType    = errors.New("not an executable ELF")
	ErrBadMachine = errors.New("not an x86-64 ELF")
	ErrZeroSize   = errors.New("elf image is 0 bytes")
)

// ExpectedOSABI is the OS/ABI octet (e_ident[7]) this monitor requires,
// identifying the supported guest family. HermitCore-lineage unikernels tag
// their images with ELFOSABI_STANDALONE (255).
const ExpectedOSABI = 255

const (
	identLen  = 16
	ehdrSize  = 64
	phdrSize  = 56
	elfMagic0 = 0x7f
)

// ehdr mirrors the fields of Elf64_Ehdr this loader actually reads.
type ehdr struct {
	Ident     [identLen]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	PhOff     uint64
	ShOff     uint64
	Flags     uint32
	EhSize    uint16
	PhEntSize uint16
	PhNum     uint16
	ShEntSize uint16
	ShNum     uint16
	ShStrNdx  uint16
}

// phdr mirrors the fields of Elf64_Phdr this loader actually reads.
type phdr struct {
	Type   uint32
	Flags  uint32
	Offset uint64
	VAddr  uint64
	PAddr  uint64
	FileSz uint64
	MemSz  uint64
	Align  uint64
}

// Image describes a loaded guest image: where execution should start, the
// guest physical base and limit of the first loaded segment (the boot-info
// anchor), and the size in bytes of the image file.
type Image struct {
	Entry         uint64
	FirstSegBase  uint64
	FirstSegLimit uint64
	Size          uint64
}

// Load validates r as an x86-64 executable ELF with the expected OS/ABI tag
// and copies every PT_LOAD segment into mem at its physical address,
// zero-filling from p_filesz to p_memsz.
func Load(r io.ReaderAt, size int64, mem *memory.Region) (Image, error) {
	if size == 0 {
		return Image{}, ErrZeroSize
	}

	var hdrBuf [ehdrSize]byte
	if err := readFullAt(r, hdrBuf[:], 0); err != nil {
		return Image{}, fmt.Errorf("reading ELF header: %w", err)
	}

	h, err := decodeEhdr(hdrBuf[:])
	if err != nil {
		return Image{}, err
	}

	img := Image{Entry: h.Entry}

	first := true

	for i := uint16(0); i < h.PhNum; i++ {
		var phBuf [phdrSize]byte

		off := h.PhOff + uint64(i)*uint64(h.PhEntSize)
		if err := readFullAt(r, phBuf[:], int64(off)); err != nil {
			return Image{}, fmt.Errorf("reading ELF program header %d at %#x: %w", i, off, err)
		}

		ph := decodePhdr(phBuf[:])

		const ptLoad = 1 // elf.PT_LOAD

		if ph.Type != ptLoad {
			continue
		}

		dst, err := mem.Slice(ph.PAddr, int(ph.MemSz))
		if err != nil {
			return Image{}, fmt.Errorf("PT_LOAD segment at %#x size %#x: %w", ph.PAddr, ph.MemSz, err)
		}

		n, err := readSegment(r, dst[:ph.FileSz], int64(ph.Offset))
		if err != nil {
			return Image{}, fmt.Errorf("reading PT_LOAD segment %d@%#x: %w", i, ph.Offset, err)
		}

		for j := n; j < len(dst); j++ {
			dst[j] = 0
		}

		if first {
			img.FirstSegBase = ph.PAddr
			img.FirstSegLimit = ph.PAddr + ph.MemSz
			img.Size = uint64(size)
			first = false
		}
	}

	return img, nil
}

func decodeEhdr(b []byte) (ehdr, error) {
	var h ehdr

	copy(h.Ident[:], b[:identLen])

	if h.Ident[0] != elfMagic0 || h.Ident[1] != 'E' || h.Ident[2] != 'L' || h.Ident[3] != 'F' {
		return h, ErrBadIdent
	}

	const elfClass64 = 2 // elf.ELFCLASS64

	if h.Ident[4] != elfClass64 {
		return h, ErrBadClass
	}

	if h.Ident[7] != ExpectedOSABI {
		return h, fmt.Errorf("osabi %d, want %d: %w", h.Ident[7], ExpectedOSABI, ErrBadABI)
	}

	h.Type = binary.LittleEndian.Uint16(b[16:18])
	h.Machine = binary.LittleEndian.Uint16(b[18:20])
	h.Version = binary.LittleEndian.Uint32(b[20:24])
	h.Entry = binary.LittleEndian.Uint64(b[24:32])
	h.PhOff = binary.LittleEndian.Uint64(b[32:40])
	h.ShOff = binary.LittleEndian.Uint64(b[40:48])
	h.Flags = binary.LittleEndian.Uint32(b[48:52])
	h.EhSize = binary.LittleEndian.Uint16(b[52:54])
	h.PhEntSize = binary.LittleEndian.Uint16(b[54:56])
	h.PhNum = binary.LittleEndian.Uint16(b[56:58])
	h.ShEntSize = binary.LittleEndian.Uint16(b[58:60])
	h.ShNum = binary.LittleEndian.Uint16(b[60:62])
	h.ShStrNdx = binary.LittleEndian.Uint16(b[62:64])

	const etExec = 2 // elf.ET_EXEC

	if h.Type != etExec {
		return h, fmt.Errorf("e_type %d, want %d: %w", h.Type, etExec, ErrBadType)
	}

	const emX8664 = 62 // elf.EM_X86_64

	if h.Machine != emX8664 {
		return h, fmt.Errorf("e_machine %d, want %d: %w", h.Machine, emX8664, ErrBadMachine)
	}

	return h, nil
}

func decodePhdr(b []byte) phdr {
	return phdr{
		Type:   binary.LittleEndian.Uint32(b[0:4]),
		Flags:  binary.LittleEndian.Uint32(b[4:8]),
		Offset: binary.LittleEndian.Uint64(b[8:16]),
		VAddr:  binary.LittleEndian.Uint64(b[16:24]),
		PAddr:  binary.LittleEndian.Uint64(b[24:32]),
		FileSz: binary.LittleEndian.Uint64(b[32:40]),
		MemSz:  binary.LittleEndian.Uint64(b[40:48]),
		Align:  binary.LittleEndian.Uint64(b[48:56]),
	}
}

// readFullAt reads exactly len(b) bytes at off, retrying on EINTR and on
// short reads (io.ReaderAt implementations may legally return less than
// len(b) per call even without an error).
func readFullAt(r io.ReaderAt, b []byte, off int64) error {
	n, err := readSegment(r, b, off)
	if err == nil && n < len(b) {
		return io.ErrUnexpectedEOF
	}

	return err
}

// readSegment reads up to len(b) bytes at off into b, retrying on EINTR and
// on short, non-EOF reads, returning the number of bytes actually read
// (which may be less than len(b) only at EOF).
func readSegment(r io.ReaderAt, b []byte, off int64) (int, error) {
	total := 0

	for total < len(b) {
		n, err := r.ReadAt(b[total:], off+int64(total))
		total += n

		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}

			if errors.Is(err, io.EOF) {
				return total, nil
			}

			return total, err
		}
	}

	return total, nil
}
