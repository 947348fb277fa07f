// Package hypercall implements the nine synchronous hypercalls a guest
// issues via an OUT instruction to a reserved port, the 32-bit payload of
// which is a guest physical address naming a fixed-layout request record.
// Each port has its own record type and is handled by a pure function that
// mutates the record in place to return results, mirroring the
// one-port-one-device shape the corpus uses for PCI/ACPI I/O ports.
package hypercall

import (
	"encoding/binary"
	"errors"
	"fmt"
	"syscall"

	"github.com/hvt-go/monitor/memory"
	"github.com/hvt-go/monitor/tapnet"
)

// Ports, one per hypercall.
const (
	PortWrite    = 0x499
	PortOpen     = 0x500
	PortClose    = 0x501
	PortRead     = 0x502
	PortExit     = 0x503
	PortLseek    = 0x504
	PortNetInfo  = 0x505
	PortNetWrite = 0x506
	PortNetRead  = 0x507
)

// ErrUnknownPort is returned for any OUT port this package does not
// implement; the vCPU runtime treats it as fatal.
var ErrUnknownPort = errors.New("unknown hypercall port")

// ErrShortNetWrite is the fatal assertion spec.md's NETWRITE record
// enforces: a partial write to the TAP device is not tolerated, even
// though real TAP devices can in principle return a short write. This
// preserves that behaviour verbatim rather than "fixing" it, per spec.md's
// explicit instruction on this Open Question.
var ErrShortNetWrite = errors.New("netwrite: short write to tap device")

// Env is the host-side state a hypercall may need beyond the request
// record itself: the guest memory region every pointer field is relative
// to, and the optional TAP back-end NETINFO/NETWRITE/NETREAD address.
type Env struct {
	Mem *memory.Region
	Net *tapnet.Interface
}

// Exit is returned by Dispatch when the guest issued the EXIT hypercall;
// the vCPU runtime terminates the monitor with Status.
type Exit struct {
	Status int32
}

func (e Exit) Error() string { return fmt.Sprintf("guest exit status %d", e.Status) }

// Dispatch decodes and executes the hypercall record at addr for the given
// port. Returns an Exit error (not a failure) when the guest issued 0x503.
func (e *Env) Dispatch(port uint32, addr uint64) error {
	switch port {
	case PortWrite:
		return e.write(addr)
	case PortOpen:
		return e.open(addr)
	case PortClose:
		return e.close(addr)
	case PortRead:
		return e.read(addr)
	case PortExit:
		return e.exit(addr)
	case PortLseek:
		return e.lseek(addr)
	case PortNetInfo:
		return e.netInfo(addr)
	case PortNetWrite:
		return e.netWrite(addr)
	case PortNetRead:
		return e.netRead(addr)
	default:
		return fmt.Errorf("port %#x: %w", port, ErrUnknownPort)
	}
}

// --- WRITE {fd int32, buf uint64, len int32} -> len rewritten to n ---

const writeRecSize = 16

func (e *Env) write(addr uint64) error {
	rec, err := e.Mem.Slice(addr, writeRecSize)
	if err != nil {
		return err
	}

	fd := int32(binary.LittleEndian.Uint32(rec[0:4]))
	buf := binary.LittleEndian.Uint64(rec[4:12])
	length := int32(binary.LittleEndian.Uint32(rec[12:16]))

	data, err := e.Mem.Slice(buf, int(length))
	if err != nil {
		return err
	}

	n, werr := syscall.Write(int(fd), data)
	if werr != nil {
		n = -1
	}

	binary.LittleEndian.PutUint32(rec[12:16], uint32(int32(n)))

	return nil
}

// --- OPEN {name uint64, flags int32, mode int32, ret int32} ---

const openRecSize = 20

func (e *Env) open(addr uint64) error {
	rec, err := e.Mem.Slice(addr, openRecSize)
	if err != nil {
		return err
	}

	nameAddr := binary.LittleEndian.Uint64(rec[0:8])
	flags := int32(binary.LittleEndian.Uint32(rec[8:12]))
	mode := int32(binary.LittleEndian.Uint32(rec[12:16]))

	name, err := readCString(e.Mem, nameAddr)
	if err != nil {
		return err
	}

	fd, oerr := syscall.Open(name, int(flags), uint32(mode))

	ret := int32(fd)
	if oerr != nil {
		ret = -1
	}

	binary.LittleEndian.PutUint32(rec[16:20], uint32(ret))

	return nil
}

// --- CLOSE {fd int32, ret int32}: ret is both the "> 2" input gate and
// the output close result, preserved verbatim per spec.md's Open Question. ---

const closeRecSize = 8

func (e *Env) close(addr uint64) error {
	rec, err := e.Mem.Slice(addr, closeRecSize)
	if err != nil {
		return err
	}

	fd := int32(binary.LittleEndian.Uint32(rec[0:4]))
	gate := int32(binary.LittleEndian.Uint32(rec[4:8]))

	if gate <= 2 {
		return nil
	}

	ret := int32(0)
	if cerr := syscall.Close(int(fd)); cerr != nil {
		ret = -1
	}

	binary.LittleEndian.PutUint32(rec[4:8], uint32(ret))

	return nil
}

// --- READ {fd int32, buf uint64, len int32, ret int32} ---

const readRecSize = 20

func (e *Env) read(addr uint64) error {
	rec, err := e.Mem.Slice(addr, readRecSize)
	if err != nil {
		return err
	}

	fd := int32(binary.LittleEndian.Uint32(rec[0:4]))
	buf := binary.LittleEndian.Uint64(rec[4:12])
	length := int32(binary.LittleEndian.Uint32(rec[12:16]))

	data, err := e.Mem.Slice(buf, int(length))
	if err != nil {
		return err
	}

	n, rerr := syscall.Read(int(fd), data)

	ret := int32(n)
	if rerr != nil {
		ret = -1
	}

	binary.LittleEndian.PutUint32(rec[16:20], uint32(ret))

	return nil
}

// --- EXIT int32 ---

func (e *Env) exit(addr uint64) error {
	status, err := e.Mem.ReadUint32(addr)
	if err != nil {
		return err
	}

	return Exit{Status: int32(status)}
}

// --- LSEEK {fd int32, offset int64, whence int32}: offset rewritten in place ---

const lseekRecSize = 16

func (e *Env) lseek(addr uint64) error {
	rec, err := e.Mem.Slice(addr, lseekRecSize)
	if err != nil {
		return err
	}

	fd := int32(binary.LittleEndian.Uint32(rec[0:4]))
	offset := int64(binary.LittleEndian.Uint64(rec[4:12]))
	whence := int32(binary.LittleEndian.Uint32(rec[12:16]))

	newOffset, serr := syscall.Seek(int(fd), offset, int(whence))
	if serr != nil {
		newOffset = -1
	}

	binary.LittleEndian.PutUint64(rec[4:12], uint64(newOffset))

	return nil
}

// --- NETINFO {mac_str[18]byte} ---

const netInfoRecSize = 18

func (e *Env) netInfo(addr uint64) error {
	rec, err := e.Mem.Slice(addr, netInfoRecSize)
	if err != nil {
		return err
	}

	for i := range rec {
		rec[i] = 0
	}

	if e.Net == nil {
		return nil
	}

	mac, merr := e.Net.MACString()
	if merr != nil {
		return merr
	}

	copy(rec, mac)

	return nil
}

// --- NETWRITE {data uint64, len int32, ret int32} ---

const netWriteRecSize = 16

func (e *Env) netWrite(addr uint64) error {
	rec, err := e.Mem.Slice(addr, netWriteRecSize)
	if err != nil {
		return err
	}

	data := binary.LittleEndian.Uint64(rec[0:8])
	length := int32(binary.LittleEndian.Uint32(rec[8:12]))

	buf, err := e.Mem.Slice(data, int(length))
	if err != nil {
		return err
	}

	n, werr := e.Net.Write(buf)
	if werr != nil {
		return fmt.Errorf("netwrite: %w", werr)
	}

	if n != len(buf) {
		return fmt.Errorf("wrote %d of %d bytes: %w", n, len(buf), ErrShortNetWrite)
	}

	binary.LittleEndian.PutUint32(rec[12:16], 0)

	return nil
}

// --- NETREAD {data uint64, len int32, ret int32} ---

const netReadRecSize = 16

func (e *Env) netRead(addr uint64) error {
	rec, err := e.Mem.Slice(addr, netReadRecSize)
	if err != nil {
		return err
	}

	data := binary.LittleEndian.Uint64(rec[0:8])
	length := int32(binary.LittleEndian.Uint32(rec[8:12]))

	buf, err := e.Mem.Slice(data, int(length))
	if err != nil {
		return err
	}

	n, rerr := e.Net.Read(buf)
	if rerr != nil {
		if errors.Is(rerr, syscall.EAGAIN) {
			ret := int32(-1)
			binary.LittleEndian.PutUint32(rec[12:16], uint32(ret))

			return nil
		}

		return fmt.Errorf("netread: %w", rerr)
	}

	binary.LittleEndian.PutUint32(rec[8:12], uint32(int32(n)))
	binary.LittleEndian.PutUint32(rec[12:16], 0)

	return nil
}

// readCString reads a NUL-terminated string out of guest memory starting
// at addr, used for OPEN's path argument.
func readCString(mem *memory.Region, addr uint64) (string, error) {
	const maxPathLen = 4096

	b, err := mem.Slice(addr, maxPathLen)
	if err != nil {
		// Fall back to whatever remains of the region; a path near the
		// end of guest memory need not have 4096 bytes of room after it.
		b, err = mem.Slice(addr, mem.Len()-int(addr))
		if err != nil {
			return "", err
		}
	}

	for i, c := range b {
		if c == 0 {
			return string(b[:i]), nil
		}
	}

	return "", fmt.Errorf("open: path at %#x not NUL-terminated within %d bytes", addr, len(b))
}
