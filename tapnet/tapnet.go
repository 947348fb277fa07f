// Package tapnet opens a host TAP network interface and exposes it as a
// raw byte stream plus its MAC address string, the two things the NETINFO/
// NETWRITE/NETREAD hypercalls need. Interface setup (creating/naming the
// device, bringing it up) is the external collaborator's job; this package
// only opens the interface by name.
package tapnet

import (
	"fmt"
	"os"
	"strings"
	"syscall"
	"unsafe"
)

const ifNameSize = 0x10

// Interface is an open, non-blocking TAP device file descriptor.
type Interface struct {
	fd   int
	name string
}

type ifReq struct {
	Name  [ifNameSize]byte
	Flags uint16
	_     [0x28 - ifNameSize - 2]byte
}

func ioctl(fd, op, arg uintptr) (uintptr, error) {
	res, _, errno := syscall.Syscall(syscall.SYS_IOCTL, fd, op, arg)

	if errno != 0 {
		return res, errno
	}

	return res, nil
}

func fcntl(fd, op, arg uintptr) (uintptr, error) {
	res, _, errno := syscall.Syscall(syscall.SYS_FCNTL, fd, op, arg)

	if errno != 0 {
		return res, errno
	}

	return res, nil
}

// New opens the named TAP interface in non-blocking mode. TUNSETIFF
// attaches to an existing interface of that name or creates a new one;
// New does not configure the interface or bring it up.
func New(name string) (*Interface, error) {
	fd, err := syscall.Open("/dev/net/tun", syscall.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/net/tun: %w", err)
	}

	i := &Interface{fd: fd, name: name}

	ifr := ifReq{Flags: syscall.IFF_TAP | syscall.IFF_NO_PI}
	copy(ifr.Name[:ifNameSize-1], name)

	if _, err := ioctl(uintptr(fd), syscall.TUNSETIFF, uintptr(unsafe.Pointer(&ifr))); err != nil {
		_ = i.Close()

		return nil, fmt.Errorf("TUNSETIFF %s: %w", name, err)
	}

	flags, err := fcntl(uintptr(fd), syscall.F_GETFL, 0)
	if err != nil {
		_ = i.Close()

		return nil, fmt.Errorf("F_GETFL: %w", err)
	}

	if _, err := fcntl(uintptr(fd), syscall.F_SETFL, flags|syscall.O_NONBLOCK); err != nil {
		_ = i.Close()

		return nil, fmt.Errorf("F_SETFL: %w", err)
	}

	return i, nil
}

// Fd returns the underlying file descriptor.
func (i *Interface) Fd() int { return i.fd }

// Close closes the TAP file descriptor.
func (i *Interface) Close() error {
	return syscall.Close(i.fd)
}

// Write writes buf to the TAP device.
func (i *Interface) Write(buf []byte) (int, error) {
	return syscall.Write(i.fd, buf)
}

// Read reads from the TAP device into buf. In non-blocking mode this
// returns syscall.EAGAIN when no packet is pending.
func (i *Interface) Read(buf []byte) (int, error) {
	return syscall.Read(i.fd, buf)
}

// MACString reads the interface's hardware address from sysfs and returns
// it as the colon-separated ASCII string NETINFO hands to the guest.
func (i *Interface) MACString() (string, error) {
	b, err := os.ReadFile(fmt.Sprintf("/sys/class/net/%s/address", i.name))
	if err != nil {
		return "", fmt.Errorf("read MAC address for %s: %w", i.name, err)
	}

	return strings.TrimSpace(string(b)), nil
}
