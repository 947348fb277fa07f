package kvm

// RunData mirrors the fixed prefix of struct kvm_run that this monitor
// reads: the exit reason and, for EXITIO, the packed port/size/direction
// word and the offset of the in-page data buffer. The trailing union in the
// real struct is much larger; Data is sized generously so offset-based
// access into it (via unsafe.Pointer arithmetic, done by the caller against
// the mmap'd page) stays in bounds.
type RunData struct {
	RequestInterruptWindow     uint8
	_                          [7]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes the packed KVM_EXIT_IO fields: direction (IOIN/IOOUT), operand
// size in bytes, port number, repeat count, and the byte offset from the
// start of this RunData where the I/O data buffer begins.
func (r *RunData) IO() (direction, size, port, count, offset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	offset = r.Data[1]

	return direction, size, port, count, offset
}
