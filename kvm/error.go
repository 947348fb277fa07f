package kvm

import "errors"

var (
	// ErrUnexpectedExitReason is returned for any KVM_RUN exit this
	// monitor does not understand. The monitor does no device emulation,
	// so anything other than HLT and IO is fatal by design.
	ErrUnexpectedExitReason = errors.New("unexpected kvm exit reason")

	// ErrAPIVersion is returned when KVM_GET_API_VERSION reports a
	// version other than RequiredAPIVersion.
	ErrAPIVersion = errors.New("unsupported kvm api version")

	// ErrUnknownPort is returned when a guest OUT/IN targets a port this
	// monitor has no hypercall handler for.
	ErrUnknownPort = errors.New("unexpected io port")
)

// ExitType is a KVM_RUN exit reason.
type ExitType uint32

const (
	EXITUNKNOWN       ExitType = 0
	EXITEXCEPTION     ExitType = 1
	EXITIO            ExitType = 2
	EXITHYPERCALL     ExitType = 3
	EXITDEBUG         ExitType = 4
	EXITHLT           ExitType = 5
	EXITMMIO          ExitType = 6
	EXITIRQWINDOWOPEN ExitType = 7
	EXITSHUTDOWN      ExitType = 8
	EXITFAILENTRY     ExitType = 9
	EXITINTR          ExitType = 10
	EXITINTERNALERROR ExitType = 17
)

//go:generate stringer -type=ExitType

func (e ExitType) String() string {
	switch e {
	case EXITUNKNOWN:
		return "EXITUNKNOWN"
	case EXITEXCEPTION:
		return "EXITEXCEPTION"
	case EXITIO:
		return "EXITIO"
	case EXITHYPERCALL:
		return "EXITHYPERCALL"
	case EXITDEBUG:
		return "EXITDEBUG"
	case EXITHLT:
		return "EXITHLT"
	case EXITMMIO:
		return "EXITMMIO"
	case EXITIRQWINDOWOPEN:
		return "EXITIRQWINDOWOPEN"
	case EXITSHUTDOWN:
		return "EXITSHUTDOWN"
	case EXITFAILENTRY:
		return "EXITFAILENTRY"
	case EXITINTR:
		return "EXITINTR"
	case EXITINTERNALERROR:
		return "EXITINTERNALERROR"
	default:
		return "EXIT(unknown)"
	}
}

const (
	// IO direction flags decoded from RunData.Data[0].
	IOIN  = 0
	IOOUT = 1
)
