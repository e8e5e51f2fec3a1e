// Package hostio is the real-hardware device.Endpoint: it opens the PCIe
// device file the kernel driver exposes, mmaps the Mgmt/Ops BAR windows,
// and drives status/PCI-state/doorbell operations through ioctl.
//
// Grounded on emergingrobotics-go-hailo's ioctl.go: the open-with-timeout
// goroutine+select race (avoiding O_NONBLOCK, which interferes with the
// driver's own semaphore acquisition) and the ioctl-via-unix.Syscall
// pattern are carried over directly; the command numbers and argument
// structs are this driver's own.
package hostio

import (
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/etsoc/etsoc-driver/dstatus"
)

// DefaultOpenTimeout bounds how long Open waits on unix.Open before giving
// up, mirroring go-hailo's DefaultIoctlTimeout idiom applied to device open.
const DefaultOpenTimeout = 5 * time.Second

// Standard Linux ioctl command-number encoding (see
// include/uapi/asm-generic/ioctl.h). Not copied from the Hailo reference
// file, which calls IoW/IoR/IoWR helpers it defines elsewhere in its own
// package outside what's available here; this is the same well-known
// bit layout those helpers must produce.
const (
	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocNone  = 0
	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, typ, nr, size uint32) uint32 {
	return dir<<iocDirShift | typ<<iocTypeShift | nr<<iocNRShift | size<<iocSizeShift
}

func ior(typ, nr, size uint32) uint32  { return ioc(iocRead, typ, nr, size) }
func iow(typ, nr, size uint32) uint32  { return ioc(iocWrite, typ, nr, size) }
func iowr(typ, nr, size uint32) uint32 { return ioc(iocRead|iocWrite, typ, nr, size) }

// etsocMagic is this driver's ioctl type byte, analogous to the 'H' magic
// go-hailo's commands use.
const etsocMagic = uint32('E')

// pciStateSize is the fixed-size PCI config-space snapshot the driver
// saves/restores across a reset, matching conventional (non-extended) PCI
// config space.
const pciStateSize = 256

var (
	cmdGetStatus       = ior(etsocMagic, 1, 4)
	cmdSavePCIState    = ior(etsocMagic, 2, pciStateSize)
	cmdRestorePCIState = iow(etsocMagic, 3, pciStateSize)
	cmdRingDoorbell    = iowr(etsocMagic, 4, 8)
)

// statusPresentBit is set in the GET_STATUS word when the device is linked
// up and the BARs backing Backend's mmap'd windows are valid.
const statusPresentBit = 1 << 0

// doorbellRequest is the fixed-layout argument cmdRingDoorbell writes: which
// node (Mgmt/Ops) and which SQ index to ring.
type doorbellRequest struct {
	Kind  uint32
	Index uint32
}

// openWithTimeout races unix.Open against timeout in a goroutine, same as
// go-hailo's OpenDeviceWithTimeout. O_NONBLOCK is deliberately not passed:
// per the Hailo reference, a nonblocking open can race the driver's open
// handler acquiring its device semaphore and spuriously fail.
func openWithTimeout(path string, timeout time.Duration) (int, error) {
	type result struct {
		fd  int
		err error
	}
	done := make(chan result, 1)
	go func() {
		fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
		done <- result{fd, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return 0, errnoToStatus(r.err, "open "+path)
		}
		return r.fd, nil
	case <-time.After(timeout):
		return 0, dstatus.Newf(dstatus.ENODEV, "hostio: opening %s timed out after %s", path, timeout)
	}
}

// ioctlCall issues a single SYS_IOCTL against fd, the same unix.Syscall pattern
// go-hailo's ioctl uses.
func ioctlCall(fd int, cmd uint32, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(cmd), uintptr(arg))
	if errno != 0 {
		return errnoToStatus(errno, "ioctl")
	}
	return nil
}

// errnoToStatus wraps a syscall failure as a *dstatus.Error, mapping the
// underlying unix.Errno (when present) to the driver's semantic Code space.
func errnoToStatus(err error, op string) error {
	errno, ok := err.(unix.Errno)
	if !ok {
		return dstatus.Wrap(dstatus.EFAULT, "hostio: "+op, err)
	}
	return dstatus.Wrap(errnoToCode(errno), "hostio: "+op, errno)
}

// errnoToCode maps the errno values this driver's ioctl surface can
// plausibly return to the semantic Code space the rest of the module
// reasons in terms of, analogous to go-hailo's StatusFromErrno.
func errnoToCode(errno unix.Errno) dstatus.Code {
	switch errno {
	case unix.EINVAL:
		return dstatus.EINVAL
	case unix.EAGAIN:
		return dstatus.EAGAIN
	case unix.EBUSY:
		return dstatus.EBUSY
	case unix.EPERM, unix.EACCES:
		return dstatus.EPERM
	case unix.ENODEV, unix.ENOENT, unix.ENXIO:
		return dstatus.ENODEV
	case unix.ENOMEM:
		return dstatus.ENOMEM
	case unix.ENOTTY, unix.EOPNOTSUPP:
		return dstatus.EOPNOTSUPP
	case unix.EFAULT:
		return dstatus.EFAULT
	default:
		return dstatus.EFAULT
	}
}
