package hostio

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/etsoc/etsoc-driver/dstatus"
)

func TestIocEncodingMatchesLinuxConvention(t *testing.T) {
	// _IOR('E', 1, 4) per include/uapi/asm-generic/ioctl.h: dir=2 in the
	// top bits, size in the middle, type/nr at the bottom.
	want := uint32(2)<<iocDirShift | uint32(4)<<iocSizeShift | etsocMagic<<iocTypeShift | 1<<iocNRShift
	if cmdGetStatus != want {
		t.Fatalf("cmdGetStatus = %#x, want %#x", cmdGetStatus, want)
	}

	if iow(etsocMagic, 3, pciStateSize) == ior(etsocMagic, 3, pciStateSize) {
		t.Fatalf("iow and ior must not collide for the same type/nr/size")
	}
	if iowr(etsocMagic, 4, 8)&(1<<iocDirShift) == 0 {
		t.Fatalf("iowr must set the write direction bit")
	}
	if iowr(etsocMagic, 4, 8)&(1<<(iocDirShift+1)) == 0 {
		t.Fatalf("iowr must set the read direction bit")
	}
}

func TestErrnoToCodeMapping(t *testing.T) {
	cases := []struct {
		errno unix.Errno
		want  dstatus.Code
	}{
		{unix.EINVAL, dstatus.EINVAL},
		{unix.EAGAIN, dstatus.EAGAIN},
		{unix.EBUSY, dstatus.EBUSY},
		{unix.EPERM, dstatus.EPERM},
		{unix.EACCES, dstatus.EPERM},
		{unix.ENODEV, dstatus.ENODEV},
		{unix.ENOENT, dstatus.ENODEV},
		{unix.ENOMEM, dstatus.ENOMEM},
		{unix.ENOTTY, dstatus.EOPNOTSUPP},
		{unix.EFAULT, dstatus.EFAULT},
		{unix.EIO, dstatus.EFAULT},
	}
	for _, c := range cases {
		if got := errnoToCode(c.errno); got != c.want {
			t.Errorf("errnoToCode(%v) = %v, want %v", c.errno, got, c.want)
		}
	}
}

func TestErrnoToStatusWrapsNonErrno(t *testing.T) {
	err := errnoToStatus(errCustom{}, "probe")
	if dstatus.CodeOf(err) != dstatus.EFAULT {
		t.Fatalf("expected EFAULT for a non-errno cause, got %v", dstatus.CodeOf(err))
	}
}

type errCustom struct{}

func (errCustom) Error() string { return "custom failure" }

// TestOpenWithTimeoutSurfacesRealENOENT exercises the real unix.Open
// syscall against a path that cannot exist, without requiring actual
// hardware: the open-with-timeout goroutine races a genuine ENOENT rather
// than the timeout branch.
func TestOpenWithTimeoutSurfacesRealENOENT(t *testing.T) {
	_, err := openWithTimeout("/nonexistent/etsoc-hostio-test-device", time.Second)
	if err == nil {
		t.Fatalf("expected an error opening a nonexistent device file")
	}
	if dstatus.CodeOf(err) != dstatus.ENODEV {
		t.Fatalf("expected ENODEV mapped from ENOENT, got %v", dstatus.CodeOf(err))
	}
}

