// Package loopdev attaches a byte range of a regular file to a free kernel
// loop device slot.
package loopdev

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const (
	controlPath = "/dev/loop-control"
	loopMajor   = 7
)

// ErrAttachFailed is returned when no free device exists or the kernel
// rejects the backing file configuration.
var ErrAttachFailed = errors.New("loop device attach failed")

// Device is an attached loop device. The slot is never detached explicitly:
// ownership stays with the kernel and the binding goes away when the mount
// namespace that consumed it is torn down.
type Device struct {
	Path   string
	Number int
}

// DevicePath returns the device node path for a loop slot number.
func DevicePath(num int) string {
	return fmt.Sprintf("/dev/loop%d", num)
}

// Attach presents the byte range [offset, EOF) of file as a read-only block
// device and returns it.
func Attach(file string, offset uint64) (*Device, error) {
	ctl, err := os.OpenFile(controlPath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrAttachFailed, controlPath, err)
	}
	defer ctl.Close()

	num, err := unix.IoctlRetInt(int(ctl.Fd()), unix.LOOP_CTL_GET_FREE)
	if err != nil {
		return nil, fmt.Errorf("%w: no free device slot: %v", ErrAttachFailed, err)
	}

	dev := &Device{Path: DevicePath(num), Number: num}

	// The node may not have been created by devtmpfs yet.
	if _, err := os.Stat(dev.Path); os.IsNotExist(err) {
		if err := unix.Mknod(dev.Path, unix.S_IFBLK|0o660, int(unix.Mkdev(loopMajor, uint32(num)))); err != nil {
			return nil, fmt.Errorf("%w: creating node %s: %v", ErrAttachFailed, dev.Path, err)
		}
	}

	back, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("%w: opening backing file %s: %v", ErrAttachFailed, file, err)
	}
	defer back.Close()

	devFile, err := os.OpenFile(dev.Path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrAttachFailed, dev.Path, err)
	}
	defer devFile.Close()

	if err := unix.IoctlSetInt(int(devFile.Fd()), unix.LOOP_SET_FD, int(back.Fd())); err != nil {
		return nil, fmt.Errorf("%w: binding %s to %s: %v", ErrAttachFailed, file, dev.Path, err)
	}

	info := unix.LoopInfo64{
		Offset: offset,
		Flags:  unix.LO_FLAGS_READ_ONLY | unix.LO_FLAGS_AUTOCLEAR,
	}
	copy(info.File_name[:], file)

	if err := unix.IoctlLoopSetStatus64(int(devFile.Fd()), &info); err != nil {
		// Release the slot so a failed configure does not leak it.
		_ = unix.IoctlSetInt(int(devFile.Fd()), unix.LOOP_CLR_FD, 0)
		return nil, fmt.Errorf("%w: configuring %s offset %d: %v", ErrAttachFailed, dev.Path, offset, err)
	}

	return dev, nil
}
