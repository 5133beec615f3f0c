package libmount

import (
	"errors"
	"fmt"
	"testing"

	"golang.org/x/sys/unix"
)

func TestStringifyMountFlags(t *testing.T) {
	for _, tc := range []struct {
		flags uintptr
		want  string
	}{
		{0, ""},
		{unix.MS_RDONLY, "MS_RDONLY"},
		{unix.MS_BIND | unix.MS_REC, "MS_BIND|MS_REC"},
		{unix.MS_NOSUID | unix.MS_NODEV | unix.MS_NOEXEC, "MS_NOSUID|MS_NODEV|MS_NOEXEC"},
		{1 << 9, "0x200"},
		{unix.MS_RDONLY | 1<<9, "MS_RDONLY|0x200"},
	} {
		if got := stringifyMountFlags(tc.flags); got != tc.want {
			t.Errorf("stringifyMountFlags(%#x) = %q, want %q", tc.flags, got, tc.want)
		}
	}
}

func TestMountErrorMessage(t *testing.T) {
	err := &MountError{
		Op:     "mount",
		Source: "/dev/sda1",
		Target: "/mnt",
		Fstype: "ext4",
		Flags:  unix.MS_RDONLY,
		Err:    unix.EBUSY,
	}
	want := "mount src=/dev/sda1, dst=/mnt, fstype=ext4, flags=MS_RDONLY: device or resource busy"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestMountErrorUnwrap(t *testing.T) {
	err := &MountError{Op: "umount", Target: "/mnt", Err: unix.EBUSY}
	if !errors.Is(err, unix.EBUSY) {
		t.Error("errors.Is did not reach the wrapped errno")
	}
	var me *MountError
	wrapped := fmt.Errorf("outer: %w", err)
	if !errors.As(wrapped, &me) || me.Target != "/mnt" {
		t.Error("errors.As did not recover the MountError")
	}
}

func TestErrno(t *testing.T) {
	if got := Errno(unix.ENOENT); got != unix.ENOENT {
		t.Errorf("Errno(ENOENT) = %v", got)
	}
	wrapped := &MountError{Op: "mount", Target: "/mnt", Err: unix.EACCES}
	if got := Errno(fmt.Errorf("layer: %w", wrapped)); got != unix.EACCES {
		t.Errorf("Errno(wrapped) = %v, want EACCES", got)
	}
	if got := Errno(errors.New("plain")); got != 0 {
		t.Errorf("Errno(plain) = %v, want 0", got)
	}
}
