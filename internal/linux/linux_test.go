package linux

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

func TestOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	fd, err := Open(path, unix.O_RDWR|unix.O_CREAT, 0o600)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = unix.Close(fd)

	fd, err = Open(filepath.Join(t.TempDir(), "missing"), unix.O_RDONLY, 0)
	if fd != -1 {
		t.Errorf("fd = %d, want -1", fd)
	}
	var perr *os.PathError
	if !errors.As(err, &perr) || perr.Op != "open" {
		t.Errorf("err = %v, want an open *os.PathError", err)
	}
}

func TestMoveMountBadFd(t *testing.T) {
	err := MoveMount(-1, "", unix.AT_FDCWD, t.TempDir(), unix.MOVE_MOUNT_F_EMPTY_PATH)
	if err == nil {
		t.Fatal("move_mount with a bad fd succeeded")
	}
	var serr *os.SyscallError
	if !errors.As(err, &serr) || serr.Syscall != "move_mount" {
		t.Errorf("err = %v, want a move_mount *os.SyscallError", err)
	}
}

func TestFspickMissing(t *testing.T) {
	fd, err := Fspick(unix.AT_FDCWD, filepath.Join(t.TempDir(), "missing"), unix.FSPICK_CLOEXEC)
	if err == nil {
		_ = unix.Close(fd)
		t.Fatal("fspick on a missing path succeeded")
	}
	if fd != -1 {
		t.Errorf("fd = %d, want -1", fd)
	}
}
