// Package linux provides thin wrappers around the mount-family syscalls,
// retrying on EINTR and decorating errors the way the os package does.
package linux

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Open wraps [unix.Open].
func Open(path string, mode int, perm uint32) (fd int, err error) {
	fd, err = retryOnEINTR2(func() (int, error) {
		return unix.Open(path, mode, perm)
	})
	if err != nil {
		return -1, &os.PathError{Op: "open", Path: path, Err: err}
	}
	return fd, nil
}

// Mount wraps [unix.Mount].
func Mount(source, target, fstype string, flags uintptr, data string) error {
	err := retryOnEINTR(func() error {
		return unix.Mount(source, target, fstype, flags, data)
	})
	return os.NewSyscallError("mount", err)
}

// Unmount wraps [unix.Unmount].
func Unmount(target string, flags int) error {
	err := retryOnEINTR(func() error {
		return unix.Unmount(target, flags)
	})
	return os.NewSyscallError("umount2", err)
}

// Setns wraps [unix.Setns].
func Setns(fd, nstype int) error {
	err := retryOnEINTR(func() error {
		return unix.Setns(fd, nstype)
	})
	return os.NewSyscallError("setns", err)
}

// OpenTree wraps [unix.OpenTree].
func OpenTree(dirfd int, path string, flags uint) (fd int, err error) {
	fd, err = retryOnEINTR2(func() (int, error) {
		return unix.OpenTree(dirfd, path, flags)
	})
	if err != nil {
		return -1, &os.PathError{Op: "open_tree", Path: path, Err: err}
	}
	return fd, nil
}

// MoveMount wraps [unix.MoveMount].
func MoveMount(fromDirfd int, fromPath string, toDirfd int, toPath string, flags int) error {
	err := retryOnEINTR(func() error {
		return unix.MoveMount(fromDirfd, fromPath, toDirfd, toPath, flags)
	})
	return os.NewSyscallError("move_mount", err)
}

// MountSetattr wraps [unix.MountSetattr].
func MountSetattr(dirfd int, path string, flags uint, attr *unix.MountAttr) error {
	err := retryOnEINTR(func() error {
		return unix.MountSetattr(dirfd, path, flags, attr)
	})
	return os.NewSyscallError("mount_setattr", err)
}

// Fsopen wraps [unix.Fsopen].
func Fsopen(fsName string, flags int) (fd int, err error) {
	fd, err = retryOnEINTR2(func() (int, error) {
		return unix.Fsopen(fsName, flags)
	})
	if err != nil {
		return -1, os.NewSyscallError("fsopen", err)
	}
	return fd, nil
}

// Fsconfig wraps the raw fsconfig(2) syscall. key and value may be empty
// depending on cmd; an empty string is passed to the kernel as NULL.
func Fsconfig(fd int, cmd uint, key, value string, aux int) error {
	err := retryOnEINTR(func() error {
		var keyp, valp unsafe.Pointer
		if key != "" {
			p, err := unix.BytePtrFromString(key)
			if err != nil {
				return err
			}
			keyp = unsafe.Pointer(p)
		}
		if value != "" {
			p, err := unix.BytePtrFromString(value)
			if err != nil {
				return err
			}
			valp = unsafe.Pointer(p)
		}
		_, _, errno := unix.Syscall6(unix.SYS_FSCONFIG, uintptr(fd), uintptr(cmd),
			uintptr(keyp), uintptr(valp), uintptr(aux), 0)
		if errno != 0 {
			return errno
		}
		return nil
	})
	return os.NewSyscallError("fsconfig", err)
}

// Fsmount wraps [unix.Fsmount].
func Fsmount(fd int, flags, mountAttrs int) (mfd int, err error) {
	mfd, err = retryOnEINTR2(func() (int, error) {
		return unix.Fsmount(fd, flags, mountAttrs)
	})
	if err != nil {
		return -1, os.NewSyscallError("fsmount", err)
	}
	return mfd, nil
}

// Fspick wraps [unix.Fspick].
func Fspick(dirfd int, path string, flags int) (fd int, err error) {
	fd, err = retryOnEINTR2(func() (int, error) {
		return unix.Fspick(dirfd, path, flags)
	})
	if err != nil {
		return -1, &os.PathError{Op: "fspick", Path: path, Err: err}
	}
	return fd, nil
}
