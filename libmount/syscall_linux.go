package libmount

import (
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/mountctl/mountctl/internal/linux"
)

// mountSourceType indicates what kind of file descriptor a mountSource
// carries, which decides whether move_mount(2) is needed to install it.
type mountSourceType string

const (
	// An open_tree(2)-style fd that must be installed with move_mount(2).
	mountSourceOpenTree mountSourceType = "open_tree"
	// A fsmount(2) fd from the new-API sequence, also move_mount-installed.
	mountSourceFsmount mountSourceType = "fsmount"
	// A plain O_PATH fd, mountable through /proc/self/fd.
	mountSourcePlain mountSourceType = "plain-open"
)

// mountSource is a pre-opened mount source produced by the fd-based API
// hooks (idmap, subdir) or by the fsopen path.
type mountSource struct {
	typ  mountSourceType
	file *os.File
}

func (src *mountSource) Close() {
	if src != nil && src.file != nil {
		_ = src.file.Close()
		src.file = nil
	}
}

// sysMount is a unix.Mount wrapper returning a *MountError with full
// argument context.
func sysMount(source, target, fstype string, flags uintptr, data string) error {
	if err := linux.Mount(source, target, fstype, flags, data); err != nil {
		return &MountError{
			Op:     "mount",
			Source: source,
			Target: target,
			Fstype: fstype,
			Flags:  flags,
			Data:   data,
			Err:    err,
		}
	}
	return nil
}

// sysMountViaFds mounts srcFile onto target, using move_mount(2) for
// open_tree/fsmount descriptors and classic mount(2) through /proc/self/fd
// for plain ones. The source string is only used for error context.
func sysMountViaFds(source string, srcFile *mountSource, target, fstype string, flags uintptr, data string) error {
	if srcFile == nil {
		return sysMount(source, target, fstype, flags, data)
	}
	// MS_REMOUNT and a source fd don't make sense together.
	if flags&unix.MS_REMOUNT != 0 {
		logrus.Debugf("mount source fd passed along with MS_REMOUNT -- ignoring srcFile")
		return sysMount(source, target, fstype, flags, data)
	}
	srcFd := int(srcFile.file.Fd())
	if srcFile.typ != mountSourcePlain {
		err := linux.MoveMount(srcFd, "", unix.AT_FDCWD, target,
			unix.MOVE_MOUNT_F_EMPTY_PATH|unix.MOVE_MOUNT_T_SYMLINKS)
		if err != nil {
			return &MountError{
				Op:     "move_mount",
				Source: source + " (fd " + strconv.Itoa(srcFd) + ")",
				Target: target,
				Err:    err,
			}
		}
		return nil
	}
	src := "/proc/self/fd/" + strconv.Itoa(srcFd)
	if err := linux.Mount(src, target, fstype, flags|unix.MS_BIND, data); err != nil {
		return &MountError{
			Op:     "mount",
			Source: source,
			Target: target,
			Flags:  flags | unix.MS_BIND,
			Err:    err,
		}
	}
	return nil
}

// sysUnmount is a unix.Unmount wrapper with error context.
func sysUnmount(target string, flags int) error {
	if err := linux.Unmount(target, flags); err != nil {
		return &MountError{
			Op:     "unmount",
			Target: target,
			Flags:  uintptr(flags),
			Err:    err,
		}
	}
	return nil
}

// sysSetattr applies a mount_setattr set/clear pair to the mount at target
// (or to an fd when tfd >= 0), optionally recursively.
func sysSetattr(tfd int, target string, set, clr uint64, recursive bool) error {
	attr := &unix.MountAttr{
		Attr_set: set,
		Attr_clr: clr,
	}
	var flags uint
	path := target
	dirfd := unix.AT_FDCWD
	if tfd >= 0 {
		flags |= unix.AT_EMPTY_PATH
		path = ""
		dirfd = tfd
	}
	if recursive {
		flags |= unix.AT_RECURSIVE
	}
	if err := linux.MountSetattr(dirfd, path, flags, attr); err != nil {
		return &MountError{
			Op:     "mount_setattr",
			Target: target,
			Err:    err,
		}
	}
	return nil
}

// openTreeSource clones the mount tree at source into a detached
// mountSource suitable for setattr + move_mount.
func openTreeSource(source string, recursive bool) (*mountSource, error) {
	flags := uint(unix.OPEN_TREE_CLONE | unix.OPEN_TREE_CLOEXEC)
	if recursive {
		flags |= unix.AT_RECURSIVE
	}
	fd, err := linux.OpenTree(unix.AT_FDCWD, source, flags)
	if err != nil {
		return nil, err
	}
	return &mountSource{
		typ:  mountSourceOpenTree,
		file: os.NewFile(uintptr(fd), source),
	}, nil
}
