package main

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/mountctl/mountctl/libmount"
)

// Exit codes follow the mount(8)/umount(8) convention.
const (
	exitUsage    = 1  // bad invocation or insufficient privileges
	exitSysError = 2  // system error (out of memory, cannot fork, ...)
	exitFail     = 32 // mount or umount failed
)

// exitStatus maps an engine failure to a process exit code. When a helper
// ran, its own status wins; otherwise the syscall errno decides.
func exitStatus(cxt *libmount.Context, err error) int {
	if cxt.HelperExecuted() {
		if st := cxt.HelperStatus(); st != 0 {
			return st
		}
		return exitFail
	}
	var errno unix.Errno
	if !errors.As(err, &errno) {
		errno = libmount.Errno(err)
	}
	switch errno {
	case unix.EINVAL, unix.EPERM, unix.EACCES:
		return exitUsage
	case unix.ENOMEM:
		return exitSysError
	}
	if errors.Is(err, libmount.ErrRestricted) {
		return exitUsage
	}
	return exitFail
}
