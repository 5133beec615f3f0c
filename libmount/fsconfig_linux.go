package libmount

import (
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/mountctl/mountctl/internal/linux"
)

// fsopenMount drives the new filesystem-context API: fsopen(2) the
// filesystem driver, feed it the source and every unknown (filesystem
// specific) option via fsconfig(2), then fsmount(2) the result into a
// detached mountSource for move_mount installation.
//
// VFS flags are not passed here; the caller applies them afterwards via
// mount_setattr on the returned fd.
func fsopenMount(fstype, source string, opts *OptionList) (*mountSource, error) {
	fsfd, err := linux.Fsopen(fstype, unix.FSOPEN_CLOEXEC)
	if err != nil {
		return nil, err
	}
	fsFile := os.NewFile(uintptr(fsfd), "fscontext:"+fstype)
	defer fsFile.Close()

	if source != "" {
		if err := linux.Fsconfig(fsfd, unix.FSCONFIG_SET_STRING, "source", source, 0); err != nil {
			return nil, err
		}
	}
	for _, o := range opts.Opts() {
		if o.Entry != nil {
			// Known options render to flags/attrs, not fsconfig keys.
			continue
		}
		cmd := uint(unix.FSCONFIG_SET_FLAG)
		if o.HasValue() {
			cmd = unix.FSCONFIG_SET_STRING
		}
		if err := linux.Fsconfig(fsfd, cmd, o.Name, o.Value, 0); err != nil {
			return nil, err
		}
	}
	if err := linux.Fsconfig(fsfd, unix.FSCONFIG_CMD_CREATE, "", "", 0); err != nil {
		return nil, err
	}
	mfd, err := linux.Fsmount(fsfd, unix.FSMOUNT_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	logrus.Debugf("fsopen/fsmount: created %s context for %q", fstype, source)
	return &mountSource{
		typ:  mountSourceFsmount,
		file: os.NewFile(uintptr(mfd), "fsmount:"+fstype),
	}, nil
}

// fspickReconfigure reapplies the filesystem-specific options of an
// existing mount through fspick(2) and FSCONFIG_CMD_RECONFIGURE, the
// fd-based equivalent of a remount with data. VFS flags again stay out;
// the caller pushes them via mount_setattr.
func fspickReconfigure(target string, opts *OptionList) error {
	fd, err := linux.Fspick(unix.AT_FDCWD, target, unix.FSPICK_CLOEXEC|unix.FSPICK_NO_AUTOMOUNT)
	if err != nil {
		return err
	}
	f := os.NewFile(uintptr(fd), "fspick:"+target)
	defer f.Close()

	for _, o := range opts.Opts() {
		if o.Entry != nil {
			continue
		}
		cmd := uint(unix.FSCONFIG_SET_FLAG)
		if o.HasValue() {
			cmd = unix.FSCONFIG_SET_STRING
		}
		if err := linux.Fsconfig(fd, cmd, o.Name, o.Value, 0); err != nil {
			return err
		}
	}
	return linux.Fsconfig(fd, unix.FSCONFIG_CMD_RECONFIGURE, "", "", 0)
}
