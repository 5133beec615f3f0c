package libmount

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Umount drives the whole umount pipeline, mirroring Mount: preparation,
// the unmount (or helper), then table maintenance.
func (cxt *Context) Umount() error {
	if err := cxt.PrepareUmount(); err != nil {
		return err
	}
	umountErr := cxt.DoUmount()
	finErr := cxt.FinalizeMount()
	if umountErr != nil {
		return umountErr
	}
	return finErr
}

// PrepareUmount resolves the target against mountinfo (most recently
// mounted entry first) so the filesystem type and source are known, and
// finds an umount.<type> helper if one exists.
func (cxt *Context) PrepareUmount() error {
	cxt.action = ActionUmount
	if cxt.fs.Target == "" && cxt.fs.Source == "" {
		return fmt.Errorf("%w: nothing to umount", unix.EINVAL)
	}

	restore, err := cxt.enterTargetNamespace()
	if err != nil {
		return err
	}
	defer restore()

	if !cxt.HasFlag(FlagNoCanonicalize) && cxt.fs.Target != "" {
		if path, err := cxt.Cache().CanonicalPath(cxt.fs.Target); err == nil {
			cxt.fs.Target = path
		}
	}
	if err := cxt.ApplyFstab(); err != nil {
		return err
	}
	cxt.MergeOptions()
	if err := cxt.callHooks(StagePrep); err != nil {
		return err
	}
	return cxt.PrepareHelper("umount", cxt.fs.Fstype)
}

// DoUmount performs the unmount in the target namespace. MNT_DETACH and
// MNT_FORCE follow the lazy/force flags; a busy filesystem can degrade to
// read-only when the caller asked for that fallback.
func (cxt *Context) DoUmount() error {
	restore, err := cxt.enterTargetNamespace()
	if err != nil {
		return err
	}
	defer restore()

	if err := cxt.callHooks(StagePreMount); err != nil {
		return err
	}

	var umountErr error
	if cxt.helper != "" {
		umountErr = cxt.execHelper()
	} else {
		umountErr = cxt.doUmountSyscall()
	}
	if err := cxt.callHooks(StagePostMount); err != nil {
		if umountErr == nil {
			umountErr = err
		}
	}
	return umountErr
}

func (cxt *Context) doUmountSyscall() error {
	if cxt.HasFlag(FlagFake) {
		logrus.Debugf("fake mode: not unmounting %s", cxt.fs.Target)
		cxt.setSyscallStatus(nil)
		return nil
	}
	var flags int
	if cxt.HasFlag(FlagLazy) {
		flags |= unix.MNT_DETACH
	}
	if cxt.HasFlag(FlagForce) {
		flags |= unix.MNT_FORCE
	}
	err := sysUnmount(cxt.fs.Target, flags)
	if err != nil && cxt.HasFlag(FlagRdonlyUmount) && Errno(err) == unix.EBUSY {
		rerr := sysMount("", cxt.fs.Target, "", unix.MS_REMOUNT|unix.MS_RDONLY, "")
		if rerr == nil {
			cxt.AppendMessage(fmt.Sprintf("%s busy, remounted read-only instead", cxt.fs.Target))
			err = nil
		}
	}
	cxt.setSyscallStatus(err)
	return err
}
