package libmount

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// extraBindFlagsMask selects VFS bits a plain bind mount silently drops;
// their presence forces the follow-up remount-bind call.
const extraBindFlagsMask = ^uint64(unix.MS_BIND | unix.MS_REC | unix.MS_REMOUNT | propagationMask | unix.MS_SILENT)

// Mount drives the whole mount pipeline: preparation, the mount itself (or
// a helper), and table persistence. A failed mount step does not skip the
// finalize phase; the update logic decides on its own that there is nothing
// to persist.
func (cxt *Context) Mount() error {
	if err := cxt.PrepareMount(); err != nil {
		return err
	}
	mountErr := cxt.DoMount()
	finErr := cxt.FinalizeMount()
	if mountErr != nil {
		return mountErr
	}
	return finErr
}

// PrepareMount resolves the operation against the system tables, merges the
// option list into canonical form and runs every preparation stage. It is
// idempotent per filled-in field, so a Reset + reconfigure can call it
// again.
func (cxt *Context) PrepareMount() error {
	cxt.action = ActionMount
	if err := cxt.ApplyFstab(); err != nil {
		return err
	}
	cxt.MergeOptions()
	if err := cxt.normalizeSizeOpts(); err != nil {
		return err
	}

	restore, err := cxt.enterTargetNamespace()
	if err != nil {
		return err
	}
	defer restore()

	if err := cxt.PrepareSource(); err != nil {
		return err
	}
	if err := cxt.PrepareTarget(); err != nil {
		return err
	}
	if err := cxt.GuessFstype(); err != nil {
		if cxt.HasFlag(FlagSloppy) && errors.Is(err, ErrNoFstype) {
			logrus.Debugf("sloppy mode: ignoring fstype probe failure: %v", err)
		} else {
			return err
		}
	}
	if err := cxt.callHooks(StagePrepOptions); err != nil {
		return err
	}
	if err := cxt.callHooks(StagePrep); err != nil {
		return err
	}
	return cxt.PrepareHelper("mount", cxt.fs.Fstype)
}

// DoMount performs the mount inside the target namespace, through the
// helper when one was found, otherwise via the syscall path the hooks and
// flags select.
func (cxt *Context) DoMount() error {
	restore, err := cxt.enterTargetNamespace()
	if err != nil {
		return err
	}
	defer restore()

	if err := cxt.callHooks(StagePreMount); err != nil {
		return err
	}

	var mountErr error
	if cxt.helper != "" {
		mountErr = cxt.execHelper()
	} else {
		if err := cxt.callHooks(StageMount); err != nil {
			return err
		}
		mountErr = cxt.doMountSyscall()
	}
	if err := cxt.callHooks(StagePostMount); err != nil {
		if mountErr == nil {
			mountErr = err
		}
	}
	return mountErr
}

// FinalizeMount persists the outcome to utab (when warranted) and runs the
// post stage.
func (cxt *Context) FinalizeMount() error {
	if err := cxt.PrepareUpdate(); err != nil {
		return err
	}
	if err := cxt.UpdateTabs(); err != nil {
		return err
	}
	return cxt.callHooks(StagePost)
}

func (cxt *Context) doMountSyscall() error {
	if cxt.HasFlag(FlagFake) {
		logrus.Debugf("fake mode: not mounting %s on %s", cxt.fs.Source, cxt.fs.Target)
		cxt.setSyscallStatus(nil)
		return nil
	}
	if cxt.mountDone {
		return nil
	}

	l := cxt.OptList()
	switch {
	case cxt.PropagationOnly():
		return cxt.applyPropagation()
	case cxt.mountSrc != nil:
		return cxt.installStagedMount()
	case cxt.HasFlag(FlagFdBased) && l.IsRemount() && !l.IsBind():
		return cxt.fspickRemountSyscall()
	case cxt.HasFlag(FlagFdBased) && cxt.canUseFsopen():
		return cxt.fsopenMountSyscall()
	default:
		return cxt.classicMount()
	}
}

// fspickRemountSyscall is the fd-based remount: reconfigure the superblock
// options through fspick, then adjust the VFS flags with mount_setattr.
func (cxt *Context) fspickRemountSyscall() error {
	l := cxt.OptList()
	if err := fspickReconfigure(cxt.fs.Target, l); err != nil {
		cxt.setSyscallStatus(err)
		return err
	}
	if set, clr := l.GetAttrs(AttrsNoRec); set != 0 || clr != 0 {
		if err := sysSetattr(-1, cxt.fs.Target, set, clr, false); err != nil {
			cxt.setSyscallStatus(err)
			return err
		}
	}
	cxt.setSyscallStatus(nil)
	cxt.mountDone = true
	return nil
}

func (cxt *Context) canUseFsopen() bool {
	l := cxt.OptList()
	return cxt.fs.Fstype != "" && !l.IsBind() && !l.IsMove() && !l.IsRemount()
}

// applyPropagation issues one mount(2) per propagation flag; the kernel
// refuses combined propagation changes.
func (cxt *Context) applyPropagation() error {
	l := cxt.OptList()
	for _, o := range l.Opts() {
		if o.Entry == nil || o.Map == nil || !o.Map.IsLinux {
			continue
		}
		prop := o.Entry.ID & propagationMask
		if prop == 0 || o.Entry.Invert {
			continue
		}
		flags := uintptr(o.Entry.ID & (propagationMask | unix.MS_REC | unix.MS_SILENT))
		if err := sysMount("none", cxt.fs.Target, "", flags, ""); err != nil {
			cxt.setSyscallStatus(err)
			return err
		}
	}
	cxt.setSyscallStatus(nil)
	cxt.mountDone = true
	return nil
}

// installStagedMount move_mounts an fd a StageMount hook prepared (idmapped
// trees arrive this way).
func (cxt *Context) installStagedMount() error {
	defer func() {
		cxt.mountSrc.Close()
		cxt.mountSrc = nil
	}()
	err := sysMountViaFds(cxt.fs.Source, cxt.mountSrc, cxt.fs.Target, cxt.fs.Fstype, 0, "")
	cxt.setSyscallStatus(err)
	if err != nil {
		return err
	}
	cxt.mountDone = true
	return cxt.applyRemainingAttrs()
}

// fsopenMountSyscall mounts through the new filesystem-context API:
// fsopen/fsconfig/fsmount, move_mount into place, then mount_setattr for
// the VFS flags.
func (cxt *Context) fsopenMountSyscall() error {
	src, err := fsopenMount(cxt.fs.Fstype, cxt.fs.Source, cxt.OptList())
	if err != nil {
		cxt.setSyscallStatus(err)
		return err
	}
	defer src.Close()
	if err := sysMountViaFds(cxt.fs.Source, src, cxt.fs.Target, cxt.fs.Fstype, 0, ""); err != nil {
		cxt.setSyscallStatus(err)
		return err
	}
	cxt.setSyscallStatus(nil)
	cxt.mountDone = true
	return cxt.applyRemainingAttrs()
}

// applyRemainingAttrs pushes the optlist's VFS flags onto a mount that was
// installed through the fd-based path, where mount(2) flags never applied.
func (cxt *Context) applyRemainingAttrs() error {
	set, clr := cxt.OptList().GetAttrs(AttrsNoRec)
	if set == 0 && clr == 0 {
		return nil
	}
	if err := sysSetattr(-1, cxt.fs.Target, set, clr, false); err != nil {
		cxt.setSyscallStatus(err)
		return err
	}
	if rset, rclr := cxt.OptList().GetAttrs(AttrsRec); rset != 0 || rclr != 0 {
		if err := sysSetattr(-1, cxt.fs.Target, rset, rclr, true); err != nil {
			cxt.setSyscallStatus(err)
			return err
		}
	}
	return nil
}

// classicMount is the mount(2) path, including the historical two-step
// dance for bind mounts with VFS flags (the kernel ignores flags on the
// initial bind, a remount-bind applies them) and the read-only fallback for
// media that refuse read-write.
func (cxt *Context) classicMount() error {
	l := cxt.OptList()
	flags := l.GetFlags(LinuxMap(), FilterDefault)
	data := cxt.mountData
	if data == "" {
		data = l.GetOptstr(nil, FilterUnknown)
	}

	// Propagation bits never ride along with a real mount.
	callFlags := uintptr(flags &^ uint64(propagationMask))

	err := sysMount(cxt.fs.Source, cxt.fs.Target, cxt.fs.Fstype, callFlags, data)
	if err != nil && !l.IsRdonly() && !l.IsBind() && !l.IsRemount() && !cxt.HasFlag(FlagRwonlyMount) {
		if errno := Errno(err); errno == unix.EACCES || errno == unix.EROFS {
			logrus.Debugf("%s is write-protected, retrying read-only", cxt.fs.Source)
			err = sysMount(cxt.fs.Source, cxt.fs.Target, cxt.fs.Fstype, callFlags|unix.MS_RDONLY, data)
			if err == nil {
				_ = l.AppendString("ro", LinuxMap())
				cxt.AppendMessage(fmt.Sprintf("%s mounted read-only", cxt.fs.Source))
			}
		}
	}
	cxt.setSyscallStatus(err)
	if err != nil {
		return err
	}
	cxt.mountDone = true

	// Bind mounts ignore everything but MS_BIND|MS_REC on the first call;
	// a follow-up remount applies the requested VFS flags.
	if l.IsBind() && flags&extraBindFlagsMask != 0 && !l.IsRemount() {
		rflags := uintptr(flags&^uint64(propagationMask)) | unix.MS_BIND | unix.MS_REMOUNT
		if err := sysMount("none", cxt.fs.Target, "", rflags, ""); err != nil {
			cxt.setSyscallStatus(err)
			return err
		}
	}

	// Propagation changes requested next to a regular mount apply after it.
	if prop := l.PropagationFlags(); prop != 0 && !cxt.PropagationOnly() {
		return cxt.applyPropagation()
	}
	return nil
}
