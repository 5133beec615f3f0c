package libmount

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// hooksetSubdir implements X-mount.subdir=<dir>: mount the filesystem as
// usual, then replace the mount with just the named subdirectory. The swap
// uses open_tree on the subdirectory, a detach of the full mount, and a
// move_mount of the clone back onto the target.
var hooksetSubdir = &Hookset{
	Name:       "subdir",
	FirstStage: StagePrepOptions,
	FirstCall:  subdirPrepOptions,
}

func subdirPrepOptions(cxt *Context, hs *Hookset, _ any) error {
	if cxt.Action() != ActionMount {
		return nil
	}
	o := cxt.OptList().FindOpt(UserOptXSubdir, UserspaceMap())
	if o == nil {
		return nil
	}
	if o.Value == "" || o.Value == "/" {
		return fmt.Errorf("invalid X-mount.subdir value %q", o.Value)
	}
	if cxt.Restricted() {
		return fmt.Errorf("%w: X-mount.subdir", ErrRestricted)
	}
	return cxt.AppendHook(hs, StagePostMount, o.Value, subdirPostMount)
}

func subdirPostMount(cxt *Context, hs *Hookset, data any) error {
	if !cxt.Succeeded() {
		return nil
	}
	subdir := data.(string)
	target := cxt.Target()

	// Resolve the subdirectory without letting a hostile filesystem image
	// walk us out of the mount via symlinks.
	subPath, err := cxt.Cache().SecurePath(target, subdir)
	if err != nil {
		return fmt.Errorf("cannot resolve subdir %q under %s: %w", subdir, target, err)
	}
	src, err := openTreeSource(subPath, false)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := sysUnmount(target, unix.MNT_DETACH); err != nil {
		return err
	}
	if err := sysMountViaFds(subPath, src, target, "", 0, ""); err != nil {
		return err
	}
	logrus.Debugf("subdir: replaced %s with %s", target, subPath)
	return nil
}
