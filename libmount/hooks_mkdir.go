package libmount

import (
	"fmt"
	"os"
	"strconv"

	"github.com/mrunalp/fileutils"
	"github.com/sirupsen/logrus"
)

// hooksetMkdir implements X-mount.mkdir[=mode]: create the mount point
// before mounting. Root only; letting unprivileged callers create
// directories via fstab would be a gift to them.
var hooksetMkdir = &Hookset{
	Name:       "mkdir",
	FirstStage: StagePrepTarget,
	FirstCall:  mkdirPrepTarget,
}

func mkdirPrepTarget(cxt *Context, hs *Hookset, _ any) error {
	if cxt.Action() != ActionMount {
		return nil
	}
	o := cxt.OptList().FindOpt(UserOptXMkdir, UserspaceMap())
	if o == nil {
		return nil
	}
	if cxt.Restricted() {
		return fmt.Errorf("%w: X-mount.mkdir", ErrRestricted)
	}
	target := cxt.Target()
	if target == "" {
		return nil
	}
	if _, err := os.Stat(target); err == nil {
		return nil
	}
	mode := os.FileMode(0o755)
	if o.Value != "" {
		v, err := strconv.ParseUint(o.Value, 8, 32)
		if err != nil {
			return fmt.Errorf("invalid X-mount.mkdir mode %q: %w", o.Value, err)
		}
		mode = os.FileMode(v)
	}
	logrus.Debugf("creating mount point %s (mode %#o)", target, mode)
	return fileutils.MkdirAllNewAs(target, mode, os.Geteuid(), os.Getegid())
}
