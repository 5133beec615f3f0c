package libmount

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/mountctl/mountctl/internal/utils"
)

// helperSearchPath is where external per-filesystem helpers live, in order.
const helperSearchPath = "/sbin:/sbin/fs.d:/sbin/fs"

// searchHelperPath is replaceable in tests.
var searchHelperPath = helperSearchPath

// lookupHelper finds "<name>.<fstype>" (mount.ext4, umount.nfs) along the
// helper search path. When fstype carries a subtype ("fuse.sshfs") and the
// full name misses, the prefix before the last dot is tried too. A missing
// helper is not an error; the direct syscall is the fallback.
func lookupHelper(name, fstype string) string {
	types := []string{fstype}
	if i := strings.LastIndexByte(fstype, '.'); i > 0 {
		types = append(types, fstype[:i])
	}
	for _, dir := range filepath.SplitList(searchHelperPath) {
		for _, t := range types {
			path := filepath.Join(dir, name+"."+t)
			info, err := os.Stat(path)
			if err != nil || info.IsDir() || info.Mode()&0o111 == 0 {
				continue
			}
			return path
		}
	}
	return ""
}

// PrepareHelper decides whether an external helper will run this operation.
// name is "mount" or "umount". FlagNoHelpers disables the search entirely;
// so do pattern, "none" and unset fstypes, since a helper name needs one
// concrete filesystem type.
func (cxt *Context) PrepareHelper(name, fstype string) error {
	cxt.helper = ""
	if cxt.HasFlag(FlagNoHelpers) || fstype == "" || fstype == "none" ||
		fstype == "auto" || isFstypePattern(fstype) {
		return nil
	}
	if path := lookupHelper(name, fstype); path != "" {
		logrus.Debugf("found %s helper %s", fstype, path)
		cxt.helper = path
	}
	return nil
}

// helperArgs builds the conventional mount.<type> command line.
func (cxt *Context) helperArgs() []string {
	var args []string
	switch cxt.action {
	case ActionMount:
		args = append(args, cxt.fs.Source, cxt.fs.Target)
		if opts := cxt.OptList().GetOptstr(nil, FilterHelpers); opts != "" {
			args = append(args, "-o", opts)
		}
		if sub := subtypeOf(cxt.fs.Fstype); sub != "" {
			args = append(args, "-t", cxt.fs.Fstype)
		}
	case ActionUmount:
		args = append(args, cxt.fs.Target)
		if cxt.HasFlag(FlagForce) {
			args = append(args, "-f")
		}
		if cxt.HasFlag(FlagLazy) {
			args = append(args, "-l")
		}
	}
	if cxt.HasFlag(FlagNoMtab) {
		args = append(args, "-n")
	}
	if cxt.HasFlag(FlagSloppy) {
		args = append(args, "-s")
	}
	if cxt.HasFlag(FlagVerbose) {
		args = append(args, "-v")
	}
	return args
}

func subtypeOf(fstype string) string {
	_, sub, ok := strings.Cut(fstype, ".")
	if !ok {
		return ""
	}
	return sub
}

// execHelper runs the prepared helper and records its exit status. The
// status stands on its own; downstream exit-code mapping defers to it
// entirely instead of interpreting it as an errno.
func (cxt *Context) execHelper() error {
	if cxt.helper == "" {
		return errors.New("no helper prepared")
	}
	if cxt.HasFlag(FlagFake) {
		logrus.Debugf("fake mode: not executing %s", cxt.helper)
		cxt.helperExec = true
		cxt.helperStatus = 0
		return nil
	}
	args := cxt.helperArgs()
	logrus.Debugf("exec %s %s", cxt.helper, strings.Join(args, " "))
	cmd := exec.Command(cxt.helper, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	err := cmd.Run()
	cxt.helperExec = true
	cxt.helperStatus = 0
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			if ws, ok := ee.Sys().(syscall.WaitStatus); ok {
				cxt.helperStatus = utils.ExitStatus(unix.WaitStatus(ws))
			} else {
				cxt.helperStatus = ee.ExitCode()
			}
		} else {
			// The helper never ran.
			cxt.helperExec = false
			return err
		}
	}
	return nil
}
