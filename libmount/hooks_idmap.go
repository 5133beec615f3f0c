package libmount

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/mountctl/mountctl/internal/linux"
)

// hooksetIdmap implements X-mount.idmap=: the mount is performed through
// the fd-based API with MOUNT_ATTR_IDMAP attached. The value is either an
// existing /proc/<pid>/ns/user path or an explicit uids=/gids= mapping, in
// which case a dummy child process provides the namespace.
var hooksetIdmap = &Hookset{
	Name:       "idmap",
	FirstStage: StagePrepOptions,
	FirstCall:  idmapPrepOptions,
	Deinit: func(cxt *Context, hs *Hookset) {
		if hd, ok := cxt.HookData(hs).(*idmapData); ok && hd != nil {
			if hd.handles != nil {
				hd.handles.Release()
			}
			delete(cxt.hookDatas, hs)
		}
	},
}

type idmapData struct {
	nsPath  string
	mapping idMapping
	handles *usernsHandles
}

func idmapPrepOptions(cxt *Context, hs *Hookset, _ any) error {
	if cxt.Action() != ActionMount {
		return nil
	}
	o := cxt.OptList().FindOpt(UserOptXIdmap, UserspaceMap())
	if o == nil {
		return nil
	}
	if cxt.Restricted() {
		return fmt.Errorf("%w: X-mount.idmap", ErrRestricted)
	}
	nsPath, mapping, err := parseIDMapSpec(o.Value)
	if err != nil {
		return err
	}
	data := &idmapData{nsPath: nsPath, mapping: mapping}
	cxt.SetHookData(hs, data)
	// The actual work happens at mount time, once source and flags are
	// final.
	return cxt.AppendHook(hs, StageMount, data, idmapMount)
}

// idmapMount clones the source tree, attaches the ID mapping, and stages
// the resulting fd for move_mount installation by the driver.
func idmapMount(cxt *Context, hs *Hookset, data any) error {
	d := data.(*idmapData)

	var usernsFile *os.File
	var err error
	if d.nsPath != "" {
		nsfd, err := linux.Open(d.nsPath, unix.O_RDONLY|unix.O_CLOEXEC, 0)
		if err != nil {
			cxt.AppendMessage(fmt.Sprintf("cannot open user namespace %s: %v", d.nsPath, err))
			return fmt.Errorf("%w: %v", ErrIdmapSetup, err)
		}
		usernsFile = os.NewFile(uintptr(nsfd), d.nsPath)
	} else {
		if d.handles == nil {
			d.handles = new(usernsHandles)
		}
		usernsFile, err = d.handles.Get(d.mapping)
		if err != nil {
			cxt.AppendMessage(fmt.Sprintf("cannot create user namespace: %v", err))
			return err
		}
	}
	defer usernsFile.Close()

	recursive := cxt.OptList().IsRecursive()
	src, err := openTreeSource(cxt.Source(), recursive)
	if err != nil {
		cxt.setSyscallStatus(err)
		return err
	}

	setAttrFlags := uint(unix.AT_EMPTY_PATH)
	if recursive {
		setAttrFlags |= unix.AT_RECURSIVE
	}
	err = linux.MountSetattr(int(src.file.Fd()), "", setAttrFlags, &unix.MountAttr{
		Attr_set:  unix.MOUNT_ATTR_IDMAP,
		Userns_fd: uint64(usernsFile.Fd()),
	})
	if err != nil {
		src.Close()
		if Errno(err) == unix.EINVAL {
			cxt.AppendMessage("the filesystem may not support ID-mapped mounts on this kernel")
		}
		cxt.AppendMessage(fmt.Sprintf("cannot apply ID-mapping to %s: %v", cxt.Source(), err))
		return fmt.Errorf("%w on %s: %v", ErrIdmapSetup, cxt.Source(), err)
	}
	logrus.Debugf("idmap: staged open_tree fd for %s", cxt.Source())
	cxt.mountSrc = src
	return nil
}
