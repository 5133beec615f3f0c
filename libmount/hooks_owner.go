package libmount

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/moby/sys/user"
	"github.com/sirupsen/logrus"
)

// hooksetOwner implements X-mount.owner=, X-mount.group= and X-mount.mode=:
// after a successful mount, the mount point's ownership and permissions are
// adjusted. Names resolve through the passwd/group databases; numeric IDs
// pass straight through.
var hooksetOwner = &Hookset{
	Name:       "owner",
	FirstStage: StagePrepOptions,
	FirstCall:  ownerPrepOptions,
	Deinit: func(cxt *Context, hs *Hookset) {
		cxt.SetHookData(hs, nil)
		delete(cxt.hookDatas, hs)
	},
}

type ownerData struct {
	uid, gid int
	mode     os.FileMode
	hasMode  bool
}

func resolveUser(name string) (int, error) {
	if uid, err := strconv.Atoi(name); err == nil {
		return uid, nil
	}
	u, err := user.LookupUser(name)
	if err != nil {
		return -1, fmt.Errorf("unknown user %q: %w", name, err)
	}
	return u.Uid, nil
}

func resolveGroup(name string) (int, error) {
	if gid, err := strconv.Atoi(name); err == nil {
		return gid, nil
	}
	g, err := user.LookupGroup(name)
	if err != nil {
		return -1, fmt.Errorf("unknown group %q: %w", name, err)
	}
	return g.Gid, nil
}

func ownerPrepOptions(cxt *Context, hs *Hookset, _ any) error {
	if cxt.Action() != ActionMount {
		return nil
	}
	l := cxt.OptList()
	ownerOpt := l.FindOpt(UserOptXOwner, UserspaceMap())
	groupOpt := l.FindOpt(UserOptXGroup, UserspaceMap())
	modeOpt := l.FindOpt(UserOptXMode, UserspaceMap())
	if ownerOpt == nil && groupOpt == nil && modeOpt == nil {
		return nil
	}
	if cxt.Restricted() {
		return fmt.Errorf("%w: X-mount.owner/group/mode", ErrRestricted)
	}

	data := &ownerData{uid: -1, gid: -1}
	if ownerOpt != nil {
		spec := ownerOpt.Value
		if userPart, groupPart, ok := strings.Cut(spec, ":"); ok {
			spec = userPart
			gid, err := resolveGroup(groupPart)
			if err != nil {
				return err
			}
			data.gid = gid
		}
		uid, err := resolveUser(spec)
		if err != nil {
			return err
		}
		data.uid = uid
	}
	if groupOpt != nil {
		gid, err := resolveGroup(groupOpt.Value)
		if err != nil {
			return err
		}
		data.gid = gid
	}
	if modeOpt != nil {
		v, err := strconv.ParseUint(modeOpt.Value, 8, 32)
		if err != nil {
			return fmt.Errorf("invalid X-mount.mode %q: %w", modeOpt.Value, err)
		}
		data.mode = os.FileMode(v)
		data.hasMode = true
	}
	cxt.SetHookData(hs, data)
	return cxt.AppendHook(hs, StagePostMount, data, ownerPostMount)
}

func ownerPostMount(cxt *Context, hs *Hookset, data any) error {
	d := data.(*ownerData)
	defer func() {
		delete(cxt.hookDatas, hs)
	}()
	if !cxt.Succeeded() {
		return nil
	}
	target := cxt.Target()
	if d.uid != -1 || d.gid != -1 {
		logrus.Debugf("chown %s to %d:%d", target, d.uid, d.gid)
		if err := os.Chown(target, d.uid, d.gid); err != nil {
			return err
		}
	}
	if d.hasMode {
		logrus.Debugf("chmod %s to %#o", target, d.mode)
		if err := os.Chmod(target, d.mode); err != nil {
			return err
		}
	}
	return nil
}
