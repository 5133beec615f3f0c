package libmount

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// IDMap is one uid or gid range mapping for an idmapped mount.
type IDMap struct {
	InnerID int64
	OuterID int64
	Count   int64
}

// idMapping is the full uid+gid mapping requested for a mount.
type idMapping struct {
	UIDMappings []IDMap
	GIDMappings []IDMap
}

// id returns a unique identifier for this mapping, agnostic of the order of
// the uid and gid mappings (the order doesn't matter to the kernel). The set
// of userns handles is indexed using this ID.
func (m idMapping) id() string {
	var uids, gids []string
	for _, im := range m.UIDMappings {
		uids = append(uids, fmt.Sprintf("%d:%d:%d", im.InnerID, im.OuterID, im.Count))
	}
	for _, im := range m.GIDMappings {
		gids = append(gids, fmt.Sprintf("%d:%d:%d", im.InnerID, im.OuterID, im.Count))
	}
	sort.Strings(uids)
	sort.Strings(gids)
	return "uid=" + strings.Join(uids, ",") + ";gid=" + strings.Join(gids, ",")
}

func (m idMapping) toSys() (uids, gids []syscall.SysProcIDMap) {
	for _, im := range m.UIDMappings {
		uids = append(uids, syscall.SysProcIDMap{
			ContainerID: int(im.InnerID),
			HostID:      int(im.OuterID),
			Size:        int(im.Count),
		})
	}
	for _, im := range m.GIDMappings {
		gids = append(gids, syscall.SysProcIDMap{
			ContainerID: int(im.InnerID),
			HostID:      int(im.OuterID),
			Size:        int(im.Count),
		})
	}
	return
}

// usernsHandles caches user namespaces by mapping. Creating one requires a
// dummy child process holding the namespace alive until we've opened its
// /proc/<pid>/ns/user; the children are reaped on Release.
type usernsHandles struct {
	m     sync.Mutex
	procs map[string]*os.Process
}

// Release kills every child created for a handle. The kernel keeps already
// returned nsfs files working after this; the same handles can be reused.
func (hs *usernsHandles) Release() {
	hs.m.Lock()
	defer hs.m.Unlock()
	for _, proc := range hs.procs {
		_ = proc.Kill()
		_, _ = proc.Wait()
	}
	hs.procs = make(map[string]*os.Process)
}

func spawnUsernsProc(req idMapping) (*os.Process, error) {
	// We need some process, any process, to own a userns with the requested
	// mappings. Cloning ourselves into PTRACE_TRACEME mode gives us one
	// without paying for an execve.
	logrus.Debugf("spawning dummy process for id-mapping %s", req.id())
	uidMappings, gidMappings := req.toSys()
	return os.StartProcess("/proc/self/exe", []string{"mountctl", "--help"}, &os.ProcAttr{
		Sys: &syscall.SysProcAttr{
			Cloneflags:                 unix.CLONE_NEWUSER,
			UidMappings:                uidMappings,
			GidMappings:                gidMappings,
			GidMappingsEnableSetgroups: false,
			Ptrace:                     true,
		},
	})
}

// Get returns an open /proc/<pid>/ns/user with the requested mapping,
// spawning and caching the backing process on first use. The caller owns
// the returned file.
func (hs *usernsHandles) Get(req idMapping) (*os.File, error) {
	hs.m.Lock()
	defer hs.m.Unlock()
	if hs.procs == nil {
		hs.procs = make(map[string]*os.Process)
	}
	proc, ok := hs.procs[req.id()]
	if !ok {
		var err error
		proc, err = spawnUsernsProc(req)
		if err != nil {
			return nil, fmt.Errorf("%w: cannot spawn process for map %s: %v", ErrIdmapSetup, req.id(), err)
		}
		hs.procs[req.id()] = proc
	}
	return os.Open("/proc/" + strconv.Itoa(proc.Pid) + "/ns/user")
}

// parseIDMapSpec parses the X-mount.idmap value: either an nsfs path
// ("/proc/<pid>/ns/user") or one or more "uids=inner:outer:count" /
// "gids=inner:outer:count" groups separated by spaces, with "b:" entries
// mapping both.
func parseIDMapSpec(spec string) (nsPath string, mapping idMapping, err error) {
	if strings.HasPrefix(spec, "/") {
		return spec, mapping, nil
	}
	for _, field := range strings.Fields(spec) {
		both := false
		var dst *[]IDMap
		switch {
		case strings.HasPrefix(field, "uids="):
			field = strings.TrimPrefix(field, "uids=")
			dst = &mapping.UIDMappings
		case strings.HasPrefix(field, "gids="):
			field = strings.TrimPrefix(field, "gids=")
			dst = &mapping.GIDMappings
		case strings.HasPrefix(field, "b:"):
			field = strings.TrimPrefix(field, "b:")
			both = true
		default:
			return "", mapping, fmt.Errorf("%w: bad idmap field %q", ErrIdmapSetup, field)
		}
		var im IDMap
		if _, err := fmt.Sscanf(field, "%d:%d:%d", &im.InnerID, &im.OuterID, &im.Count); err != nil {
			return "", mapping, fmt.Errorf("%w: bad idmap range %q", ErrIdmapSetup, field)
		}
		if both {
			mapping.UIDMappings = append(mapping.UIDMappings, im)
			mapping.GIDMappings = append(mapping.GIDMappings, im)
		} else {
			*dst = append(*dst, im)
		}
	}
	if len(mapping.UIDMappings) == 0 && len(mapping.GIDMappings) == 0 {
		return "", mapping, fmt.Errorf("%w: empty idmap spec", ErrIdmapSetup)
	}
	return "", mapping, nil
}
