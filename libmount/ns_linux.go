package libmount

import (
	"fmt"
	"os"
	"runtime"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/mountctl/mountctl/internal/linux"
)

// Namespace wraps an open mount-namespace file descriptor plus the
// path-resolution cache valid inside that namespace. A Namespace with a nil
// file is unconfigured; switching to it is a no-op.
type Namespace struct {
	file  *os.File
	cache *Cache
}

// IsConfigured reports whether the handle refers to an actual namespace fd.
func (ns *Namespace) IsConfigured() bool {
	return ns != nil && ns.file != nil
}

// Fd returns the namespace file descriptor, or -1.
func (ns *Namespace) Fd() int {
	if !ns.IsConfigured() {
		return -1
	}
	return int(ns.file.Fd())
}

// Cache returns the handle's resolution cache, allocating it on first use.
func (ns *Namespace) Cache() *Cache {
	if ns.cache == nil {
		ns.cache = NewCache()
	}
	return ns.cache
}

func (ns *Namespace) close() {
	if ns.file != nil {
		_ = ns.file.Close()
		ns.file = nil
	}
	ns.cache = nil
}

// SetTargetNamespace points the context's target namespace at an nsfs path
// such as /proc/<pid>/ns/mnt. The original namespace is captured at the same
// time so every later switch can be undone.
func (cxt *Context) SetTargetNamespace(path string) error {
	f, err := os.OpenFile(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return err
	}
	return cxt.setTargetNamespaceFile(f)
}

// SetTargetNamespaceFd is SetTargetNamespace for an already-open descriptor.
// The context takes ownership of the fd.
func (cxt *Context) SetTargetNamespaceFd(fd int) error {
	return cxt.setTargetNamespaceFile(os.NewFile(uintptr(fd), fmt.Sprintf("nsfd-%d", fd)))
}

func (cxt *Context) setTargetNamespaceFile(f *os.File) error {
	orig, err := os.OpenFile("/proc/self/ns/mnt", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		_ = f.Close()
		return err
	}
	cxt.nsTarget.close()
	cxt.nsOriginal.close()
	cxt.nsTarget.file = f
	cxt.nsOriginal.file = orig
	// The caller's current cache belongs to the original namespace.
	cxt.nsOriginal.cache = cxt.cache
	cxt.cache = nil
	return nil
}

// switchNamespace moves the calling thread into to's namespace and returns
// the handle that was current. Unconfigured handles are a no-op. On success
// the context's current cache is handed over to the new namespace's handle.
func (cxt *Context) switchNamespace(to *Namespace) (*Namespace, error) {
	old := cxt.nsCurrent
	if old == nil {
		old = &cxt.nsOriginal
	}
	if !to.IsConfigured() || to == old {
		return old, nil
	}
	if err := linux.Setns(to.Fd(), unix.CLONE_NEWNS); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNamespaceSwitch, err)
	}
	// Transfer cache ownership: whatever we resolved so far belongs to the
	// namespace we are leaving.
	old.cache = cxt.cache
	cxt.cache = to.cache
	to.cache = nil
	cxt.nsCurrent = to
	logrus.Debugf("switched to mount namespace fd %d", to.Fd())
	return old, nil
}

// enterTargetNamespace switches the calling thread into the target namespace
// and returns a restore function that must run on every exit path, early
// error returns included. The thread stays locked to the goroutine for the
// whole bracket because the namespace is per-thread state.
//
// When no target namespace is configured the restore function is a no-op and
// no locking happens.
func (cxt *Context) enterTargetNamespace() (restore func(), err error) {
	if !cxt.nsTarget.IsConfigured() {
		return func() {}, nil
	}
	runtime.LockOSThread()
	old, err := cxt.switchNamespace(&cxt.nsTarget)
	if err != nil {
		runtime.UnlockOSThread()
		return nil, err
	}
	return func() {
		if _, err := cxt.switchNamespace(old); err != nil {
			// Restoring the original namespace failed; the thread is
			// poisoned and must not be reused by other goroutines, so the
			// LockOSThread is deliberately leaked.
			logrus.Errorf("cannot restore original mount namespace: %v", err)
			return
		}
		runtime.UnlockOSThread()
	}, nil
}
