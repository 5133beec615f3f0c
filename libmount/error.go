package libmount

import (
	"errors"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Error kinds returned by the engine. Callers are expected to classify these
// with errors.Is; the raw errno (if any) travels inside a *MountError.
var (
	// ErrNoFstabMatch means the requested source/target matched nothing in
	// fstab or mountinfo. The reason why nothing matched is deliberately not
	// reported in more detail.
	ErrNoFstabMatch = errors.New("can't find entry in fstab or mountinfo")

	// ErrNoSourceMatch means a LABEL= or UUID= tag did not resolve to any
	// device node.
	ErrNoSourceMatch = errors.New("can't find source device for tag")

	// ErrAmbiguousFS means on-disk probing matched more than one filesystem
	// signature, so no type can be chosen safely.
	ErrAmbiguousFS = errors.New("ambiguous filesystem signature")

	// ErrUnsupportedFS means the filesystem type was detected but is vetoed
	// or unusable (e.g. not in the X-mount.auto-fstypes allow-list).
	ErrUnsupportedFS = errors.New("unsupported filesystem type")

	// ErrNoFstype means probing found no filesystem signature at all.
	ErrNoFstype = errors.New("can't determine filesystem type")

	// ErrNamespaceSwitch means setns failed; it is always fatal to the
	// enclosing operation because continuing would operate on the wrong
	// mount namespace.
	ErrNamespaceSwitch = errors.New("failed to switch mount namespace")

	// ErrIdmapSetup means building or attaching the user namespace for an
	// idmapped mount failed.
	ErrIdmapSetup = errors.New("failed to set up ID-mapping")

	// ErrRestricted means a non-privileged caller asked for something only
	// root may do.
	ErrRestricted = errors.New("operation not permitted for unprivileged user")

	// ErrLocked means the userspace mount table lock could not be taken.
	ErrLocked = errors.New("failed to lock userspace mount table")
)

// MountError holds an error from a failed mount or unmount syscall, keeping
// enough of the arguments around to produce a useful message.
type MountError struct {
	Op     string
	Source string
	Target string
	Fstype string
	Flags  uintptr
	Data   string
	Err    error
}

func (e *MountError) Error() string {
	out := e.Op + " "
	if e.Source != "" {
		out += "src=" + e.Source + ", "
	}
	out += "dst=" + e.Target
	if e.Fstype != "" {
		out += ", fstype=" + e.Fstype
	}
	if e.Flags != 0 {
		out += ", flags=" + stringifyMountFlags(e.Flags)
	}
	if e.Data != "" {
		out += ", data=" + e.Data
	}
	out += ": " + e.Err.Error()
	return out
}

// Unwrap returns the underlying error.
func (e *MountError) Unwrap() error {
	return e.Err
}

// Errno digs the raw errno out of an error chain, or 0 if there is none.
func Errno(err error) unix.Errno {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return 0
}

// int32plus is a collection of int types with >=32 bits.
type int32plus interface {
	int | uint | int32 | uint32 | int64 | uint64 | uintptr
}

// stringifyMountFlags converts mount(2) flags to a string that you can use in
// error messages.
func stringifyMountFlags[Int int32plus](flags Int) string {
	flagNames := []struct {
		name string
		bits Int
	}{
		{"MS_RDONLY", unix.MS_RDONLY},
		{"MS_NOSUID", unix.MS_NOSUID},
		{"MS_NODEV", unix.MS_NODEV},
		{"MS_NOEXEC", unix.MS_NOEXEC},
		{"MS_SYNCHRONOUS", unix.MS_SYNCHRONOUS},
		{"MS_REMOUNT", unix.MS_REMOUNT},
		{"MS_MANDLOCK", unix.MS_MANDLOCK},
		{"MS_DIRSYNC", unix.MS_DIRSYNC},
		{"MS_NOSYMFOLLOW", unix.MS_NOSYMFOLLOW},
		// No (1 << 9) flag.
		{"MS_NOATIME", unix.MS_NOATIME},
		{"MS_NODIRATIME", unix.MS_NODIRATIME},
		{"MS_BIND", unix.MS_BIND},
		{"MS_MOVE", unix.MS_MOVE},
		{"MS_REC", unix.MS_REC},
		// MS_VERBOSE was deprecated and swapped to MS_SILENT.
		{"MS_SILENT", unix.MS_SILENT},
		{"MS_POSIXACL", unix.MS_POSIXACL},
		{"MS_UNBINDABLE", unix.MS_UNBINDABLE},
		{"MS_PRIVATE", unix.MS_PRIVATE},
		{"MS_SLAVE", unix.MS_SLAVE},
		{"MS_SHARED", unix.MS_SHARED},
		{"MS_RELATIME", unix.MS_RELATIME},
		// MS_KERNMOUNT (1 << 22) is internal to the kernel.
		{"MS_I_VERSION", unix.MS_I_VERSION},
		{"MS_STRICTATIME", unix.MS_STRICTATIME},
		{"MS_LAZYTIME", unix.MS_LAZYTIME},
	}
	var (
		flagSet  []string
		seenBits Int
	)
	for _, flag := range flagNames {
		if flags&flag.bits == flag.bits {
			seenBits |= flag.bits
			flagSet = append(flagSet, flag.name)
		}
	}
	// If there were any remaining flags specified we don't know the name of,
	// just add them in an 0x... format.
	if remaining := flags &^ seenBits; remaining != 0 {
		flagSet = append(flagSet, "0x"+strconv.FormatUint(uint64(remaining), 16))
	}
	return strings.Join(flagSet, "|")
}
