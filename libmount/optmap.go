package libmount

import (
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// OptMap describes one option namespace: a fixed table of known option names
// and the flag bits they set (or clear). The engine ships two built-in maps,
// the kernel VFS map (rendering to MS_* bits for mount(2)) and the userspace
// map (options that never reach the kernel and live in utab only).
type OptMap struct {
	// Name identifies the map in debug output.
	Name string

	// IsLinux is true for the kernel VFS map; its IDs are MS_* bits.
	IsLinux bool

	// Entries is scanned in order; more specific names must come before
	// prefix entries like "X-*".
	Entries []OptMapEntry
}

// OptMapEntry is one known option name within a map.
//
// Name syntax follows fstab conventions: a trailing "=" means the option
// requires a value ("loop="), "[=]" means the value is optional ("user[=]"),
// and a trailing "*" makes the entry a prefix match ("x-*").
type OptMapEntry struct {
	Name   string
	ID     uint64
	Invert bool // option clears ID bits instead of setting them
	Flags  uint // entry behavior flags (entryNoMtab etc.)
}

// Entry behavior flags.
const (
	// entryNoMtab keeps the option out of utab rendering.
	entryNoMtab uint = 1 << iota
	// entryNoHelper keeps the option off external helper command lines.
	entryNoHelper
)

// Userspace option IDs. These exist only inside the engine and utab; the
// kernel never sees them.
const (
	UserOptNoAuto uint64 = 1 << iota
	UserOptNoFail
	UserOptUser
	UserOptUsers
	UserOptOwner
	UserOptGroup
	UserOptNetdev
	UserOptLoop
	UserOptOffset
	UserOptSizeLimit
	UserOptEncryption
	UserOptHelper
	UserOptUhelper
	UserOptComment
	UserOptXComment
	UserOptXParam
	UserOptXMkdir
	UserOptXIdmap
	UserOptXSubdir
	UserOptXOwner
	UserOptXGroup
	UserOptXMode
	UserOptXAutoFstypes
	UserOptXFdBased
)

// Propagation bits within the VFS map.
const propagationMask = unix.MS_SHARED | unix.MS_SLAVE | unix.MS_PRIVATE | unix.MS_UNBINDABLE

var (
	initMapsOnce sync.Once
	linuxMap     *OptMap
	userspaceMap *OptMap

	// attrMapping translates classic MS_* bits to MOUNT_ATTR_* bits for
	// mount_setattr(2). Resettable says whether a legacy remount clears the
	// attribute when it is not re-specified.
	attrMapping []struct {
		ms         uint64
		attr       uint64
		resettable bool
	}
)

func initMaps() {
	initMapsOnce.Do(func() {
		linuxMap = &OptMap{
			Name:    "linux",
			IsLinux: true,
			Entries: []OptMapEntry{
				{Name: "ro", ID: unix.MS_RDONLY},
				{Name: "rw", ID: unix.MS_RDONLY, Invert: true},
				{Name: "suid", ID: unix.MS_NOSUID, Invert: true},
				{Name: "nosuid", ID: unix.MS_NOSUID},
				{Name: "dev", ID: unix.MS_NODEV, Invert: true},
				{Name: "nodev", ID: unix.MS_NODEV},
				{Name: "exec", ID: unix.MS_NOEXEC, Invert: true},
				{Name: "noexec", ID: unix.MS_NOEXEC},
				{Name: "sync", ID: unix.MS_SYNCHRONOUS},
				{Name: "async", ID: unix.MS_SYNCHRONOUS, Invert: true},
				{Name: "dirsync", ID: unix.MS_DIRSYNC},
				{Name: "remount", ID: unix.MS_REMOUNT, Flags: entryNoMtab},
				{Name: "bind", ID: unix.MS_BIND},
				{Name: "rbind", ID: unix.MS_BIND | unix.MS_REC},
				{Name: "mand", ID: unix.MS_MANDLOCK},
				{Name: "nomand", ID: unix.MS_MANDLOCK, Invert: true},
				{Name: "atime", ID: unix.MS_NOATIME, Invert: true},
				{Name: "noatime", ID: unix.MS_NOATIME},
				{Name: "diratime", ID: unix.MS_NODIRATIME, Invert: true},
				{Name: "nodiratime", ID: unix.MS_NODIRATIME},
				{Name: "relatime", ID: unix.MS_RELATIME},
				{Name: "norelatime", ID: unix.MS_RELATIME, Invert: true},
				{Name: "strictatime", ID: unix.MS_STRICTATIME},
				{Name: "nostrictatime", ID: unix.MS_STRICTATIME, Invert: true},
				{Name: "lazytime", ID: unix.MS_LAZYTIME},
				{Name: "nolazytime", ID: unix.MS_LAZYTIME, Invert: true},
				{Name: "symfollow", ID: unix.MS_NOSYMFOLLOW, Invert: true}, // since kernel 5.10
				{Name: "nosymfollow", ID: unix.MS_NOSYMFOLLOW},
				{Name: "iversion", ID: unix.MS_I_VERSION},
				{Name: "noiversion", ID: unix.MS_I_VERSION, Invert: true},
				{Name: "silent", ID: unix.MS_SILENT},
				{Name: "loud", ID: unix.MS_SILENT, Invert: true},
				{Name: "move", ID: unix.MS_MOVE, Flags: entryNoMtab},
				{Name: "defaults", ID: 0},
				// Propagation. These are kernel flags but mount(2) refuses
				// them combined with anything else, so they are kept out of
				// utab and helper command lines.
				{Name: "shared", ID: unix.MS_SHARED, Flags: entryNoMtab | entryNoHelper},
				{Name: "rshared", ID: unix.MS_SHARED | unix.MS_REC, Flags: entryNoMtab | entryNoHelper},
				{Name: "slave", ID: unix.MS_SLAVE, Flags: entryNoMtab | entryNoHelper},
				{Name: "rslave", ID: unix.MS_SLAVE | unix.MS_REC, Flags: entryNoMtab | entryNoHelper},
				{Name: "private", ID: unix.MS_PRIVATE, Flags: entryNoMtab | entryNoHelper},
				{Name: "rprivate", ID: unix.MS_PRIVATE | unix.MS_REC, Flags: entryNoMtab | entryNoHelper},
				{Name: "unbindable", ID: unix.MS_UNBINDABLE, Flags: entryNoMtab | entryNoHelper},
				{Name: "runbindable", ID: unix.MS_UNBINDABLE | unix.MS_REC, Flags: entryNoMtab | entryNoHelper},
			},
		}

		userspaceMap = &OptMap{
			Name: "userspace",
			Entries: []OptMapEntry{
				{Name: "auto", ID: UserOptNoAuto, Invert: true, Flags: entryNoHelper},
				{Name: "noauto", ID: UserOptNoAuto, Flags: entryNoHelper},
				{Name: "user[=]", ID: UserOptUser},
				{Name: "nouser", ID: UserOptUser, Invert: true, Flags: entryNoHelper},
				{Name: "users", ID: UserOptUsers, Flags: entryNoHelper},
				{Name: "nousers", ID: UserOptUsers, Invert: true, Flags: entryNoHelper},
				{Name: "owner", ID: UserOptOwner, Flags: entryNoHelper},
				{Name: "noowner", ID: UserOptOwner, Invert: true, Flags: entryNoHelper},
				{Name: "group", ID: UserOptGroup, Flags: entryNoHelper},
				{Name: "nogroup", ID: UserOptGroup, Invert: true, Flags: entryNoHelper},
				{Name: "_netdev", ID: UserOptNetdev},
				{Name: "nofail", ID: UserOptNoFail, Flags: entryNoHelper},
				{Name: "loop[=]", ID: UserOptLoop},
				{Name: "offset=", ID: UserOptOffset, Flags: entryNoHelper},
				{Name: "sizelimit=", ID: UserOptSizeLimit, Flags: entryNoHelper},
				{Name: "encryption=", ID: UserOptEncryption, Flags: entryNoHelper},
				{Name: "helper=", ID: UserOptHelper, Flags: entryNoHelper},
				{Name: "uhelper=", ID: UserOptUhelper, Flags: entryNoHelper},
				{Name: "comment=", ID: UserOptComment, Flags: entryNoMtab | entryNoHelper},
				// Hook-consumed options. Specific names must precede the
				// generic X-*/x-* prefix entries.
				{Name: "X-mount.mkdir[=]", ID: UserOptXMkdir, Flags: entryNoHelper},
				{Name: "X-mount.idmap=", ID: UserOptXIdmap, Flags: entryNoHelper},
				{Name: "X-mount.subdir=", ID: UserOptXSubdir, Flags: entryNoHelper},
				{Name: "X-mount.owner=", ID: UserOptXOwner, Flags: entryNoHelper},
				{Name: "X-mount.group=", ID: UserOptXGroup, Flags: entryNoHelper},
				{Name: "X-mount.mode=", ID: UserOptXMode, Flags: entryNoHelper},
				{Name: "X-mount.auto-fstypes=", ID: UserOptXAutoFstypes, Flags: entryNoHelper},
				{Name: "X-mount.fd-based[=]", ID: UserOptXFdBased, Flags: entryNoHelper},
				{Name: "x-*", ID: UserOptXComment, Flags: entryNoHelper},
				{Name: "X-*", ID: UserOptXParam, Flags: entryNoMtab | entryNoHelper},
			},
		}

		attrMapping = []struct {
			ms         uint64
			attr       uint64
			resettable bool
		}{
			{unix.MS_RDONLY, unix.MOUNT_ATTR_RDONLY, true},
			{unix.MS_NOSUID, unix.MOUNT_ATTR_NOSUID, true},
			{unix.MS_NODEV, unix.MOUNT_ATTR_NODEV, true},
			{unix.MS_NOEXEC, unix.MOUNT_ATTR_NOEXEC, true},
			{unix.MS_NOSYMFOLLOW, unix.MOUNT_ATTR_NOSYMFOLLOW, true},
			{unix.MS_NODIRATIME, unix.MOUNT_ATTR_NODIRATIME, false},
			{unix.MS_NOATIME, unix.MOUNT_ATTR_NOATIME, false},
			{unix.MS_RELATIME, unix.MOUNT_ATTR_RELATIME, false},
			{unix.MS_STRICTATIME, unix.MOUNT_ATTR_STRICTATIME, false},
		}
	})
}

// LinuxMap returns the kernel VFS option map.
func LinuxMap() *OptMap {
	initMaps()
	return linuxMap
}

// UserspaceMap returns the userspace-only option map.
func UserspaceMap() *OptMap {
	initMaps()
	return userspaceMap
}

// entryName splits an entry name into its base name and value mode.
func entryName(e *OptMapEntry) (base string, valOptional, valRequired, prefix bool) {
	base = e.Name
	switch {
	case strings.HasSuffix(base, "[=]"):
		base = strings.TrimSuffix(base, "[=]")
		valOptional = true
	case strings.HasSuffix(base, "="):
		base = strings.TrimSuffix(base, "=")
		valRequired = true
	case strings.HasSuffix(base, "*"):
		base = strings.TrimSuffix(base, "*")
		prefix = true
	}
	return base, valOptional, valRequired, prefix
}

// Find looks up the entry matching an option called name, which did or did
// not come with a value. Entries are scanned in table order so specific
// names shadow prefix entries. Returns nil if the map doesn't know the name.
func (m *OptMap) Find(name string, hasValue bool) *OptMapEntry {
	for i := range m.Entries {
		e := &m.Entries[i]
		base, valOptional, valRequired, prefix := entryName(e)
		if prefix {
			if strings.HasPrefix(name, base) {
				return e
			}
			continue
		}
		if name != base {
			continue
		}
		if hasValue && !(valOptional || valRequired) {
			continue
		}
		if !hasValue && valRequired {
			continue
		}
		return e
	}
	return nil
}

// FindID returns the first non-inverted entry whose ID bits are all within
// id, preferring exact matches. Used when expanding a flag bitmask back to
// named options.
func (m *OptMap) FindID(id uint64) *OptMapEntry {
	for i := range m.Entries {
		e := &m.Entries[i]
		if e.Invert || e.ID == 0 {
			continue
		}
		if e.ID == id {
			return e
		}
	}
	for i := range m.Entries {
		e := &m.Entries[i]
		if e.Invert || e.ID == 0 {
			continue
		}
		if e.ID&id == e.ID {
			return e
		}
	}
	return nil
}
