package libmount

import (
	"strings"
)

// pseudofs are filesystems with no backing device; their "source" is an
// arbitrary label and must never be canonicalized.
var pseudofs = map[string]struct{}{
	"autofs": {}, "bpf": {}, "cgroup": {}, "cgroup2": {}, "configfs": {},
	"debugfs": {}, "devpts": {}, "devtmpfs": {}, "efivarfs": {}, "fusectl": {},
	"hugetlbfs": {}, "mqueue": {}, "nsfs": {}, "overlay": {}, "proc": {},
	"pstore": {}, "ramfs": {}, "securityfs": {}, "sysfs": {}, "tmpfs": {},
	"tracefs": {},
}

// netfs sources look like host:/path or //server/share, also exempt from
// canonicalization.
var netfs = map[string]struct{}{
	"afs": {}, "ceph": {}, "cifs": {}, "fuse.sshfs": {}, "glusterfs": {},
	"ncpfs": {}, "nfs": {}, "nfs4": {}, "smb3": {}, "smbfs": {}, "virtiofs": {},
}

// IsPseudoFS reports whether fstype names a filesystem without a backing
// device.
func IsPseudoFS(fstype string) bool {
	_, ok := pseudofs[fstype]
	return ok
}

// IsNetFS reports whether fstype names a network filesystem.
func IsNetFS(fstype string) bool {
	if _, ok := netfs[fstype]; ok {
		return true
	}
	// Subtyped FUSE network filesystems ("fuse.sshfs" style).
	base, _, found := strings.Cut(fstype, ".")
	return found && base == "fuse"
}

// MatchFstype matches a concrete filesystem type against a pattern list of
// the fstab "-t" form: comma-separated names, each optionally negated with a
// "no" prefix. An empty pattern matches everything. "nofoo,nobar" means
// anything but foo and bar; "foo,bar" means only foo or bar.
func MatchFstype(fstype, pattern string) bool {
	if pattern == "" {
		return true
	}
	if fstype == "" {
		return false
	}
	neg := false
	for _, pat := range strings.Split(pattern, ",") {
		if rest, ok := strings.CutPrefix(pat, "no"); ok && rest != "" {
			neg = true
			if fstype == rest {
				return false
			}
			continue
		}
		if fstype == pat {
			return true
		}
	}
	// A purely negative pattern accepts whatever it didn't reject.
	return neg
}

// isFstypePattern reports whether the type string is a pattern rather than a
// single concrete type.
func isFstypePattern(fstype string) bool {
	return strings.ContainsRune(fstype, ',') || strings.HasPrefix(fstype, "no")
}
