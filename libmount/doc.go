// Package libmount is a mount orchestration engine: it resolves mount and
// umount requests against fstab and mountinfo, normalizes and merges mount
// options from flag and string sources, runs a pluggable hook pipeline for
// optional behaviors (mkdir, ownership, idmapped mounts, subdir binds),
// issues the mount-family syscalls or delegates to /sbin/mount.<type>
// helpers, and persists userspace-only state to utab under a cooperative
// lock. Operations can be pointed at a foreign mount namespace; the engine
// switches the calling thread in and out around every namespace-sensitive
// step.
package libmount
