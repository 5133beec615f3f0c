package libmount

import (
	"fmt"
	"os"
	"strconv"
	"syscall"

	units "github.com/docker/go-units"
	"github.com/moby/sys/userns"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/mountctl/mountctl/internal/utils"
)

// Action says which operation the context drives.
type Action int

const (
	ActionNone Action = iota
	ActionMount
	ActionUmount
)

// Flags are the context's independent boolean mode switches.
type Flags uint32

const (
	// FlagNoMtab suppresses the utab update.
	FlagNoMtab Flags = 1 << iota
	// FlagFake goes through the whole pipeline without issuing the final
	// syscall or helper.
	FlagFake
	// FlagSloppy is forwarded to helpers (-s).
	FlagSloppy
	// FlagVerbose enables chatty diagnostics.
	FlagVerbose
	// FlagNoHelpers disables /sbin/mount.<type> lookup.
	FlagNoHelpers
	// FlagLazy detaches on umount (MNT_DETACH).
	FlagLazy
	// FlagForce forces umount (MNT_FORCE) and fstab lookup on mount.
	FlagForce
	// FlagNoCanonicalize leaves paths exactly as given.
	FlagNoCanonicalize
	// FlagRdonlyUmount falls back to a read-only remount when umount fails.
	FlagRdonlyUmount
	// FlagRwonlyMount refuses to silently degrade a rw mount to ro.
	FlagRwonlyMount
	// FlagFork lets bulk-mount callers run each operation in a child
	// process the context tracks and reaps.
	FlagFork
	// FlagFdBased prefers the fsopen/fsmount API over classic mount(2).
	FlagFdBased
)

// resettableFlags are cleared by Reset; everything else is sticky
// configuration that survives a soft reset, the restricted bit above all.
const resettableFlags = FlagFake | FlagForce | FlagLazy | FlagRdonlyUmount | FlagFdBased

// OptsMode controls how fstab/mountinfo options are merged into the
// context's own option list.
type OptsMode int

const (
	// OptsModeIgnore never merges table options.
	OptsModeIgnore OptsMode = 1 << iota
	// OptsModeAppend merges them after the caller's options.
	OptsModeAppend
	// OptsModePrepend merges them before the caller's options.
	OptsModePrepend
	// OptsModeReplace discards the caller's string options first.
	OptsModeReplace
	// OptsModeForce merges even when the caller supplied options.
	OptsModeForce
	// OptsModeFstab allows consulting fstab.
	OptsModeFstab
	// OptsModeMtab allows consulting mountinfo.
	OptsModeMtab
	// OptsModeNotab disables table lookup entirely.
	OptsModeNotab
)

// OptsModeAuto is the default policy: fstab options are prepended, so
// whatever the caller said still wins after Merge.
const OptsModeAuto = OptsModePrepend | OptsModeFstab | OptsModeMtab

// OptsModeUser is forced upon restricted (non-root) contexts: table options
// unconditionally replace the caller's. This is a security invariant, not a
// default.
const OptsModeUser = OptsModeReplace | OptsModeForce | OptsModeFstab | OptsModeMtab

// syscallNotCalled is the sentinel status meaning no syscall was attempted
// yet. 0 means success, negative values carry -errno.
const syscallNotCalled = 1

// Context is the mutable descriptor of one mount or umount operation. It is
// not safe for concurrent use.
type Context struct {
	action Action

	fs            Fs     // the operation's own source/target/fstype/root
	fstypePattern string // set when the "type" is a pattern, not a type
	mountData     string // filesystem-specific data for mount(2)

	optlist  *OptionList
	template *OptionList
	optsmode OptsMode
	flags    Flags

	restricted bool

	fstab     *Table
	fstabPath string
	mtab      *Table
	utabPath  string

	cache      *Cache
	nsOriginal Namespace
	nsTarget   Namespace
	nsCurrent  *Namespace

	syscallStatus int
	helper        string
	helperExec    bool
	helperStatus  int

	hooks     []*hook
	hookDatas map[*Hookset]any
	firstDone map[*Hookset]bool
	curStage  Stage

	update *Update
	lock   *Lock

	// Staged by fd-based hooks (idmap): a pre-opened mount source the
	// driver installs with move_mount instead of classic mount(2).
	mountSrc  *mountSource
	mountDone bool

	children []*os.Process
	msgs     []string
}

// New returns a fresh context. The restricted bit is derived from the
// effective UID once and never changes for the context's lifetime.
func New() *Context {
	cxt := &Context{
		optsmode:      OptsModeAuto,
		syscallStatus: syscallNotCalled,
		restricted:    os.Geteuid() != 0,
	}
	if cxt.restricted {
		logrus.Debugf("restricted context (euid=%d, userns=%v)",
			os.Geteuid(), userns.RunningInUserNS())
	}
	return cxt
}

// Restricted reports whether the context belongs to a non-privileged caller.
func (cxt *Context) Restricted() bool { return cxt.restricted }

// Reset returns the context to its fresh state so it can drive another
// operation ("mount all" iterates this way). Sticky flags, the options
// mode, table caches, namespaces and the saved option template survive;
// everything operation-specific is released.
func (cxt *Context) Reset() {
	cxt.deinitHooks()
	cxt.fs = Fs{}
	cxt.fstypePattern = ""
	cxt.mountData = ""
	cxt.action = ActionNone
	cxt.syscallStatus = syscallNotCalled
	cxt.helper = ""
	cxt.helperExec = false
	cxt.helperStatus = 0
	cxt.update = nil
	cxt.mountSrc.Close()
	cxt.mountSrc = nil
	cxt.mountDone = false
	cxt.msgs = nil
	cxt.flags &^= resettableFlags
	cxt.optlist = nil
	if cxt.template != nil {
		cxt.optlist = cxt.template.Clone()
	}
}

// Close releases everything the context owns: option list, tables,
// namespace fds, lock and pending update, in that order.
func (cxt *Context) Close() {
	cxt.deinitHooks()
	cxt.mountSrc.Close()
	cxt.mountSrc = nil
	cxt.optlist = nil
	cxt.template = nil
	cxt.fstab = nil
	cxt.mtab = nil
	cxt.nsTarget.close()
	cxt.nsOriginal.close()
	cxt.nsCurrent = nil
	if cxt.lock != nil {
		cxt.lock.Unlock()
		cxt.lock = nil
	}
	cxt.update = nil
}

// OptList returns the context's option list, creating it lazily.
func (cxt *Context) OptList() *OptionList {
	if cxt.optlist == nil {
		if cxt.template != nil {
			cxt.optlist = cxt.template.Clone()
		} else {
			cxt.optlist = NewOptionList()
		}
	}
	return cxt.optlist
}

// SetOptsTemplate snapshots list as the template Reset re-applies. Pass nil
// to drop it.
func (cxt *Context) SetOptsTemplate(list *OptionList) {
	if list == nil {
		cxt.template = nil
		return
	}
	cxt.template = list.Clone()
}

// Configuration setters.

func (cxt *Context) SetAction(a Action)  { cxt.action = a }
func (cxt *Context) Action() Action      { return cxt.action }
func (cxt *Context) SetSource(s string)  { cxt.fs.Source = s }
func (cxt *Context) Source() string      { return cxt.fs.Source }
func (cxt *Context) SetTarget(t string)  { cxt.fs.Target = utils.CleanPath(t) }
func (cxt *Context) Target() string      { return cxt.fs.Target }
func (cxt *Context) Fstype() string      { return cxt.fs.Fstype }
func (cxt *Context) MountData() string   { return cxt.mountData }
func (cxt *Context) SetMountData(d string) { cxt.mountData = d }

// SetFstype accepts either a concrete type or a pattern ("ext4,ext3",
// "nonfs"). Patterns select table rows and helpers but never reach the
// kernel.
func (cxt *Context) SetFstype(fstype string) {
	if isFstypePattern(fstype) {
		cxt.fstypePattern = fstype
		cxt.fs.Fstype = ""
		return
	}
	cxt.fstypePattern = ""
	cxt.fs.Fstype = fstype
}

// SetOptions installs the caller's option string, replacing any previous
// string-sourced options.
func (cxt *Context) SetOptions(optstr string) error {
	return cxt.OptList().SetString(optstr, nil)
}

// AppendOptions adds to the caller's option string.
func (cxt *Context) AppendOptions(optstr string) error {
	return cxt.OptList().AppendString(optstr, nil)
}

// SetMountFlags installs MS_* flags, replacing previous flag-sourced
// options.
func (cxt *Context) SetMountFlags(flags uint64) error {
	return cxt.OptList().SetFlags(flags, LinuxMap())
}

// MountFlags renders the current VFS flags.
func (cxt *Context) MountFlags() uint64 {
	return cxt.OptList().GetFlags(LinuxMap(), FilterDefault)
}

func (cxt *Context) SetFlag(f Flags)      { cxt.flags |= f }
func (cxt *Context) ClearFlag(f Flags)    { cxt.flags &^= f }
func (cxt *Context) HasFlag(f Flags) bool { return cxt.flags&f != 0 }

// SetOptsMode overrides the table-option merge policy. Restricted contexts
// are forced back to OptsModeUser no matter what was asked for.
func (cxt *Context) SetOptsMode(mode OptsMode) {
	cxt.optsmode = mode
}

// OptsMode returns the effective merge policy.
func (cxt *Context) OptsMode() OptsMode {
	if cxt.restricted {
		return OptsModeUser
	}
	if cxt.optsmode == 0 {
		return OptsModeAuto
	}
	return cxt.optsmode
}

// SetUtabPath overrides the userspace table location, mainly for tests.
func (cxt *Context) SetUtabPath(path string) {
	cxt.utabPath = path
}

// SetFstabPath overrides /etc/fstab, mainly for tests.
func (cxt *Context) SetFstabPath(path string) {
	cxt.fstabPath = path
	cxt.fstab = nil
}

// SetFstab injects a pre-built fstab table.
func (cxt *Context) SetFstab(t *Table) { cxt.fstab = t }

// SetMtab injects a pre-built mountinfo table.
func (cxt *Context) SetMtab(t *Table) { cxt.mtab = t }

// Fstab returns the fstab table, parsing it lazily on first access.
func (cxt *Context) Fstab() (*Table, error) {
	if cxt.fstab == nil {
		t, err := ParseFstab(cxt.fstabPath)
		if err != nil {
			return nil, err
		}
		cxt.fstab = t
	}
	return cxt.fstab, nil
}

// Mtab returns the mountinfo table for the current namespace, parsed lazily.
func (cxt *Context) Mtab() (*Table, error) {
	if cxt.mtab == nil {
		t, err := ParseMountinfo()
		if err != nil {
			return nil, err
		}
		cxt.mtab = t
	}
	return cxt.mtab, nil
}

// Cache returns the canonicalization cache for the current namespace.
func (cxt *Context) Cache() *Cache {
	if cxt.cache == nil {
		cxt.cache = NewCache()
	}
	return cxt.cache
}

// Status handling. syscallStatus starts at the "not called" sentinel;
// comparing against it is load-bearing all over the update path.

// setSyscallStatus records the outcome of the mount/umount syscall.
func (cxt *Context) setSyscallStatus(err error) {
	if err == nil {
		cxt.syscallStatus = 0
		return
	}
	if errno := Errno(err); errno != 0 {
		cxt.syscallStatus = -int(errno)
		return
	}
	cxt.syscallStatus = -int(unix.EINVAL)
}

// SyscallCalled reports whether the direct syscall path ran at all.
func (cxt *Context) SyscallCalled() bool {
	return cxt.syscallStatus != syscallNotCalled
}

// SyscallErrno returns the errno of a failed syscall, or 0.
func (cxt *Context) SyscallErrno() unix.Errno {
	if cxt.syscallStatus >= 0 {
		return 0
	}
	return unix.Errno(-cxt.syscallStatus)
}

// HelperExecuted reports whether an external helper ran instead of the
// direct syscall.
func (cxt *Context) HelperExecuted() bool { return cxt.helperExec }

// HelperStatus returns the helper's raw exit status; meaningful only when
// HelperExecuted.
func (cxt *Context) HelperStatus() int { return cxt.helperStatus }

// Succeeded reports whether the operation's mount/umount step worked,
// whichever path performed it.
func (cxt *Context) Succeeded() bool {
	if cxt.helperExec {
		return cxt.helperStatus == 0
	}
	return cxt.syscallStatus == 0
}

// AppendMessage collects a diagnostic line for the caller to print. The list
// is independent of error codes; multi-line failures (ID-mapping, helper
// output) accumulate here.
func (cxt *Context) AppendMessage(msg string) {
	cxt.msgs = append(cxt.msgs, msg)
}

// Messages returns the accumulated diagnostics.
func (cxt *Context) Messages() []string { return cxt.msgs }

// PropagationOnly reports whether the operation changes mount propagation
// and nothing else: a mount action with no data, no fstype, no real source,
// whose options are exclusively propagation flags (silent and rec
// allowed). Such operations never touch utab.
func (cxt *Context) PropagationOnly() bool {
	if cxt.action != ActionMount || cxt.mountData != "" {
		return false
	}
	if cxt.fs.Fstype != "" && cxt.fs.Fstype != "none" {
		return false
	}
	if cxt.fs.Source != "" && cxt.fs.Source != "none" {
		return false
	}
	l := cxt.OptList()
	if l.PropagationFlags() == 0 {
		return false
	}
	const allowed = uint64(unix.MS_SILENT | unix.MS_REC)
	for _, o := range l.Opts() {
		if o.Entry == nil || o.Map == nil || !o.Map.IsLinux {
			return false
		}
		id := o.Entry.ID &^ allowed
		if id != 0 && id&propagationMask != id {
			return false
		}
	}
	return true
}

// ApplyFstab fills in the missing half of the source/target pair from fstab
// or, for remount/umount, from mountinfo. Fstab is scanned forward (first
// match wins, as the administrator wrote it); mountinfo backward (the most
// recently mounted wins).
func (cxt *Context) ApplyFstab() error {
	mode := cxt.OptsMode()
	if mode&OptsModeNotab != 0 {
		return nil
	}
	// Nothing to resolve, and nobody forcing a lookup.
	if cxt.fs.Source != "" && cxt.fs.Target != "" && mode&OptsModeForce == 0 {
		return nil
	}

	wantMtab := cxt.action == ActionUmount || cxt.OptList().IsRemount()

	var row *Fs
	if mode&OptsModeFstab != 0 {
		t, err := cxt.Fstab()
		if err != nil {
			if !os.IsNotExist(err) {
				return err
			}
		} else {
			row = cxt.lookupRow(t, IterForward)
		}
	}
	if row == nil && wantMtab && mode&OptsModeMtab != 0 {
		t, err := cxt.Mtab()
		if err != nil {
			return err
		}
		row = cxt.lookupRow(t, IterBackward)
	}
	if row == nil {
		// A non-privileged remount by target only is best-effort: the kernel
		// will reject it if it's not allowed, no need to fail early here.
		if cxt.restricted && cxt.OptList().IsRemount() &&
			cxt.fs.Source == "" && cxt.fs.Target != "" {
			logrus.Debugf("no table entry for remount of %s; continuing", cxt.fs.Target)
			return nil
		}
		return fmt.Errorf("%w: %s", ErrNoFstabMatch, cxt.describeTarget())
	}
	return cxt.ApplyFS(row)
}

func (cxt *Context) describeTarget() string {
	switch {
	case cxt.fs.Source != "" && cxt.fs.Target != "":
		return cxt.fs.Source + " on " + cxt.fs.Target
	case cxt.fs.Source != "":
		return cxt.fs.Source
	default:
		return cxt.fs.Target
	}
}

func (cxt *Context) lookupRow(t *Table, dir Direction) *Fs {
	var row *Fs
	switch {
	case cxt.fs.Source != "" && cxt.fs.Target != "":
		row = t.FindPair(cxt.fs.Source, cxt.fs.Target, dir)
	case cxt.fs.Source != "":
		row = t.FindSource(cxt.fs.Source, dir)
	case cxt.fs.Target != "":
		row = t.FindTarget(cxt.fs.Target, dir)
	}
	if row != nil && cxt.fstypePattern != "" && !MatchFstype(row.Fstype, cxt.fstypePattern) {
		return nil
	}
	return row
}

// ApplyFS copies a resolved table row into the context and merges the row's
// options per the effective OptsMode. For restricted callers the mode is
// always OptsModeUser; the single concession is that an explicitly requested
// read-only mount keeps its "ro" even though REPLACE just threw it away.
func (cxt *Context) ApplyFS(fs *Fs) error {
	if cxt.fs.Source == "" {
		cxt.fs.Source = fs.Source
	}
	if cxt.fs.Target == "" {
		cxt.fs.Target = fs.Target
	}
	if cxt.fs.Fstype == "" && fs.Fstype != "" {
		cxt.fs.Fstype = fs.Fstype
	}
	cxt.fs.Root = fs.Root
	cxt.fs.ID = fs.ID

	mode := cxt.OptsMode()
	if mode&OptsModeIgnore != 0 || fs.Options == "" {
		return nil
	}
	l := cxt.OptList()
	if mode&OptsModeForce == 0 && l.Len() > 0 && mode&OptsModeReplace != 0 {
		// Replace without force only applies to an empty list.
		return nil
	}

	wantRdonly := l.IsRdonly()
	var err error
	switch {
	case mode&OptsModeReplace != 0:
		err = l.SetString(fs.Options, nil)
		if err == nil && cxt.restricted && wantRdonly {
			err = l.AppendString("ro", LinuxMap())
		}
	case mode&OptsModePrepend != 0:
		err = l.PrependString(fs.Options, nil)
	case mode&OptsModeAppend != 0:
		err = l.AppendString(fs.Options, nil)
	}
	return err
}

// MergeOptions collapses the option list into its canonical post-merge
// form. Called exactly once per operation, before any syscall.
func (cxt *Context) MergeOptions() {
	l := cxt.OptList()
	if !l.IsMerged() {
		l.Merge()
	}
}

// PrepareSource resolves the source spec: LABEL/UUID tags through the
// namespace's cache, plain device paths through canonicalization.
// Pseudo-filesystem labels, network sources and quasi-paths (no leading
// slash, e.g. ZFS datasets) pass through untouched.
func (cxt *Context) PrepareSource() error {
	if err := cxt.callHooks(StagePrepSource); err != nil {
		return err
	}
	src := cxt.fs.Source
	if src == "" || src == "none" {
		return nil
	}
	if cxt.OptList().IsRemount() && cxt.restricted {
		return nil
	}
	if name, value, ok := ParseTag(src); ok {
		path, err := cxt.Cache().ResolveTag(name, value)
		if err != nil {
			return err
		}
		logrus.Debugf("resolved %s=%s to %s", name, value, path)
		cxt.fs.Source = path
		return nil
	}
	if IsPseudoFS(cxt.fs.Fstype) || IsNetFS(cxt.fs.Fstype) {
		return nil
	}
	if cxt.HasFlag(FlagNoCanonicalize) || !os.IsPathSeparator(src[0]) {
		// Quasi-paths (ZFS datasets and friends) name no real device.
		return nil
	}
	path, err := cxt.Cache().CanonicalPath(src)
	if err != nil {
		// A missing device is the syscall's problem, not ours.
		logrus.Debugf("cannot canonicalize %s: %v", src, err)
		return nil
	}
	cxt.fs.Source = path
	return nil
}

// PrepareTarget canonicalizes the mount point and runs the prep-target
// hooks (mkdir-before-mount lives there).
func (cxt *Context) PrepareTarget() error {
	if err := cxt.callHooks(StagePrepTarget); err != nil {
		return err
	}
	tgt := cxt.fs.Target
	if tgt == "" {
		return fmt.Errorf("%w: no mount target specified", unix.EINVAL)
	}
	if cxt.HasFlag(FlagNoCanonicalize) {
		return nil
	}
	if path, err := cxt.Cache().CanonicalPath(tgt); err == nil {
		cxt.fs.Target = path
	}
	return nil
}

// GuessFstype fills in a missing filesystem type by probing the source
// device. Bind, move and propagation-only operations never need a type. An
// X-mount.auto-fstypes pattern vetoes detected types the administrator
// doesn't trust.
func (cxt *Context) GuessFstype() error {
	l := cxt.OptList()
	if l.IsBind() || l.IsMove() || l.IsRemount() || cxt.PropagationOnly() {
		return nil
	}
	if cxt.fs.Fstype != "" && cxt.fs.Fstype != "auto" {
		return nil
	}
	if cxt.fs.Source == "" {
		return fmt.Errorf("%w: nothing to probe", ErrNoFstype)
	}
	fstype, err := probeFstype(cxt.fs.Source)
	if err != nil {
		return err
	}
	if o := l.FindOpt(UserOptXAutoFstypes, UserspaceMap()); o != nil {
		if !MatchFstype(fstype, o.Value) {
			return fmt.Errorf("%w: %s vetoed by auto-fstypes=%q", ErrUnsupportedFS, fstype, o.Value)
		}
	}
	cxt.fs.Fstype = fstype
	return nil
}

// normalizeSizeOpts canonicalizes human-readable sizes in size-carrying
// option values ("sizelimit=128M") down to plain byte counts, so the kernel
// and helpers always see the same form.
func (cxt *Context) normalizeSizeOpts() error {
	l := cxt.OptList()
	changed := false
	for _, o := range l.Opts() {
		if o.Entry == nil || o.Entry.ID&(UserOptOffset|UserOptSizeLimit) == 0 || o.Map != UserspaceMap() {
			continue
		}
		if o.Value == "" {
			continue
		}
		n, err := units.RAMInBytes(o.Value)
		if err != nil {
			return fmt.Errorf("invalid %s value %q: %w", o.Name, o.Value, err)
		}
		if cxt.HasFlag(FlagVerbose) {
			cxt.AppendMessage(fmt.Sprintf("%s: using %s (%d bytes)", o.Name, units.BytesSize(float64(n)), n))
		}
		o.Value = strconv.FormatInt(n, 10)
		changed = true
	}
	if changed {
		l.bump()
	}
	return nil
}

// RegisterChild lets a forked bulk-mount child be tracked by the context.
func (cxt *Context) RegisterChild(proc *os.Process) {
	cxt.children = append(cxt.children, proc)
}

// WaitChildren reaps every tracked child and aggregates their exit
// statuses: the result is 0 only if all children succeeded, otherwise the
// highest exit status seen.
func (cxt *Context) WaitChildren() (int, error) {
	worst := 0
	var firstErr error
	for _, proc := range cxt.children {
		st, err := proc.Wait()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ws, ok := st.Sys().(syscall.WaitStatus); ok {
			if code := utils.ExitStatus(unix.WaitStatus(ws)); code > worst {
				worst = code
			}
		} else if !st.Success() && worst == 0 {
			worst = 1
		}
	}
	cxt.children = nil
	return worst, firstErr
}
