package libmount

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// OptSource says where an Opt came from.
type OptSource int

const (
	// SrcString means the option was parsed from a comma-separated string.
	SrcString OptSource = iota
	// SrcFlags means the option was synthesized from a flag bitmask.
	SrcFlags
)

// Opt is a single mount option: a name, an optional value, and the map entry
// it resolved to (nil for options unknown to every map, which are passed
// through as filesystem-specific data).
type Opt struct {
	Name  string
	Value string

	Map   *OptMap
	Entry *OptMapEntry

	Src OptSource

	// External marks helper-only options: they appear on mount.<type>
	// command lines but never in flag or mtab renders.
	External bool

	// Recursive marks the option as applying recursively (AT_RECURSIVE)
	// when translated to mount_setattr.
	Recursive bool

	quoted bool
}

// HasValue reports whether the option carried an (possibly empty) "=value".
func (o *Opt) HasValue() bool {
	return o.Value != "" || o.quoted
}

func (o *Opt) String() string {
	if !o.HasValue() {
		return o.Name
	}
	v := o.Value
	if o.quoted || strings.ContainsRune(v, ',') {
		v = `"` + v + `"`
	}
	return o.Name + "=" + v
}

// Filter selects which options a render includes.
type Filter int

const (
	// FilterDefault includes every option resolved against the requested map
	// (or any map when no map is given).
	FilterDefault Filter = iota
	// FilterAll includes everything, unknown options too.
	FilterAll
	// FilterUnknown includes only options no map recognized.
	FilterUnknown
	// FilterHelpers includes options that may appear on an external helper
	// command line.
	FilterHelpers
	// FilterMtab includes options that belong in the userspace mount table.
	FilterMtab
)

// Recursion selector for GetAttrs.
const (
	// AttrsAll translates every VFS option.
	AttrsAll = iota
	// AttrsNoRec translates only non-recursive options.
	AttrsNoRec
	// AttrsRec translates only recursive options.
	AttrsRec
)

type cacheKey struct {
	m      *OptMap
	filter Filter
}

type cacheEntry struct {
	age     uint64
	flags   uint64
	flagsOK bool
	str     string
	strOK   bool
}

// OptionList owns an insertion-ordered sequence of Opts and keeps aggregate
// state (propagation bits and boolean fast-paths) up to date incrementally as
// options are added and removed. Render results are cached per (map, filter)
// and invalidated by a monotonic age counter on every structural mutation.
type OptionList struct {
	opts   []*Opt
	age    uint64
	merged bool

	propagation uint64

	isRemount   bool
	isBind      bool
	isRBind     bool
	isMove      bool
	isRdonly    bool
	isSilent    bool
	isRecursive bool

	caches map[cacheKey]*cacheEntry
}

// NewOptionList returns an empty list.
func NewOptionList() *OptionList {
	return &OptionList{caches: make(map[cacheKey]*cacheEntry)}
}

// Clone returns a deep copy sharing no state with the original. Used for the
// Context's saved option template.
func (l *OptionList) Clone() *OptionList {
	n := NewOptionList()
	n.merged = l.merged
	n.opts = make([]*Opt, len(l.opts))
	for i, o := range l.opts {
		c := *o
		n.opts[i] = &c
	}
	n.syncAggregates()
	return n
}

// bump invalidates every render cache.
func (l *OptionList) bump() {
	l.age++
}

// Len returns the number of live options.
func (l *OptionList) Len() int {
	return len(l.opts)
}

// Opts returns the live options in list order. The slice is a copy, the Opts
// are not.
func (l *OptionList) Opts() []*Opt {
	out := make([]*Opt, len(l.opts))
	copy(out, l.opts)
	return out
}

// accountAdd folds a newly inserted option into the aggregate fast-paths.
func (l *OptionList) accountAdd(o *Opt) {
	if o.Entry == nil || o.Map == nil || !o.Map.IsLinux {
		return
	}
	id := o.Entry.ID
	on := !o.Entry.Invert
	switch {
	case id&unix.MS_REMOUNT != 0:
		l.isRemount = on
	case id&unix.MS_BIND != 0:
		l.isBind = on
		if id&unix.MS_REC != 0 {
			l.isRBind = on
		}
	case id&unix.MS_MOVE != 0:
		l.isMove = on
	}
	if id&unix.MS_RDONLY != 0 {
		l.isRdonly = on
	}
	if id&unix.MS_SILENT != 0 {
		l.isSilent = on
	}
	if id&unix.MS_REC != 0 && on {
		l.isRecursive = true
	}
	if p := id & propagationMask; p != 0 && on {
		l.propagation |= p
	}
}

// syncAggregates recomputes the fast-paths from scratch. Only called when a
// removal explicitly invalidates them; additions stay incremental.
func (l *OptionList) syncAggregates() {
	l.propagation = 0
	l.isRemount, l.isBind, l.isRBind = false, false, false
	l.isMove, l.isRdonly, l.isSilent, l.isRecursive = false, false, false, false
	for _, o := range l.opts {
		l.accountAdd(o)
	}
}

// nextOptToken returns the next comma-separated token of an option string,
// honoring double-quoted values, plus the remainder.
func nextOptToken(s string) (tok, rest string, err error) {
	inQuote := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuote = !inQuote
		case ',':
			if !inQuote {
				return s[:i], s[i+1:], nil
			}
		}
	}
	if inQuote {
		return "", "", fmt.Errorf("unbalanced quote in options %q", s)
	}
	return s, "", nil
}

// parseOpt splits one token into name/value and resolves it against m, or
// against both built-in maps when m is nil.
func parseOpt(tok string, m *OptMap) (*Opt, error) {
	name, value, hasValue := strings.Cut(tok, "=")
	if name == "" {
		return nil, fmt.Errorf("empty option name in %q", tok)
	}
	o := &Opt{Name: name, Src: SrcString}
	if hasValue {
		if strings.HasPrefix(value, `"`) && strings.HasSuffix(value, `"`) && len(value) >= 2 {
			value = value[1 : len(value)-1]
			o.quoted = true
		}
		o.Value = value
	}
	maps := []*OptMap{m}
	if m == nil {
		maps = []*OptMap{LinuxMap(), UserspaceMap()}
	}
	for _, om := range maps {
		if e := om.Find(name, hasValue); e != nil {
			o.Map = om
			o.Entry = e
			break
		}
	}
	return o, nil
}

func (l *OptionList) insert(o *Opt, prepend bool) {
	if prepend {
		l.opts = append([]*Opt{o}, l.opts...)
	} else {
		l.opts = append(l.opts, o)
	}
	l.accountAdd(o)
	l.bump()
}

func (l *OptionList) addString(optstr string, m *OptMap, prepend bool) error {
	var parsed []*Opt
	for optstr != "" {
		tok, rest, err := nextOptToken(optstr)
		if err != nil {
			return err
		}
		optstr = rest
		if tok == "" {
			continue
		}
		o, err := parseOpt(tok, m)
		if err != nil {
			return err
		}
		parsed = append(parsed, o)
	}
	if prepend {
		// Keep the tokens' relative order at the front of the list.
		for i := len(parsed) - 1; i >= 0; i-- {
			l.insert(parsed[i], true)
		}
		return nil
	}
	for _, o := range parsed {
		l.insert(o, false)
	}
	return nil
}

// AppendString parses optstr and appends the options. A nil map resolves
// against all built-in maps.
func (l *OptionList) AppendString(optstr string, m *OptMap) error {
	return l.addString(optstr, m, false)
}

// PrependString parses optstr and prepends the options.
func (l *OptionList) PrependString(optstr string, m *OptMap) error {
	return l.addString(optstr, m, true)
}

// AppendFlags expands a flag bitmask against m's entries and appends one Opt
// per matched entry, largest entry first so combined names like "rbind" win
// over "bind"+MS_REC. Bits no entry covers are dropped with a debug message.
func (l *OptionList) AppendFlags(flags uint64, m *OptMap) error {
	return l.addFlags(flags, m, false)
}

// PrependFlags is AppendFlags inserting at the front.
func (l *OptionList) PrependFlags(flags uint64, m *OptMap) error {
	return l.addFlags(flags, m, true)
}

func (l *OptionList) addFlags(flags uint64, m *OptMap, prepend bool) error {
	if m == nil {
		m = LinuxMap()
	}
	remaining := flags
	var picked []*Opt
	for remaining != 0 {
		var best *OptMapEntry
		for i := range m.Entries {
			e := &m.Entries[i]
			if e.Invert || e.ID == 0 || e.ID&remaining != e.ID {
				continue
			}
			if _, _, valRequired, _ := entryName(e); valRequired {
				continue
			}
			if best == nil || bits.OnesCount64(e.ID) > bits.OnesCount64(best.ID) {
				best = e
			}
		}
		if best == nil {
			logrus.Debugf("optlist: no %s map entry for flags %s", m.Name, stringifyMountFlags(uintptr(remaining)))
			break
		}
		base, _, _, _ := entryName(best)
		picked = append(picked, &Opt{Name: base, Map: m, Entry: best, Src: SrcFlags})
		remaining &^= best.ID
	}
	if prepend {
		for i := len(picked) - 1; i >= 0; i-- {
			l.insert(picked[i], true)
		}
		return nil
	}
	for _, o := range picked {
		l.insert(o, false)
	}
	return nil
}

// inScope says whether o is affected by a Set against map m.
func inScope(o *Opt, m *OptMap) bool {
	return m == nil || o.Map == m
}

// SetString replaces previous options with optstr. Before the list has been
// merged only string-sourced options are removed; afterwards every in-scope
// option goes, matching the shell-like behavior that a post-merge set no
// longer distinguishes where an option came from. The new options are
// appended.
func (l *OptionList) SetString(optstr string, m *OptMap) error {
	l.removeWhere(func(o *Opt) bool {
		if l.merged {
			return inScope(o, m)
		}
		return o.Src == SrcString && inScope(o, m)
	})
	return l.addString(optstr, m, false)
}

// SetFlags replaces previous flag-sourced options (or everything in scope,
// once merged) with the expansion of flags. The new options are prepended.
func (l *OptionList) SetFlags(flags uint64, m *OptMap) error {
	if m == nil {
		m = LinuxMap()
	}
	l.removeWhere(func(o *Opt) bool {
		if l.merged {
			return inScope(o, m)
		}
		return o.Src == SrcFlags && inScope(o, m)
	})
	return l.addFlags(flags, m, true)
}

func (l *OptionList) removeWhere(drop func(*Opt) bool) {
	kept := l.opts[:0]
	removed := false
	for _, o := range l.opts {
		if drop(o) {
			removed = true
			continue
		}
		kept = append(kept, o)
	}
	l.opts = kept
	if removed {
		l.syncAggregates()
		l.bump()
	}
}

// RemoveName removes every option called name.
func (l *OptionList) RemoveName(name string) {
	l.removeWhere(func(o *Opt) bool { return o.Name == name })
}

// RemoveFlags removes every option of map m whose entry covers any of the
// given flag bits.
func (l *OptionList) RemoveFlags(flags uint64, m *OptMap) {
	l.removeWhere(func(o *Opt) bool {
		return o.Map == m && o.Entry != nil && o.Entry.ID&flags != 0
	})
}

// RemoveID removes every option of map m resolved to an entry with exactly
// the given ID (inverted entries included).
func (l *OptionList) RemoveID(id uint64, m *OptMap) {
	l.removeWhere(func(o *Opt) bool {
		return o.Map == m && o.Entry != nil && o.Entry.ID == id
	})
}

// mergeKey identifies options that cancel or shadow one another: same map and
// same entry ID (an inverted pair shares its ID). Unknown options key by
// name.
type mergeKey struct {
	m    *OptMap
	id   uint64
	name string
}

func keyOf(o *Opt) mergeKey {
	if o.Entry != nil && o.Entry.ID != 0 {
		return mergeKey{m: o.Map, id: o.Entry.ID}
	}
	return mergeKey{m: o.Map, name: o.Name}
}

// Merge marks the list merged and drops duplicate or logically inverted
// options, scanning from the end so the last occurrence always survives.
// The surviving order is the original insertion order of the survivors.
func (l *OptionList) Merge() {
	l.merged = true
	seen := make(map[mergeKey]struct{}, len(l.opts))
	kept := make([]*Opt, 0, len(l.opts))
	for i := len(l.opts) - 1; i >= 0; i-- {
		o := l.opts[i]
		k := keyOf(o)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		kept = append(kept, o)
	}
	// kept is reversed.
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	l.opts = kept
	l.syncAggregates()
	// A recursive bind applies its VFS attributes to the whole subtree;
	// mark them so the fd-based path issues mount_setattr with
	// AT_RECURSIVE.
	if l.isRBind {
		for _, o := range l.opts {
			if o.Map == nil || !o.Map.IsLinux || o.Entry == nil {
				continue
			}
			if msToAttr(o.Entry.ID&^uint64(unix.MS_REC)) != 0 {
				o.Recursive = true
			}
		}
	}
	l.bump()
}

// IsMerged reports whether Merge has run.
func (l *OptionList) IsMerged() bool { return l.merged }

// Fast-path accessors. Kept incrementally, never recomputed on read.

func (l *OptionList) IsRemount() bool   { return l.isRemount }
func (l *OptionList) IsBind() bool      { return l.isBind }
func (l *OptionList) IsRBind() bool     { return l.isRBind }
func (l *OptionList) IsMove() bool      { return l.isMove }
func (l *OptionList) IsRdonly() bool    { return l.isRdonly }
func (l *OptionList) IsSilent() bool    { return l.isSilent }
func (l *OptionList) IsRecursive() bool { return l.isRecursive }

// PropagationFlags returns the accumulated MS_SHARED/MS_SLAVE/MS_PRIVATE/
// MS_UNBINDABLE bits.
func (l *OptionList) PropagationFlags() uint64 { return l.propagation }

func (l *OptionList) cacheFor(m *OptMap, filter Filter) *cacheEntry {
	k := cacheKey{m: m, filter: filter}
	c := l.caches[k]
	if c == nil || c.age != l.age {
		c = &cacheEntry{age: l.age}
		l.caches[k] = c
	}
	return c
}

// include applies a filter to one option for map m (nil m = any map).
func include(o *Opt, m *OptMap, filter Filter) bool {
	switch filter {
	case FilterAll:
		return m == nil || o.Map == m
	case FilterUnknown:
		return o.Entry == nil
	case FilterHelpers:
		if o.Entry != nil && o.Entry.Flags&entryNoHelper != 0 {
			return false
		}
		return m == nil || o.Map == m || o.Entry == nil
	case FilterMtab:
		if o.External {
			return false
		}
		if o.Entry != nil && o.Entry.Flags&entryNoMtab != 0 {
			return false
		}
		return m == nil || o.Map == m || o.Entry == nil
	default:
		if o.External {
			return false
		}
		if m == nil {
			return o.Entry != nil
		}
		return o.Map == m
	}
}

// GetFlags renders the in-scope options of map m down to a flag bitmask,
// applying inverted entries in list order. The result is cached until the
// next structural mutation.
func (l *OptionList) GetFlags(m *OptMap, filter Filter) uint64 {
	if m == nil {
		m = LinuxMap()
	}
	c := l.cacheFor(m, filter)
	if c.flagsOK {
		return c.flags
	}
	var flags uint64
	for _, o := range l.opts {
		if o.Map != m || o.Entry == nil {
			continue
		}
		if !include(o, m, filter) {
			continue
		}
		if o.Entry.Invert {
			flags &^= o.Entry.ID
		} else {
			flags |= o.Entry.ID
		}
	}
	c.flags = flags
	c.flagsOK = true
	return flags
}

// GetOptstr renders the in-scope options back to a comma-separated string.
// The mtab filter leads with rw/ro derived from the effective MS_RDONLY
// state regardless of where (or whether) ro appears in the list.
func (l *OptionList) GetOptstr(m *OptMap, filter Filter) string {
	c := l.cacheFor(m, filter)
	if c.strOK {
		return c.str
	}
	var parts []string
	if filter == FilterMtab {
		if l.isRdonly {
			parts = append(parts, "ro")
		} else {
			parts = append(parts, "rw")
		}
	}
	for _, o := range l.opts {
		if !include(o, m, filter) {
			continue
		}
		if filter == FilterMtab && o.Entry != nil && o.Entry.ID == unix.MS_RDONLY && o.Map != nil && o.Map.IsLinux {
			// Covered by the leading rw/ro token.
			continue
		}
		parts = append(parts, o.String())
	}
	c.str = strings.Join(parts, ",")
	c.strOK = true
	return c.str
}

// resettableAttrs are the attributes a legacy remount implicitly clears when
// they are not re-specified.
func resettableAttrs() uint64 {
	initMaps()
	var mask uint64
	for _, am := range attrMapping {
		if am.resettable {
			mask |= am.attr
		}
	}
	return mask
}

func msToAttr(id uint64) uint64 {
	initMaps()
	var attr uint64
	for _, am := range attrMapping {
		if id&am.ms != 0 {
			attr |= am.attr
		}
	}
	return attr
}

// GetAttrs translates the VFS options into a mount_setattr(2) set/clear
// pair. rec selects recursive (AttrsRec), non-recursive (AttrsNoRec) or all
// options.
//
// A classic remount without MS_BIND historically replaces the entire flag
// set, while mount_setattr is a pure set/clear primitive. To keep the old
// observable behavior, such a remount also clears every resettable attribute
// that was not explicitly re-specified. Do not "fix" this asymmetry; legacy
// callers depend on it.
func (l *OptionList) GetAttrs(rec int) (set, clr uint64) {
	for _, o := range l.opts {
		if o.Map == nil || !o.Map.IsLinux || o.Entry == nil {
			continue
		}
		switch rec {
		case AttrsRec:
			if !o.Recursive {
				continue
			}
		case AttrsNoRec:
			if o.Recursive {
				continue
			}
		}
		attr := msToAttr(o.Entry.ID &^ uint64(unix.MS_REC))
		if attr == 0 {
			continue
		}
		if o.Entry.Invert {
			clr |= attr
			set &^= attr
		} else {
			set |= attr
			clr &^= attr
		}
	}
	if l.isRemount && !l.isBind && rec != AttrsRec {
		clr |= resettableAttrs() &^ set
	}
	return set, clr
}

// FindOpt returns the last live option resolved to (m, id), which after a
// Merge is the only one.
func (l *OptionList) FindOpt(id uint64, m *OptMap) *Opt {
	for i := len(l.opts) - 1; i >= 0; i-- {
		o := l.opts[i]
		if o.Map == m && o.Entry != nil && o.Entry.ID == id && !o.Entry.Invert {
			return o
		}
	}
	return nil
}

// FindName returns the last live option with the given name.
func (l *OptionList) FindName(name string) *Opt {
	for i := len(l.opts) - 1; i >= 0; i-- {
		if l.opts[i].Name == name {
			return l.opts[i]
		}
	}
	return nil
}
