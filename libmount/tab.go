package libmount

import (
	"github.com/moby/sys/mountinfo"
	"github.com/sirupsen/logrus"
)

// Fs is one row of a mount table: an fstab line, a mountinfo record, or a
// utab entry.
type Fs struct {
	Source  string
	Target  string
	Fstype  string
	Root    string // mountinfo root, "" for fstab rows
	Options string

	ID     int // mountinfo mount ID, 0 for fstab rows
	Parent int

	Freq   int // fstab dump/pass fields, carried through untouched
	Passno int
}

// Direction selects table iteration order.
type Direction int

const (
	// IterForward scans first row to last; fstab lookups use it so the
	// administrator's first match wins.
	IterForward Direction = iota
	// IterBackward scans last row to first; mountinfo lookups use it so the
	// most recently mounted entry wins.
	IterBackward
)

// Table is an ordered, read-only collection of Fs rows.
type Table struct {
	ents []*Fs
}

// NewTable returns a table over the given rows.
func NewTable(ents ...*Fs) *Table {
	return &Table{ents: ents}
}

// Add appends a row.
func (t *Table) Add(fs *Fs) {
	t.ents = append(t.ents, fs)
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.ents) }

// Entries returns the rows in table order. The slice is a copy.
func (t *Table) Entries() []*Fs {
	out := make([]*Fs, len(t.ents))
	copy(out, t.ents)
	return out
}

func (t *Table) find(dir Direction, match func(*Fs) bool) *Fs {
	if dir == IterBackward {
		for i := len(t.ents) - 1; i >= 0; i-- {
			if match(t.ents[i]) {
				return t.ents[i]
			}
		}
		return nil
	}
	for _, fs := range t.ents {
		if match(fs) {
			return fs
		}
	}
	return nil
}

// FindSource returns the first row (per dir) whose source matches. Tag
// sources (LABEL=, UUID=) match literally.
func (t *Table) FindSource(source string, dir Direction) *Fs {
	return t.find(dir, func(fs *Fs) bool { return fs.Source == source })
}

// FindTarget returns the first row (per dir) mounted on target.
func (t *Table) FindTarget(target string, dir Direction) *Fs {
	return t.find(dir, func(fs *Fs) bool { return fs.Target == target })
}

// FindPair returns the first row (per dir) matching both source and target.
func (t *Table) FindPair(source, target string, dir Direction) *Fs {
	return t.find(dir, func(fs *Fs) bool {
		return fs.Source == source && fs.Target == target
	})
}

// ParseMountinfo loads the current namespace's mountinfo via the mountinfo
// package, preserving kernel order (oldest first).
func ParseMountinfo() (*Table, error) {
	infos, err := mountinfo.GetMounts(nil)
	if err != nil {
		return nil, err
	}
	t := &Table{ents: make([]*Fs, 0, len(infos))}
	for _, mi := range infos {
		t.Add(&Fs{
			Source:  mi.Source,
			Target:  mi.Mountpoint,
			Fstype:  mi.FSType,
			Root:    mi.Root,
			Options: mi.Options,
			ID:      mi.ID,
			Parent:  mi.Parent,
		})
	}
	logrus.Debugf("parsed mountinfo: %d entries", t.Len())
	return t, nil
}
