package libmount

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/moby/sys/userns"
	"github.com/sirupsen/logrus"
)

// DefaultUtabPath is the system-wide userspace mount table.
const DefaultUtabPath = "/run/mount/utab"

// nowFunc is replaceable in tests.
var nowFunc = time.Now

// UtabPath returns where this process should keep its userspace table:
// the system location for root, the runtime dir for rootless callers
// (who can't write /run/mount).
func UtabPath() string {
	if os.Geteuid() == 0 && !userns.RunningInUserNS() {
		return DefaultUtabPath
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "mount", "utab")
	}
	return DefaultUtabPath
}

// Update is the pending persistence of one operation's outcome to utab.
// Built lazily, at most once per operation.
type Update struct {
	filename string
	action   Action
	fs       *Fs    // recorded entry for a mount
	target   string // removed entry for an umount
	ready    bool
}

// Filename returns the table file the update is bound to.
func (u *Update) Filename() string { return u.filename }

// IsReady reports whether there is anything to write.
func (u *Update) IsReady() bool { return u != nil && u.ready }

// utab escaping: space, tab, newline and backslash go octal, fstab-style.
func escapeUtab(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\n', '\\':
			fmt.Fprintf(&b, `\%03o`, s[i])
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// parseUtab reads a utab file. A missing file is an empty table.
func parseUtab(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Table{}, nil
		}
		return nil, err
	}
	defer f.Close()

	t := &Table{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fs := &Fs{}
		for _, field := range strings.Fields(line) {
			key, val, ok := strings.Cut(field, "=")
			if !ok {
				continue
			}
			val = unescapeFstab(val)
			switch key {
			case "SRC":
				fs.Source = val
			case "TARGET":
				fs.Target = val
			case "ROOT":
				fs.Root = val
			case "OPTS":
				fs.Options = val
			}
		}
		if fs.Target != "" {
			t.Add(fs)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return t, nil
}

// writeUtab atomically replaces the utab file and bumps the event file other
// processes watch for table changes.
func writeUtab(path string, t *Table) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".utab-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	w := bufio.NewWriter(tmp)
	for _, fs := range t.Entries() {
		fmt.Fprintf(w, "SRC=%s TARGET=%s ROOT=%s OPTS=%s\n",
			escapeUtab(fs.Source), escapeUtab(fs.Target),
			escapeUtab(fs.Root), escapeUtab(fs.Options))
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	notifyUtabChange(path)
	return nil
}

// notifyUtabChange pokes the event file whose mtime monitors watch.
func notifyUtabChange(path string) {
	event := path + ".event"
	f, err := os.OpenFile(event, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		logrus.Debugf("cannot touch %s: %v", event, err)
		return
	}
	_ = f.Close()
	now := nowFunc()
	_ = os.Chtimes(event, now, now)
}

// PrepareUpdate decides whether this operation needs a utab write at all
// and, if so, lazily constructs the Update exactly once.
func (cxt *Context) PrepareUpdate() error {
	if cxt.HasFlag(FlagNoMtab) || cxt.PropagationOnly() {
		return nil
	}
	// Unmounting the root filesystem mid-shutdown: rewriting its table
	// entry is useless, force no-mtab.
	if cxt.action == ActionUmount && cxt.fs.Target == "/" {
		cxt.SetFlag(FlagNoMtab)
		return nil
	}
	if !cxt.SyscallCalled() && !cxt.helperExec {
		return nil
	}
	if !cxt.Succeeded() {
		// Nothing was persisted before the syscall, so a failure needs no
		// table rollback either.
		return nil
	}
	if cxt.update != nil {
		return nil
	}
	filename := cxt.utabPath
	if filename == "" {
		filename = UtabPath()
	}
	u := &Update{filename: filename, action: cxt.action}
	switch cxt.action {
	case ActionMount:
		opts := cxt.OptList().GetOptstr(UserspaceMap(), FilterMtab)
		// Strip the synthetic rw/ro prefix; utab records userspace options
		// only.
		opts = strings.TrimPrefix(opts, "rw")
		opts = strings.TrimPrefix(opts, "ro")
		opts = strings.TrimPrefix(opts, ",")
		if cxt.helper != "" {
			if opts != "" {
				opts += ","
			}
			opts += "helper=" + cxt.fs.Fstype
		}
		if opts == "" {
			// No userspace state to remember; the kernel table has it all.
			return nil
		}
		root := cxt.fs.Root
		if root == "" {
			root = "/"
		}
		u.fs = &Fs{
			Source:  cxt.fs.Source,
			Target:  cxt.fs.Target,
			Root:    root,
			Options: opts,
		}
		u.ready = true
	case ActionUmount:
		u.target = cxt.fs.Target
		u.ready = true
	}
	cxt.update = u
	return nil
}

// Update returns the pending update, or nil.
func (cxt *Context) Update() *Update { return cxt.update }

// UpdateTabs persists the pending update under the table lock and emits the
// change notification. A fake-mode context logs instead of writing.
func (cxt *Context) UpdateTabs() error {
	if !cxt.update.IsReady() {
		return nil
	}
	if cxt.HasFlag(FlagFake) {
		logrus.Debugf("fake mode: skipping %s update", cxt.update.filename)
		return nil
	}
	if cxt.lock == nil {
		cxt.lock = NewLock(cxt.update.filename)
	}
	if err := cxt.lock.Lock(); err != nil {
		return err
	}
	defer cxt.lock.Unlock()

	t, err := parseUtab(cxt.update.filename)
	if err != nil {
		return err
	}
	out := &Table{}
	for _, fs := range t.Entries() {
		switch cxt.update.action {
		case ActionMount:
			if fs.Target == cxt.update.fs.Target {
				continue // replaced below
			}
		case ActionUmount:
			if fs.Target == cxt.update.target {
				continue
			}
		}
		out.Add(fs)
	}
	if cxt.update.action == ActionMount {
		out.Add(cxt.update.fs)
	}
	return writeUtab(cxt.update.filename, out)
}
