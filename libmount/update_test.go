package libmount

import (
	"os"
	"path/filepath"
	"testing"
)

func TestUtabEscape(t *testing.T) {
	for in, want := range map[string]string{
		"/plain":      "/plain",
		"/a b":        `/a\040b`,
		"/tab\there":  `/tab\011here`,
		`/back\slash`: `/back\134slash`,
	} {
		got := escapeUtab(in)
		if got != want {
			t.Errorf("escapeUtab(%q) = %q, want %q", in, got, want)
		}
		if back := unescapeFstab(got); back != in {
			t.Errorf("roundtrip of %q via %q = %q", in, got, back)
		}
	}
}

func TestUtabWriteParse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "utab")
	in := NewTable(
		&Fs{Source: "/dev/sda1", Target: "/mnt/a b", Root: "/", Options: "user=alice"},
		&Fs{Source: "LABEL=data", Target: "/data", Root: "/", Options: "noauto,loop"},
	)
	if err := writeUtab(path, in); err != nil {
		t.Fatalf("writeUtab: %v", err)
	}

	// The change notification file appears alongside the table.
	if _, err := os.Stat(path + ".event"); err != nil {
		t.Errorf("event file: %v", err)
	}

	out, err := parseUtab(path)
	if err != nil {
		t.Fatalf("parseUtab: %v", err)
	}
	if out.Len() != in.Len() {
		t.Fatalf("got %d entries, want %d", out.Len(), in.Len())
	}
	for i, fs := range out.Entries() {
		want := in.Entries()[i]
		if *fs != *want {
			t.Errorf("entry %d = %+v, want %+v", i, fs, want)
		}
	}
}

func TestParseUtabMissing(t *testing.T) {
	tab, err := parseUtab(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("parseUtab on missing file: %v", err)
	}
	if tab.Len() != 0 {
		t.Errorf("missing file parsed to %d entries", tab.Len())
	}
}

func TestPrepareUpdateSkips(t *testing.T) {
	newCxt := func() *Context {
		cxt := testContext(false)
		cxt.SetAction(ActionMount)
		cxt.fs.Target = "/mnt"
		cxt.setSyscallStatus(nil)
		if err := cxt.AppendOptions("user=alice"); err != nil {
			t.Fatal(err)
		}
		return cxt
	}

	// Baseline: this context does produce an update.
	cxt := newCxt()
	if err := cxt.PrepareUpdate(); err != nil {
		t.Fatal(err)
	}
	if !cxt.Update().IsReady() {
		t.Fatal("baseline context produced no update")
	}
	cxt.Close()

	// FlagNoMtab suppresses it.
	cxt = newCxt()
	cxt.SetFlag(FlagNoMtab)
	if err := cxt.PrepareUpdate(); err != nil {
		t.Fatal(err)
	}
	if cxt.Update().IsReady() {
		t.Error("update prepared despite FlagNoMtab")
	}
	cxt.Close()

	// Nothing ran: nothing to record.
	cxt = testContext(false)
	cxt.SetAction(ActionMount)
	cxt.fs.Target = "/mnt"
	if err := cxt.PrepareUpdate(); err != nil {
		t.Fatal(err)
	}
	if cxt.Update().IsReady() {
		t.Error("update prepared before any syscall or helper ran")
	}
	cxt.Close()

	// A failed operation needs no table change.
	cxt = newCxt()
	cxt.setSyscallStatus(os.ErrPermission)
	if err := cxt.PrepareUpdate(); err != nil {
		t.Fatal(err)
	}
	if cxt.Update().IsReady() {
		t.Error("update prepared for a failed mount")
	}
	cxt.Close()

	// Kernel-only options leave nothing to remember.
	cxt = testContext(false)
	cxt.SetAction(ActionMount)
	cxt.fs.Target = "/mnt"
	cxt.setSyscallStatus(nil)
	if err := cxt.AppendOptions("ro,noexec"); err != nil {
		t.Fatal(err)
	}
	if err := cxt.PrepareUpdate(); err != nil {
		t.Fatal(err)
	}
	if cxt.Update().IsReady() {
		t.Error("update prepared with no userspace options")
	}
	cxt.Close()
}

func TestPrepareUpdateUmountRoot(t *testing.T) {
	cxt := testContext(false)
	defer cxt.Close()
	cxt.SetAction(ActionUmount)
	cxt.fs.Target = "/"
	cxt.setSyscallStatus(nil)
	if err := cxt.PrepareUpdate(); err != nil {
		t.Fatal(err)
	}
	if cxt.Update().IsReady() {
		t.Error("update prepared for umount of /")
	}
	if !cxt.HasFlag(FlagNoMtab) {
		t.Error("umount of / did not force no-mtab")
	}
}

func TestUpdateTabsMountThenUmount(t *testing.T) {
	utab := filepath.Join(t.TempDir(), "utab")

	cxt := testContext(false)
	cxt.SetUtabPath(utab)
	cxt.SetAction(ActionMount)
	cxt.fs = Fs{Source: "/dev/sda1", Target: "/mnt"}
	cxt.setSyscallStatus(nil)
	if err := cxt.AppendOptions("user=alice,noauto"); err != nil {
		t.Fatal(err)
	}
	if err := cxt.PrepareUpdate(); err != nil {
		t.Fatal(err)
	}
	if err := cxt.UpdateTabs(); err != nil {
		t.Fatalf("UpdateTabs (mount): %v", err)
	}
	cxt.Close()

	tab, err := parseUtab(utab)
	if err != nil {
		t.Fatal(err)
	}
	if tab.Len() != 1 {
		t.Fatalf("utab has %d entries, want 1", tab.Len())
	}
	fs := tab.Entries()[0]
	if fs.Target != "/mnt" || fs.Source != "/dev/sda1" || fs.Root != "/" {
		t.Errorf("utab entry = %+v", fs)
	}
	if fs.Options != "user=alice,noauto" {
		t.Errorf("utab options = %q, want user=alice,noauto", fs.Options)
	}

	// A second mount on the same target replaces the entry.
	cxt = testContext(false)
	cxt.SetUtabPath(utab)
	cxt.SetAction(ActionMount)
	cxt.fs = Fs{Source: "/dev/sdb1", Target: "/mnt"}
	cxt.setSyscallStatus(nil)
	if err := cxt.AppendOptions("user=bob"); err != nil {
		t.Fatal(err)
	}
	if err := cxt.PrepareUpdate(); err != nil {
		t.Fatal(err)
	}
	if err := cxt.UpdateTabs(); err != nil {
		t.Fatalf("UpdateTabs (remount): %v", err)
	}
	cxt.Close()

	tab, err = parseUtab(utab)
	if err != nil {
		t.Fatal(err)
	}
	if tab.Len() != 1 || tab.Entries()[0].Source != "/dev/sdb1" {
		t.Errorf("utab after replacement = %+v", tab.Entries())
	}

	// Umount removes it.
	cxt = testContext(false)
	cxt.SetUtabPath(utab)
	cxt.SetAction(ActionUmount)
	cxt.fs = Fs{Target: "/mnt"}
	cxt.setSyscallStatus(nil)
	if err := cxt.PrepareUpdate(); err != nil {
		t.Fatal(err)
	}
	if err := cxt.UpdateTabs(); err != nil {
		t.Fatalf("UpdateTabs (umount): %v", err)
	}
	cxt.Close()

	tab, err = parseUtab(utab)
	if err != nil {
		t.Fatal(err)
	}
	if tab.Len() != 0 {
		t.Errorf("utab after umount = %+v", tab.Entries())
	}
}

func TestUpdateTabsFakeMode(t *testing.T) {
	utab := filepath.Join(t.TempDir(), "utab")
	cxt := testContext(false)
	defer cxt.Close()
	cxt.SetUtabPath(utab)
	cxt.SetFlag(FlagFake)
	cxt.SetAction(ActionMount)
	cxt.fs = Fs{Source: "/dev/sda1", Target: "/mnt"}
	cxt.setSyscallStatus(nil)
	if err := cxt.AppendOptions("user"); err != nil {
		t.Fatal(err)
	}
	if err := cxt.PrepareUpdate(); err != nil {
		t.Fatal(err)
	}
	if err := cxt.UpdateTabs(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(utab); !os.IsNotExist(err) {
		t.Error("fake mode wrote the utab file")
	}
}

func TestHelperRecordedInUtab(t *testing.T) {
	cxt := testContext(false)
	defer cxt.Close()
	cxt.SetAction(ActionMount)
	cxt.fs = Fs{Source: "server:/export", Target: "/mnt", Fstype: "nfs"}
	cxt.helper = "/sbin/mount.nfs"
	cxt.helperExec = true
	if err := cxt.PrepareUpdate(); err != nil {
		t.Fatal(err)
	}
	if !cxt.Update().IsReady() {
		t.Fatal("helper mount produced no update")
	}
	if got := cxt.Update().fs.Options; got != "helper=nfs" {
		t.Errorf("recorded options = %q, want helper=nfs", got)
	}
}
