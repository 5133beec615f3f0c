package libmount

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func installHelper(t *testing.T, dir, name string, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), mode); err != nil {
		t.Fatal(err)
	}
	return path
}

func withHelperPath(t *testing.T, dir string) {
	t.Helper()
	old := searchHelperPath
	searchHelperPath = dir
	t.Cleanup(func() { searchHelperPath = old })
}

func TestLookupHelper(t *testing.T) {
	dir := t.TempDir()
	withHelperPath(t, dir)

	want := installHelper(t, dir, "mount.ext4", 0o755)
	if got := lookupHelper("mount", "ext4"); got != want {
		t.Errorf("lookupHelper = %q, want %q", got, want)
	}
	if got := lookupHelper("mount", "xfs"); got != "" {
		t.Errorf("lookupHelper for missing type = %q, want empty", got)
	}

	// A non-executable file is not a helper.
	installHelper(t, dir, "mount.vfat", 0o644)
	if got := lookupHelper("mount", "vfat"); got != "" {
		t.Errorf("lookupHelper found non-executable %q", got)
	}
}

func TestLookupHelperSubtypeFallback(t *testing.T) {
	dir := t.TempDir()
	withHelperPath(t, dir)

	fuse := installHelper(t, dir, "mount.fuse", 0o755)
	if got := lookupHelper("mount", "fuse.sshfs"); got != fuse {
		t.Errorf("lookupHelper(fuse.sshfs) = %q, want %q", got, fuse)
	}

	// The exact subtyped helper wins over the generic one.
	sshfs := installHelper(t, dir, "mount.fuse.sshfs", 0o755)
	if got := lookupHelper("mount", "fuse.sshfs"); got != sshfs {
		t.Errorf("lookupHelper(fuse.sshfs) = %q, want %q", got, sshfs)
	}
}

func TestPrepareHelperSkips(t *testing.T) {
	dir := t.TempDir()
	withHelperPath(t, dir)
	installHelper(t, dir, "mount.ext4", 0o755)

	for _, tc := range []struct {
		fstype string
		flags  Flags
		want   bool
	}{
		{"ext4", 0, true},
		{"ext4", FlagNoHelpers, false},
		{"", 0, false},
		{"none", 0, false},
		{"auto", 0, false},
		{"ext4,ext3", 0, false},
	} {
		cxt := testContext(false)
		cxt.SetFlag(tc.flags)
		if err := cxt.PrepareHelper("mount", tc.fstype); err != nil {
			t.Fatalf("PrepareHelper(%q): %v", tc.fstype, err)
		}
		if got := cxt.helper != ""; got != tc.want {
			t.Errorf("fstype=%q flags=%#x: helper found = %v, want %v", tc.fstype, tc.flags, got, tc.want)
		}
		cxt.Close()
	}
}

func TestHelperArgsMount(t *testing.T) {
	cxt := testContext(false)
	defer cxt.Close()
	cxt.SetAction(ActionMount)
	cxt.fs = Fs{Source: "server:/export", Target: "/mnt", Fstype: "fuse.sshfs"}
	cxt.SetFlag(FlagVerbose | FlagSloppy)
	if err := cxt.AppendOptions("ro,noauto"); err != nil {
		t.Fatal(err)
	}

	got := strings.Join(cxt.helperArgs(), " ")
	// noauto never reaches a helper command line; the subtyped fstype does.
	want := "server:/export /mnt -o ro -t fuse.sshfs -s -v"
	if got != want {
		t.Errorf("helperArgs = %q, want %q", got, want)
	}
}

func TestHelperArgsUmount(t *testing.T) {
	cxt := testContext(false)
	defer cxt.Close()
	cxt.SetAction(ActionUmount)
	cxt.fs = Fs{Target: "/mnt"}
	cxt.SetFlag(FlagForce | FlagLazy | FlagNoMtab)

	got := strings.Join(cxt.helperArgs(), " ")
	want := "/mnt -f -l -n"
	if got != want {
		t.Errorf("helperArgs = %q, want %q", got, want)
	}
}

func TestExecHelperFakeMode(t *testing.T) {
	cxt := testContext(false)
	defer cxt.Close()
	cxt.SetFlag(FlagFake)
	cxt.helper = "/does/not/exist"
	if err := cxt.execHelper(); err != nil {
		t.Fatalf("execHelper in fake mode: %v", err)
	}
	if !cxt.HelperExecuted() || cxt.HelperStatus() != 0 {
		t.Error("fake helper execution not recorded as success")
	}
}

func TestExecHelperStatus(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mount.fail")
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 7\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	cxt := testContext(false)
	defer cxt.Close()
	cxt.SetAction(ActionUmount)
	cxt.fs = Fs{Target: "/mnt"}
	cxt.helper = path
	if err := cxt.execHelper(); err != nil {
		t.Fatalf("execHelper: %v", err)
	}
	if !cxt.HelperExecuted() {
		t.Fatal("helper execution not recorded")
	}
	if got := cxt.HelperStatus(); got != 7 {
		t.Errorf("HelperStatus = %d, want 7", got)
	}
	if cxt.Succeeded() {
		t.Error("failed helper counted as success")
	}
}

func TestExecHelperStartFailure(t *testing.T) {
	cxt := testContext(false)
	defer cxt.Close()
	cxt.SetAction(ActionUmount)
	cxt.fs = Fs{Target: "/mnt"}
	cxt.helper = filepath.Join(t.TempDir(), "missing")
	if err := cxt.execHelper(); err == nil {
		t.Fatal("execHelper succeeded for a missing binary")
	}
	if cxt.HelperExecuted() {
		t.Error("missing helper recorded as executed")
	}
}
