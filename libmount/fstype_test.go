package libmount

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestMatchFstype(t *testing.T) {
	for _, tc := range []struct {
		fstype, pattern string
		want            bool
	}{
		{"ext4", "", true},
		{"", "ext4", false},
		{"ext4", "ext4", true},
		{"ext4", "ext3,ext4", true},
		{"ext4", "xfs,btrfs", false},
		{"nfs", "nonfs", false},
		{"ext4", "nonfs", true},
		{"ext4", "nonfs,nocifs", true},
		{"cifs", "nonfs,nocifs", false},
		// A positive name wins even when negatives are present.
		{"ext4", "ext4,nonfs", true},
		// "no" alone is not a negation prefix without a name behind it.
		{"no", "no", true},
	} {
		if got := MatchFstype(tc.fstype, tc.pattern); got != tc.want {
			t.Errorf("MatchFstype(%q, %q) = %v, want %v", tc.fstype, tc.pattern, got, tc.want)
		}
	}
}

func TestIsFstypePattern(t *testing.T) {
	for fstype, want := range map[string]bool{
		"ext4":      false,
		"ext4,ext3": true,
		"nonfs":     true,
		"auto":      false,
	} {
		if got := isFstypePattern(fstype); got != want {
			t.Errorf("isFstypePattern(%q) = %v, want %v", fstype, got, want)
		}
	}
}

func TestIsPseudoAndNetFS(t *testing.T) {
	if !IsPseudoFS("proc") || !IsPseudoFS("tmpfs") || IsPseudoFS("ext4") {
		t.Error("IsPseudoFS misclassified")
	}
	if !IsNetFS("nfs") || !IsNetFS("cifs") || IsNetFS("ext4") {
		t.Error("IsNetFS misclassified")
	}
	// Any fuse subtype counts as network for canonicalization purposes.
	if !IsNetFS("fuse.sshfs") || !IsNetFS("fuse.rclone") {
		t.Error("fuse subtypes not treated as network filesystems")
	}
	if IsNetFS("fuse") {
		t.Error("bare fuse treated as network filesystem")
	}
}

func writeImage(t *testing.T, size int64, at int64, magic []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "img")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteAt(magic, at); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestProbeFstype(t *testing.T) {
	ext4 := writeImage(t, 4096, 0x438, []byte{0x53, 0xef})
	got, err := probeFstype(ext4)
	if err != nil || got != "ext4" {
		t.Errorf("probeFstype(ext4 image) = %q, %v", got, err)
	}

	xfs := writeImage(t, 4096, 0, []byte("XFSB"))
	got, err = probeFstype(xfs)
	if err != nil || got != "xfs" {
		t.Errorf("probeFstype(xfs image) = %q, %v", got, err)
	}

	empty := writeImage(t, 4096, 0, []byte{0})
	if _, err := probeFstype(empty); !errors.Is(err, ErrNoFstype) {
		t.Errorf("probeFstype(empty image) = %v, want ErrNoFstype", err)
	}
}

func TestProbeFstypeAmbiguous(t *testing.T) {
	// Both an xfs magic at 0 and an ext4 magic at 0x438: refuse to guess.
	path := writeImage(t, 4096, 0, []byte("XFSB"))
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteAt([]byte{0x53, 0xef}, 0x438); err != nil {
		t.Fatal(err)
	}
	f.Close()

	if _, err := probeFstype(path); !errors.Is(err, ErrAmbiguousFS) {
		t.Errorf("probeFstype = %v, want ErrAmbiguousFS", err)
	}
}
