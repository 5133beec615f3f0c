package libmount

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFstab(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fstab")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseFstab(t *testing.T) {
	path := writeFstab(t, `
# /etc/fstab: static file system information.
UUID=0a3407de-014b-458b-b5c1-848e92a327a3  /      ext4  rw,relatime  0 1

/dev/sda2   /boot       ext4  ro,noexec    0 2
tmpfs       /tmp        tmpfs
/dev/sdb1   /mnt/my\040disk  vfat  defaults
`)
	tab, err := ParseFstab(path)
	if err != nil {
		t.Fatalf("ParseFstab: %v", err)
	}
	if tab.Len() != 4 {
		t.Fatalf("got %d entries, want 4", tab.Len())
	}

	ents := tab.Entries()
	if ents[0].Source != "UUID=0a3407de-014b-458b-b5c1-848e92a327a3" || ents[0].Passno != 1 {
		t.Errorf("entry 0 = %+v", ents[0])
	}
	if ents[1].Target != "/boot" || ents[1].Options != "ro,noexec" || ents[1].Freq != 0 || ents[1].Passno != 2 {
		t.Errorf("entry 1 = %+v", ents[1])
	}
	// Missing options default to "defaults".
	if ents[2].Options != "defaults" {
		t.Errorf("entry 2 options = %q, want defaults", ents[2].Options)
	}
	// Octal escapes decode to the raw path.
	if ents[3].Target != "/mnt/my disk" {
		t.Errorf("entry 3 target = %q, want %q", ents[3].Target, "/mnt/my disk")
	}
}

func TestParseFstabMalformed(t *testing.T) {
	path := writeFstab(t, "/dev/sda1 /mnt\n")
	if _, err := ParseFstab(path); err == nil {
		t.Fatal("ParseFstab accepted a two-field line")
	}
}

func TestParseFstabMissing(t *testing.T) {
	if _, err := ParseFstab(filepath.Join(t.TempDir(), "nope")); !os.IsNotExist(err) {
		t.Fatalf("ParseFstab on missing file = %v, want IsNotExist", err)
	}
}

func TestUnescapeFstab(t *testing.T) {
	for in, want := range map[string]string{
		"/plain/path":        "/plain/path",
		`/mnt/a\040b`:        "/mnt/a b",
		`/mnt/tab\011here`:   "/mnt/tab\there",
		`trailing\04`:        `trailing\04`, // incomplete escape stays literal
		`back\134slash`:      `back\slash`,
	} {
		if got := unescapeFstab(in); got != want {
			t.Errorf("unescapeFstab(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFstabLazyParse(t *testing.T) {
	path := writeFstab(t, "/dev/sda1 / ext4 defaults 0 1\n")
	cxt := testContext(false)
	defer cxt.Close()
	cxt.SetFstabPath(path)
	tab, err := cxt.Fstab()
	if err != nil {
		t.Fatalf("Fstab: %v", err)
	}
	if tab.Len() != 1 {
		t.Fatalf("got %d entries, want 1", tab.Len())
	}
	// Second call reuses the parsed table.
	tab2, err := cxt.Fstab()
	if err != nil || tab2 != tab {
		t.Error("Fstab reparsed instead of caching")
	}
}
