package libmount

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/mountctl/mountctl/internal/linux"
)

func TestEnterNamespaceUnconfigured(t *testing.T) {
	cxt := New()
	defer cxt.Close()
	restore, err := cxt.enterTargetNamespace()
	if err != nil {
		t.Fatalf("enterTargetNamespace: %v", err)
	}
	if restore == nil {
		t.Fatal("no restore function for the unconfigured case")
	}
	restore()
	if cxt.nsCurrent != nil {
		t.Error("unconfigured bracket changed the current namespace")
	}
}

func TestEnterNamespaceBadFd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a-namespace")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	fd, err := linux.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		t.Fatal(err)
	}

	cxt := New()
	defer cxt.Close()
	if err := cxt.SetTargetNamespaceFd(fd); err != nil {
		t.Fatalf("SetTargetNamespaceFd: %v", err)
	}

	// setns refuses a regular file, so the switch fails before any thread
	// state changes; the failed bracket must leave the context where it
	// was.
	restore, err := cxt.enterTargetNamespace()
	if !errors.Is(err, ErrNamespaceSwitch) {
		t.Fatalf("enterTargetNamespace = %v, want ErrNamespaceSwitch", err)
	}
	if restore != nil {
		t.Error("restore function returned from a failed switch")
	}
	if cxt.nsCurrent != nil {
		t.Error("current namespace changed on a failed switch")
	}
}
