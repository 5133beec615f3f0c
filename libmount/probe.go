package libmount

import (
	"bytes"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// fsSignature is one on-disk superblock magic. Deliberately a short list;
// anything fancier belongs to an external probing library, not the engine.
type fsSignature struct {
	fstype string
	offset int64
	magic  []byte
}

var fsSignatures = []fsSignature{
	{"ext4", 0x438, []byte{0x53, 0xef}},
	{"xfs", 0, []byte("XFSB")},
	{"btrfs", 0x10040, []byte("_BHRfS_M")},
	{"squashfs", 0, []byte("hsqs")},
	{"f2fs", 0x400, []byte{0x10, 0x20, 0xf5, 0xf2}},
	{"iso9660", 0x8001, []byte("CD001")},
	{"vfat", 0x36, []byte("FAT1")},
	{"vfat", 0x52, []byte("FAT32")},
	{"swap", 0xff6, []byte("SWAPSPACE2")},
}

// probeFstype reads superblock magics from the device at path. It returns
// ErrNoFstype when nothing matches and ErrAmbiguousFS when more than one
// distinct filesystem matches; the two cases must stay distinguishable so
// callers don't mount a wrong guess.
func probeFstype(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var found []string
	buf := make([]byte, 16)
	for _, sig := range fsSignatures {
		n, err := f.ReadAt(buf[:len(sig.magic)], sig.offset)
		if err != nil || n < len(sig.magic) {
			continue
		}
		if !bytes.Equal(buf[:len(sig.magic)], sig.magic) {
			continue
		}
		if len(found) == 0 || found[len(found)-1] != sig.fstype {
			found = append(found, sig.fstype)
		}
	}
	switch len(found) {
	case 0:
		return "", fmt.Errorf("%w on %s", ErrNoFstype, path)
	case 1:
		logrus.Debugf("probed %s as %s", path, found[0])
		return found[0], nil
	default:
		return "", fmt.Errorf("%w on %s: %v", ErrAmbiguousFS, path, found)
	}
}
