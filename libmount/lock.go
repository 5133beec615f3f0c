package libmount

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
)

// lockTimeout bounds how long one invocation waits for a competing
// mount/umount process to let go of the userspace table.
const lockTimeout = 10 * time.Second

// Lock serializes utab read-modify-write cycles across processes. It is a
// cooperative flock(2) on a sidecar lock file; nothing here protects against
// writers that don't take the lock.
type Lock struct {
	fl     *flock.Flock
	locked bool
}

// NewLock returns an unlocked lock for the table at tabPath.
func NewLock(tabPath string) *Lock {
	return &Lock{fl: flock.New(tabPath + ".lock")}
}

// Lock acquires the file lock, polling until lockTimeout.
func (l *Lock) Lock() error {
	if l.locked {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()
	ok, err := l.fl.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLocked, err)
	}
	if !ok {
		return ErrLocked
	}
	l.locked = true
	logrus.Debugf("acquired lock %s", l.fl.Path())
	return nil
}

// Unlock releases the lock if held. Safe to call twice.
func (l *Lock) Unlock() {
	if !l.locked {
		return
	}
	if err := l.fl.Unlock(); err != nil {
		logrus.Warnf("failed to unlock %s: %v", l.fl.Path(), err)
	}
	l.locked = false
}

// Locked reports whether the lock is currently held.
func (l *Lock) Locked() bool { return l.locked }
