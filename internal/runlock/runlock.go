// Package runlock serializes pipeline runs with a pidfile under the
// staging root. Two schedulers fighting over the same staging
// directories would double-transmit cases, so a run refuses to start
// while another process holds the lock.
package runlock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrLockBusy is returned when another live process holds the lock.
var ErrLockBusy = errors.New("run lock already held by another process")

// Lock is a held run lock. Release it with Unlock.
type Lock struct {
	path string
	file *os.File
}

// Acquire takes the run lock for the given staging root, writing the
// current pid into the pidfile. Returns ErrLockBusy when another
// process holds it.
func Acquire(stagingRoot string) (*Lock, error) {
	path := filepath.Join(stagingRoot, "asap.pid")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open pidfile: %w", err)
	}
	if err := flockExclusive(f); err != nil {
		f.Close()
		if errors.Is(err, ErrLockBusy) {
			if pid, ok := lockHolder(path); ok {
				return nil, fmt.Errorf("%w (pid %d)", ErrLockBusy, pid)
			}
			return nil, ErrLockBusy
		}
		return nil, fmt.Errorf("lock pidfile: %w", err)
	}
	if err := f.Truncate(0); err != nil {
		flockUnlock(f)
		f.Close()
		return nil, err
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		flockUnlock(f)
		f.Close()
		return nil, err
	}
	return &Lock{path: path, file: f}, nil
}

// Unlock releases the lock and removes the pidfile.
func (l *Lock) Unlock() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := flockUnlock(l.file)
	closeErr := l.file.Close()
	l.file = nil
	os.Remove(l.path)
	if err != nil {
		return err
	}
	return closeErr
}

// Holder reports the pid recorded in the staging root's pidfile, if a
// live process still holds it. Used for diagnostics when a run is
// refused.
func Holder(stagingRoot string) (int, bool) {
	return lockHolder(filepath.Join(stagingRoot, "asap.pid"))
}

func lockHolder(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	if !isProcessRunning(pid) {
		return 0, false
	}
	return pid, true
}
