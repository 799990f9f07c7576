// Package filelock serializes writers of a file across processes and makes the written file
// appear atomically.
package filelock

import (
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// LockSuffix is appended to a file path to name its lock file.
const LockSuffix = ".lock"

// PollPeriod is the minimum wait between attempts to acquire a busy lock. Each wait adds a random
// jitter of up to another PollPeriod.
var PollPeriod = 500 * time.Millisecond

// Exec opens the lockPath file (or creates it if it doesn't yet exist), locks it, and executes fn.
// If lockPath is already locked, it polls until it acquires the lock.
//
// The lock file is not removed.
func Exec(lockPath string, fn func() error) (err error) {
	fileLock := flock.New(lockPath)
	for {
		locked, err := fileLock.TryLock()
		if err != nil {
			return errors.Wrapf(err, "while trying to lock %q", lockPath)
		}
		if locked {
			break
		}
		klog.V(2).Infof("waiting for lock %q", lockPath)
		time.Sleep(PollPeriod + rand.N(PollPeriod))
	}

	// Unlock even if fn panics.
	defer func() {
		unlockErr := fileLock.Unlock()
		if unlockErr != nil {
			if err == nil {
				err = errors.Wrapf(unlockErr, "unlocking file %q", lockPath)
			} else {
				klog.Errorf("Error unlocking file %q: %v", lockPath, unlockErr)
			}
		}
	}()
	return fn()
}

// WriteFile holds the lock of filePath while write creates a temporary sibling file, and then
// renames it over filePath. A failed write leaves any previous filePath untouched.
// The parent directory is created if missing.
func WriteFile(filePath string, write func(tmpPath string) error) error {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", filePath)
	}
	lockPath := filePath + LockSuffix
	errLock := Exec(lockPath, func() error {
		tmpPath := filePath + ".tmp"
		if err := write(tmpPath); err != nil {
			if rmErr := os.Remove(tmpPath); rmErr != nil && !os.IsNotExist(rmErr) {
				klog.Warningf("Failed removing temporary file %q: %v", tmpPath, rmErr)
			}
			return errors.WithMessagef(err, "while writing %q", tmpPath)
		}
		if err := os.Rename(tmpPath, filePath); err != nil {
			return errors.Wrapf(err, "failed to move %q to %q", tmpPath, filePath)
		}
		return nil
	})
	if errLock != nil {
		return errors.WithMessagef(errLock, "while locking %q to write %q", lockPath, filePath)
	}
	return nil
}
