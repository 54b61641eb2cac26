// Package lockfile wraps cross-process advisory file locking for the
// event log and the blackboard. Locks are acquired with a bounded
// timeout and jittered retry so competing processes do not stampede.
package lockfile

import (
	"context"
	"math/rand"
	"time"

	"github.com/gofrs/flock"

	"hivemind/internal/hiveerr"
)

// Acquire takes an exclusive lock on path, retrying with a random delay
// in [minRetry, maxRetry] until timeout. The returned lock must be
// released with Release on every exit path.
func Acquire(path string, timeout, minRetry, maxRetry time.Duration) (*flock.Flock, error) {
	fl := flock.New(path)
	deadline := time.Now().Add(timeout)

	for {
		ok, err := fl.TryLock()
		if err != nil {
			return nil, hiveerr.Database("lock acquisition failed", err)
		}
		if ok {
			return fl, nil
		}
		if time.Now().After(deadline) {
			return nil, hiveerr.Timeoutf("could not acquire lock %s within %s", path, timeout)
		}
		delay := minRetry
		if maxRetry > minRetry {
			delay += time.Duration(rand.Int63n(int64(maxRetry - minRetry)))
		}
		time.Sleep(delay)
	}
}

// AcquireContext is Acquire honoring ctx cancellation in addition to
// the timeout.
func AcquireContext(ctx context.Context, path string, timeout, minRetry, maxRetry time.Duration) (*flock.Flock, error) {
	fl := flock.New(path)
	deadline := time.Now().Add(timeout)

	for {
		select {
		case <-ctx.Done():
			return nil, hiveerr.Timeoutf("lock wait on %s canceled: %v", path, ctx.Err())
		default:
		}
		ok, err := fl.TryLock()
		if err != nil {
			return nil, hiveerr.Database("lock acquisition failed", err)
		}
		if ok {
			return fl, nil
		}
		if time.Now().After(deadline) {
			return nil, hiveerr.Timeoutf("could not acquire lock %s within %s", path, timeout)
		}
		delay := minRetry
		if maxRetry > minRetry {
			delay += time.Duration(rand.Int63n(int64(maxRetry - minRetry)))
		}
		time.Sleep(delay)
	}
}

// Release unlocks fl, swallowing errors; the lock file itself is left
// in place for the next acquirer.
func Release(fl *flock.Flock) {
	if fl != nil {
		_ = fl.Unlock()
	}
}
