package outswitch

import (
	"fmt"
	"runtime"
)

// apartment is the per-thread threading-model resource that has to be established
// before the platform audio services can be used on a thread
type apartment interface {

	// acquire establishes the resource on the current OS thread. owned is false when
	// someone else already holds the thread in an incompatible mode, in which case
	// the resource is usable but must not be released by us
	acquire() (owned bool, err error)
	release()
}

// withSession runs fn bracketed by an acquire/release of the given apartment.
// the goroutine stays pinned to its OS thread for the duration, since apartments are per-thread
func withSession(a apartment, fn func() error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	owned, err := a.acquire()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrResourceInit, err)
	}

	if owned {
		defer a.release()
	}

	return fn()
}
