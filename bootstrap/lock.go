package bootstrap

import (
	"fmt"

	"github.com/gofrs/flock"
)

// AcquireInstanceLock takes an exclusive, non-blocking lock at path,
// guaranteeing only one supervisor instance runs against a given root.
// The returned lock must be held (never unlocked) for the life of the
// process; the kernel releases it automatically on exit.
func AcquireInstanceLock(path string) (*flock.Flock, error) {
	l := flock.New(path)
	ok, err := l.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring instance lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("another instance already holds %s", path)
	}
	return l, nil
}
