package signatures

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// acquireLock takes the cross-process update lock at path, retrying for up to
// timeout while another process holds it. An empty path means no locking.
// The returned func releases the lock.
func acquireLock(ctx context.Context, path string, timeout time.Duration) (func(), error) {
	if path == "" {
		return func() {}, nil
	}
	if timeout <= 0 {
		return lockFile(path)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 50 * time.Millisecond
	eb.MaxElapsedTime = timeout

	var unlock func()
	err := backoff.Retry(func() error {
		u, err := lockFile(path)
		if errors.Is(err, ErrLocked) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		unlock = u
		return nil
	}, backoff.WithContext(eb, ctx))
	if err != nil {
		return nil, err
	}
	return unlock, nil
}
