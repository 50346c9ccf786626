package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/semaphore"
)

const lockRetryDelay = 5 * time.Millisecond

// indexLock 由进程内信号量 + 跨进程文件锁组成，两级等待都受 timeout 约束。
type indexLock struct {
	path    string
	timeout time.Duration
	sem     *semaphore.Weighted
}

func newIndexLock(path string, timeout time.Duration) *indexLock {
	return &indexLock{
		path:    path,
		timeout: timeout,
		sem:     semaphore.NewWeighted(1),
	}
}

// acquire blocks for at most l.timeout and returns the release func.
func (l *indexLock) acquire(ctx context.Context) (func(), error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, lockError(err)
	}

	fl := flock.New(l.path)
	ok, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil || !ok {
		l.sem.Release(1)
		if err == nil {
			err = context.DeadlineExceeded
		}
		return nil, lockError(err)
	}

	return func() {
		_ = fl.Unlock()
		l.sem.Release(1)
	}, nil
}

func lockError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrLockTimeout
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStorageIO, err)
}

// keyLocks 串行化同一进程内对同一 key 的 Set/Delete，避免两次写入读到同一份旧 tag。
type keyLocks struct {
	timeout time.Duration

	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  *semaphore.Weighted
	refs int
}

func newKeyLocks(timeout time.Duration) *keyLocks {
	return &keyLocks{
		timeout: timeout,
		locks:   make(map[string]*keyLock),
	}
}

func (k *keyLocks) lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	lock := k.locks[key]
	if lock == nil {
		lock = &keyLock{sem: semaphore.NewWeighted(1)}
		k.locks[key] = lock
	}
	lock.refs++
	k.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	if err := lock.sem.Acquire(ctx, 1); err != nil {
		k.release(key, lock)
		return nil, lockError(err)
	}

	return func() {
		lock.sem.Release(1)
		k.release(key, lock)
	}, nil
}

func (k *keyLocks) release(key string, lock *keyLock) {
	k.mu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}
