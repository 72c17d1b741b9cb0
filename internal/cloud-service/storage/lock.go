package storage

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// fileLocks serialises mutations of the same file id. Entries live only
// while someone holds or waits for them.
type fileLocks struct {
	mu    sync.Mutex
	locks map[uint]*fileLock
}

type fileLock struct {
	sem  *semaphore.Weighted
	refs int
}

func newFileLocks() *fileLocks {
	return &fileLocks{locks: make(map[uint]*fileLock)}
}

func (l *fileLocks) lock(ctx context.Context, id uint) (func(), error) {
	l.mu.Lock()
	fl, ok := l.locks[id]
	if !ok {
		fl = &fileLock{sem: semaphore.NewWeighted(1)}
		l.locks[id] = fl
	}
	fl.refs++
	l.mu.Unlock()

	if err := fl.sem.Acquire(ctx, 1); err != nil {
		l.release(id, fl)
		return nil, err
	}
	return func() {
		fl.sem.Release(1)
		l.release(id, fl)
	}, nil
}

func (l *fileLocks) release(id uint, fl *fileLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fl.refs--
	if fl.refs == 0 {
		delete(l.locks, id)
	}
}
