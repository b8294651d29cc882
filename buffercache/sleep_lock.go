package buffercache

import "sync"

// sleepLock is a long term exclusive lock. A goroutine that cannot take it sleeps on a condition variable
// until the holder releases it, so it may be held across disk I/O.
type sleepLock struct {
	mutex  *sync.Mutex
	wakeup *sync.Cond

	locked bool
	name   string
}

func newSleepLock(name string) *sleepLock {

	mutex := &sync.Mutex{}

	return &sleepLock{
		mutex:  mutex,
		wakeup: sync.NewCond(mutex),
		name:   name,
	}
}

func (lock *sleepLock) acquire() {

	lock.mutex.Lock()
	for lock.locked {
		lock.wakeup.Wait()
	}
	lock.locked = true
	lock.mutex.Unlock()
}

func (lock *sleepLock) release() {

	lock.mutex.Lock()
	lock.locked = false
	lock.wakeup.Broadcast()
	lock.mutex.Unlock()
}

// holding reports whether the lock is currently held.
func (lock *sleepLock) holding() bool {

	lock.mutex.Lock()
	defer lock.mutex.Unlock()

	return lock.locked
}
