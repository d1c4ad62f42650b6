package imagecache

import "sync"

// serialQueue executes submitted funcs one at a time on a dedicated
// goroutine. Totally ordering all disk work on one goroutine is what makes
// the disk store safe without per-operation locking.
type serialQueue struct {
	work chan func()
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func newSerialQueue() *serialQueue {
	q := &serialQueue{
		work: make(chan func(), 64),
	}
	q.wg.Add(1)
	go q.loop()
	return q
}

func (q *serialQueue) loop() {
	defer q.wg.Done()
	for f := range q.work {
		f()
	}
}

// async enqueues f for execution. Returns false after close.
func (q *serialQueue) async(f func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.work <- f
	return true
}

// sync enqueues f and blocks until it has run, preserving the total order
// with all async work.
func (q *serialQueue) sync(f func()) {
	done := make(chan struct{})
	if !q.async(func() {
		defer close(done)
		f()
	}) {
		return
	}
	<-done
}

// close drains pending work and stops the goroutine.
func (q *serialQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	close(q.work)
	q.wg.Wait()
}
