package factory

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// taskKind distinguishes the two jobs the Factory ever schedules.
type taskKind int

const (
	taskProvision taskKind = iota
	taskTeardown
)

type task struct {
	kind taskKind
	run  func()
}

const defaultWorkers = 4

// workerPool is a bounded, channel-fed goroutine pool: a fixed worker
// count draining a buffered task channel, with a WaitGroup drain on
// Stop so in-flight provision/teardown work finishes before shutdown
// returns.
type workerPool struct {
	workers int
	taskCh  chan task
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
	log     *logrus.Logger
}

func newWorkerPool(workers int, log *logrus.Logger) *workerPool {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &workerPool{
		workers: workers,
		taskCh:  make(chan task, workers*4),
		stopCh:  make(chan struct{}),
		log:     log,
	}
}

func (p *workerPool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
}

func (p *workerPool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	close(p.stopCh)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *workerPool) run(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case t := <-p.taskCh:
			func() {
				defer func() {
					if r := recover(); r != nil {
						p.log.WithField("worker", id).Errorf("factory worker panic: %v", r)
					}
				}()
				t.run()
			}()
		}
	}
}

// Submit enqueues a task, blocking if the channel is full. It never
// blocks past Stop: if the pool is draining, the task is dropped.
func (p *workerPool) Submit(kind taskKind, run func()) {
	select {
	case p.taskCh <- task{kind: kind, run: run}:
	case <-p.stopCh:
	}
}
