package devicecache

import (
	"sync"
)

// WorkerPool 有界后台任务池
// 队列满或已关闭时由调用方同步执行任务，任务不会被丢弃
type WorkerPool struct {
	tasks chan func()
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewWorkerPool 创建任务池
func NewWorkerPool(workers, queueSize int) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}

	p := &WorkerPool{
		tasks: make(chan func(), queueSize),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		task()
	}
}

// Submit 提交任务，返回是否异步执行
func (p *WorkerPool) Submit(task func()) bool {
	p.mu.RLock()
	if !p.closed {
		select {
		case p.tasks <- task:
			p.mu.RUnlock()
			return true
		default:
		}
	}
	p.mu.RUnlock()

	task()
	return false
}

// Close 停止接收任务并等待已排队任务执行完毕
func (p *WorkerPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
}
