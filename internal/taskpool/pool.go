// Package taskpool runs background tool executions on a fixed set of workers
// fed from a priority queue. Higher priority runs first; ties break FIFO by
// submission time.
package taskpool

import (
	"container/heap"
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jamaly87/mcp-router/internal/models"
)

// ExecuteFunc performs one tool call and returns the processed envelope.
// The pool stays decoupled from the supervisor and result pipeline through it.
type ExecuteFunc func(ctx context.Context, serverName, toolName string, args map[string]any) (*models.ResultEnvelope, error)

type queuedTask struct {
	task *models.Task
	seq  uint64
}

type taskHeap []*queuedTask

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	if !h[i].task.SubmittedAt.Equal(h[j].task.SubmittedAt) {
		return h[i].task.SubmittedAt.Before(h[j].task.SubmittedAt)
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)        { *h = append(*h, x.(*queuedTask)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Pool is the background execution engine.
type Pool struct {
	execute  ExecuteFunc
	maxQueue int

	mu     sync.Mutex
	cond   *sync.Cond
	queue  taskHeap
	tasks  map[string]*models.Task
	seq    uint64
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New starts a pool with the given worker count and queue bound.
func New(workers, maxQueue int, execute ExecuteFunc) *Pool {
	if workers <= 0 {
		workers = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		execute:  execute,
		maxQueue: maxQueue,
		tasks:    make(map[string]*models.Task),
		ctx:      ctx,
		cancel:   cancel,
	}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// Submit enqueues a background execution and returns its task ID.
func (p *Pool) Submit(serverName, toolName string, args map[string]any, priority int) (string, error) {
	task := &models.Task{
		ID:          uuid.New().String(),
		ServerName:  serverName,
		ToolName:    toolName,
		Arguments:   args,
		Priority:    priority,
		SubmittedAt: time.Now(),
		Status:      models.TaskQueued,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", models.NewError(models.KindInternal, "task pool is shut down")
	}
	if len(p.queue) >= p.maxQueue {
		return "", models.NewError(models.KindBackpressure,
			"task queue is full (%d pending)", len(p.queue))
	}

	p.seq++
	p.tasks[task.ID] = task
	heap.Push(&p.queue, &queuedTask{task: task, seq: p.seq})
	p.cond.Signal()

	log.Printf("Queued task %s: %s/%s priority=%d", task.ID, serverName, toolName, priority)
	return task.ID, nil
}

// Poll returns a copy of the task record, or a NOT_FOUND error.
func (p *Pool) Poll(taskID string) (*models.Task, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	task, ok := p.tasks[taskID]
	if !ok {
		return nil, models.NewError(models.KindNotFound, "no task with ID %s", taskID)
	}
	snapshot := *task
	return &snapshot, nil
}

// Cancel marks a QUEUED task cancelled. RUNNING tasks are not interrupted.
func (p *Pool) Cancel(taskID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	task, ok := p.tasks[taskID]
	if !ok {
		return false, models.NewError(models.KindNotFound, "no task with ID %s", taskID)
	}
	if task.Status != models.TaskQueued {
		return false, nil
	}
	task.Status = models.TaskCancelled
	return true, nil
}

// QueueDepth reports how many tasks are waiting for a worker.
func (p *Pool) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Close cancels queued tasks, stops accepting work and waits for workers.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	for _, qt := range p.queue {
		if qt.task.Status == models.TaskQueued {
			qt.task.Status = models.TaskCancelled
		}
	}
	p.queue = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		task := p.next()
		if task == nil {
			return
		}

		log.Printf("Running task %s: %s/%s", task.ID, task.ServerName, task.ToolName)
		envelope, err := p.execute(p.ctx, task.ServerName, task.ToolName, task.Arguments)

		p.mu.Lock()
		if err != nil {
			task.Status = models.TaskFailed
			task.Error = err.Error()
		} else {
			task.Status = models.TaskSucceeded
			task.Result = envelope
		}
		p.mu.Unlock()
		log.Printf("Task %s finished: %s", task.ID, task.Status)
	}
}

// next blocks until a runnable task is available, marks it RUNNING and
// returns it. Returns nil when the pool is closed.
func (p *Pool) next() *models.Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.closed {
			return nil
		}
		qt := heap.Pop(&p.queue).(*queuedTask)
		if qt.task.Status == models.TaskCancelled {
			continue
		}
		qt.task.Status = models.TaskRunning
		return qt.task
	}
}
