package worker

import (
	"container/list"
	"errors"
	"sync"
	"time"
)

var (
	// ErrDispatcherBusy is returned when the job queue is full.
	ErrDispatcherBusy  = errors.New("dispatcher queue full")
	errSchedulerClosed = errors.New("dispatcher closed")
)

type projectQueue struct {
	jobs     []Job
	enqueued bool
}

// scheduler feeds the pool fairly: projects with pending jobs take turns,
// so a project submitting many agents cannot starve the others.
type scheduler struct {
	pool     *jobChannelPool
	jobQueue chan Job // interface for outer jobs get in the scheduler

	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	queues    map[int64]*projectQueue // job queue for each project
	ready     *list.List              // round robin of project IDs
	positions map[int64]*list.Element
}

func newScheduler(minWorkers, maxWorkers, queueSize int, idleTimeout time.Duration) *scheduler {
	if queueSize <= 0 {
		queueSize = 64
	}
	s := &scheduler{
		pool:      newJobChannelPool(minWorkers, maxWorkers, idleTimeout),
		jobQueue:  make(chan Job, queueSize),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		queues:    make(map[int64]*projectQueue),
		ready:     list.New(),
		positions: make(map[int64]*list.Element),
	}
	for i := 0; i < minWorkers; i++ {
		s.pool.spawnWorker()
	}
	go s.run()
	return s
}

// submit queues job without blocking.
func (s *scheduler) submit(job Job) error {
	select {
	case <-s.quit:
		return errSchedulerClosed
	default:
	}
	select {
	case s.jobQueue <- job:
		return nil
	default:
		return ErrDispatcherBusy
	}
}

func (s *scheduler) run() {
	defer close(s.done)
	for {
		if !s.dispatchOne() {
			select {
			case job := <-s.jobQueue: // wait for work
				s.enqueueJob(job)
			case <-s.quit:
				s.drain()
				return
			}
			continue
		}
		s.collect()
	}
}

// collect moves every submitted job into its project queue.
func (s *scheduler) collect() {
	for {
		select {
		case job := <-s.jobQueue:
			s.enqueueJob(job)
		default:
			return
		}
	}
}

func (s *scheduler) enqueueJob(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queues[job.ProjectID]
	if q == nil {
		q = &projectQueue{}
		s.queues[job.ProjectID] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	s.positions[job.ProjectID] = s.ready.PushBack(job.ProjectID)
}

// dispatchOne takes the next job of the project at the front and hands it to a worker.
func (s *scheduler) dispatchOne() bool {
	s.mu.Lock()
	elem := s.ready.Front()
	if elem == nil {
		s.mu.Unlock()
		return false
	}
	projectID := elem.Value.(int64)
	q := s.queues[projectID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		q.enqueued = false
		s.ready.Remove(elem)
		delete(s.positions, projectID)
		delete(s.queues, projectID)
	} else {
		s.ready.MoveToBack(elem)
	}
	s.mu.Unlock()

	workerChan, ok := s.pool.acquire()
	if !ok {
		// pool closed underneath us; finish the job here so callers are not left waiting
		runInline(job)
		return true
	}
	debugLog("[scheduler] assign job %s for project %d agent %d to worker-%d", job.Type, projectID, job.AgentID, s.pool.workerID(workerChan))
	workerChan <- job
	return true
}

// drain runs whatever was queued when the scheduler stopped.
func (s *scheduler) drain() {
	s.collect()
	for s.dispatchOne() {
	}
}

func (s *scheduler) close() {
	s.closeOnce.Do(func() {
		close(s.quit)
		<-s.done
		s.pool.close()
	})
}

func runInline(job Job) {
	(&Worker{}).run(job)
}
