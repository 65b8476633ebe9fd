package worker

import (
	"log"
	"runtime/debug"
)

type JobType string

const (
	Generate JobType = "generate"
	Stop     JobType = "stop"
)

// Job is one unit of pool work. Generate jobs run one agent reply.
type Job struct {
	Type      JobType
	ProjectID int64
	AgentID   int64
	Run       func()
}

type Worker struct {
	id         int
	pool       *jobChannelPool
	jobChannel chan Job
}

func newWorker(pool *jobChannelPool, id int) *Worker {
	return &Worker{
		id:         id,
		pool:       pool,
		jobChannel: make(chan Job),
	}
}

func (w *Worker) Start() {
	go func() {
		for job := range w.jobChannel {
			if job.Type == Stop {
				w.pool.retire(w.jobChannel)
				debugLog("[worker-%d] stopped", w.id)
				return
			}
			w.run(job)
			if !w.pool.Release(w.jobChannel) {
				debugLog("[worker-%d] stopped", w.id)
				return
			}
		}
	}()
}

func (w *Worker) run(job Job) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("worker-%d: job for project %d agent %d panicked: %v\n%s", w.id, job.ProjectID, job.AgentID, r, debug.Stack())
		}
	}()
	debugLog("[worker-%d] run %s job project=%d agent=%d", w.id, job.Type, job.ProjectID, job.AgentID)
	if job.Run != nil {
		job.Run()
	}
}
