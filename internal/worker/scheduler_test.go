package worker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerAlternatesBetweenProjects(t *testing.T) {
	s := newScheduler(0, 1, 16, time.Hour)
	defer s.close()

	var (
		mu    sync.Mutex
		order []string
		wg    sync.WaitGroup
	)
	record := func(name string) func() {
		return func() {
			defer wg.Done()
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}

	gate := make(chan struct{})
	started := make(chan struct{})
	wg.Add(1)
	require.NoError(t, s.submit(Job{Type: Generate, ProjectID: 1, Run: func() {
		defer wg.Done()
		close(started)
		<-gate
	}}))
	<-started

	for _, j := range []struct {
		project int64
		name    string
	}{{1, "p1-2"}, {1, "p1-3"}, {1, "p1-4"}, {2, "p2-1"}} {
		wg.Add(1)
		require.NoError(t, s.submit(Job{Type: Generate, ProjectID: j.project, Run: record(j.name)}))
	}
	close(gate)
	wg.Wait()

	require.Len(t, order, 4)
	index := func(name string) int {
		for i, n := range order {
			if n == name {
				return i
			}
		}
		return -1
	}
	assert.Less(t, index("p2-1"), index("p1-4"), "project 2 waited behind every job of project 1: %v", order)
	assert.Less(t, index("p1-2"), index("p1-3"))
	assert.Less(t, index("p1-3"), index("p1-4"))
}

func TestSchedulerRejectsWhenQueueFull(t *testing.T) {
	s := newScheduler(0, 1, 1, time.Hour)
	defer s.close()

	gate := make(chan struct{})
	var wg sync.WaitGroup
	blocked := func() {
		defer wg.Done()
		<-gate
	}

	var busy error
	for i := 0; i < 10 && busy == nil; i++ {
		wg.Add(1)
		if err := s.submit(Job{Type: Generate, ProjectID: 1, Run: blocked}); err != nil {
			wg.Done()
			busy = err
		}
	}
	assert.ErrorIs(t, busy, ErrDispatcherBusy)
	close(gate)
	wg.Wait()
}

func TestSchedulerRecoversFromPanickingJob(t *testing.T) {
	s := newScheduler(1, 1, 4, time.Hour)
	defer s.close()

	done := make(chan struct{})
	require.NoError(t, s.submit(Job{Type: Generate, ProjectID: 1, Run: func() { panic("boom") }}))
	require.NoError(t, s.submit(Job{Type: Generate, ProjectID: 1, Run: func() { close(done) }}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive a panicking job")
	}
}

func TestPoolRetiresIdleWorkersDownToMin(t *testing.T) {
	p := newJobChannelPool(1, 3, time.Hour)

	var chans []chan Job
	for i := 0; i < 3; i++ {
		ch, ok := p.acquire()
		require.True(t, ok)
		chans = append(chans, ch)
	}
	running, _ := p.size()
	assert.Equal(t, 3, running)

	for _, ch := range chans {
		assert.True(t, p.Release(ch))
	}
	p.mu.Lock()
	for _, meta := range p.idle {
		meta.lastUsed = time.Now().Add(-2 * time.Hour)
	}
	p.mu.Unlock()

	p.shutdownExpired()
	require.Eventually(t, func() bool {
		running, idle := p.size()
		return running == 1 && idle == 1
	}, time.Second, 10*time.Millisecond)

	p.close()
	require.Eventually(t, func() bool {
		running, _ := p.size()
		return running == 0
	}, time.Second, 10*time.Millisecond)
	_, ok := p.acquire()
	assert.False(t, ok)
}
