package strata

import "sync"

// task is one unit of deferred engine work.
type task func()

// loop is the factory's driving loop: one goroutine, two deferral
// tiers. The continuation tier is drained completely before each
// checkpoint task; external submissions are picked up only between full
// drains. Request completions and the abort/auto-commit decisions run
// on the checkpoint tier, so code reacting to a just-settled request
// (continuation tier) always observes the transaction before the engine
// decides its fate.
type loop struct {
	mu   sync.Mutex
	cond *sync.Cond

	submissions   []task
	continuations []task
	checkpoints   []task

	closed bool
	done   chan struct{}
}

func newLoop() *loop {
	l := &loop{done: make(chan struct{})}
	l.cond = sync.NewCond(&l.mu)
	go l.run()
	return l
}

// submit queues external work. It is picked up after the current drain
// completes. Submissions after close are dropped.
func (l *loop) submit(t task) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.submissions = append(l.submissions, t)
	l.cond.Signal()
}

// continuation queues t on the continuation tier.
func (l *loop) continuation(t task) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.continuations = append(l.continuations, t)
	l.cond.Signal()
}

// checkpoint queues t on the checkpoint tier.
func (l *loop) checkpoint(t task) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.checkpoints = append(l.checkpoints, t)
	l.cond.Signal()
}

// close stops the loop after the current backlog drains and blocks
// until the goroutine exits.
func (l *loop) close() {
	l.mu.Lock()
	l.closed = true
	l.cond.Signal()
	l.mu.Unlock()
	<-l.done
}

func (l *loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		for !l.pendingLocked() && !l.closed {
			l.cond.Wait()
		}
		if !l.pendingLocked() && l.closed {
			l.mu.Unlock()
			return
		}
		t := l.nextLocked()
		l.mu.Unlock()
		t()
	}
}

func (l *loop) pendingLocked() bool {
	return len(l.continuations) > 0 || len(l.checkpoints) > 0 || len(l.submissions) > 0
}

// nextLocked pops the next task in tier order: continuations, then
// checkpoints, then external submissions.
func (l *loop) nextLocked() task {
	if len(l.continuations) > 0 {
		t := l.continuations[0]
		l.continuations = l.continuations[1:]
		return t
	}
	if len(l.checkpoints) > 0 {
		t := l.checkpoints[0]
		l.checkpoints = l.checkpoints[1:]
		return t
	}
	t := l.submissions[0]
	l.submissions = l.submissions[1:]
	return t
}
