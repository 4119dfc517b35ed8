package signal

import "sync"

// Runner serializes a recurring task. At most one execution is in flight;
// a Trigger arriving mid-run marks the task to run once more instead of
// starting a concurrent execution. This is the drain discipline of the
// negotiation engine: a second trigger never interleaves, it re-queues.
type Runner struct {
	fn func()

	mu      sync.Mutex
	running bool
	again   bool
}

func NewRunner(fn func()) *Runner {
	return &Runner{fn: fn}
}

// Trigger requests one execution. If the task is already running the
// request collapses into a single pending re-run.
func (r *Runner) Trigger() {
	r.mu.Lock()
	if r.running {
		r.again = true
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	go r.loop()
}

func (r *Runner) loop() {
	for {
		r.fn()

		r.mu.Lock()
		if r.again {
			r.again = false
			r.mu.Unlock()
			continue
		}
		r.running = false
		r.mu.Unlock()
		return
	}
}
