package pool

import (
	"path"
	"sync"
)

// ResultMap tracks in-flight and completed job results keyed by job id,
// and lets callers block until every pending job matching a set of
// glob-style patterns has completed — the Go rendering of
// AsyncProcessPool.awaitJobResults (spec.md §4.6).
type ResultMap struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending map[string]bool
	done    map[string]Result
	err     error
}

// NewResultMap returns an empty ResultMap.
func NewResultMap() *ResultMap {
	rm := &ResultMap{pending: map[string]bool{}, done: map[string]Result{}}
	rm.cond = sync.NewCond(&rm.mu)
	return rm
}

// MarkPending records that jobID has been submitted and has not yet
// completed.
func (rm *ResultMap) MarkPending(jobID string) {
	rm.mu.Lock()
	rm.pending[jobID] = true
	rm.mu.Unlock()
}

// Complete records a job's result and wakes any blocked AwaitJobResults
// callers.
func (rm *ResultMap) Complete(r Result) {
	rm.mu.Lock()
	delete(rm.pending, r.JobID)
	rm.done[r.JobID] = r
	rm.cond.Broadcast()
	rm.mu.Unlock()
}

// Fail marks the whole pool as dead (a worker died unexpectedly): every
// current and future AwaitJobResults call returns err.
func (rm *ResultMap) Fail(err error) {
	rm.mu.Lock()
	rm.err = err
	rm.cond.Broadcast()
	rm.mu.Unlock()
}

func matchesAny(id string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(p, id); ok {
			return true
		}
	}
	return false
}

// isSingletonPattern reports whether patterns names exactly one job id
// with no glob metacharacters — in that case its result stays resident so
// repeat awaits (e.g. polling the same named event-triggered job) keep
// seeing it; bucketed/glob results are removed from the map once
// collected, per spec.md §4.6.
func isSingletonPattern(patterns []string) bool {
	if len(patterns) != 1 {
		return false
	}
	for _, r := range patterns[0] {
		if r == '*' || r == '?' || r == '[' {
			return false
		}
	}
	return true
}

// AwaitJobResults blocks until every currently pending job matching any of
// patterns has completed, then returns every completed result matching
// patterns. Non-singleton (glob) results are removed from the map once
// collected; a singleton (exact job id) pattern's result stays resident so
// it can be awaited again later.
func (rm *ResultMap) AwaitJobResults(patterns []string) ([]Result, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	for {
		if rm.err != nil {
			return nil, rm.err
		}
		anyPending := false
		for id := range rm.pending {
			if matchesAny(id, patterns) {
				anyPending = true
				break
			}
		}
		if !anyPending {
			break
		}
		rm.cond.Wait()
	}

	singleton := isSingletonPattern(patterns)
	var out []Result
	for id, res := range rm.done {
		if !matchesAny(id, patterns) {
			continue
		}
		out = append(out, res)
		if !singleton {
			delete(rm.done, id)
		}
	}
	return out, nil
}
