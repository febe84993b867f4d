package validation

import (
	"sync"
	"time"
)

// JobCache holds the work templates shares may reference.
type JobCache struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewJobCache creates an empty cache.
func NewJobCache() *JobCache {
	return &JobCache{jobs: make(map[string]*Job)}
}

// Add registers job, replacing any job with the same id.
func (c *JobCache) Add(job *Job) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs[job.ID] = job
}

// Remove forgets a job.
func (c *JobCache) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.jobs, id)
}

// Get returns the job with id.
func (c *JobCache) Get(id string) (*Job, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	job, ok := c.jobs[id]
	return job, ok
}

// ExpireAll marks every cached job stale from at onward. Jobs already
// expiring earlier keep their expiry.
func (c *JobCache) ExpireAll(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, job := range c.jobs {
		if !job.ExpiresAt.IsZero() && job.ExpiresAt.Before(at) {
			continue
		}
		cp := *job
		cp.ExpiresAt = at
		c.jobs[id] = &cp
	}
}

// Prune drops jobs that expired before now and returns how many.
func (c *JobCache) Prune(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, job := range c.jobs {
		if !job.ExpiresAt.IsZero() && now.After(job.ExpiresAt) {
			delete(c.jobs, id)
			n++
		}
	}
	return n
}

// Len returns the number of cached jobs.
func (c *JobCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.jobs)
}
