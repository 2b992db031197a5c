// Package metadata coalesces title/description edits before they are
// pushed to the external platform. The platform's update quota is precious;
// an operator typing a title should cost one API call, not one per
// keystroke.
package metadata

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Patch carries the pending fields for one job. Nil means untouched.
type Patch struct {
	Title       *string
	Description *string
}

// merge folds p2 into p, last writer wins per field.
func (p *Patch) merge(p2 Patch) {
	if p2.Title != nil {
		p.Title = p2.Title
	}
	if p2.Description != nil {
		p.Description = p2.Description
	}
}

// Debouncer keeps at most one pending update per job id. Scheduling a new
// update cancels the running timer, merges the fields, and starts a fresh
// delay. On fire, apply is invoked with the merged patch outside the lock.
type Debouncer struct {
	mu      sync.Mutex
	delay   time.Duration
	pending map[string]*entry
	apply   func(jobID string, patch Patch)
	logger  *zap.Logger
}

type entry struct {
	timer *time.Timer
	patch Patch
}

// NewDebouncer creates a Debouncer firing apply after delay of quiet time.
func NewDebouncer(delay time.Duration, apply func(jobID string, patch Patch), logger *zap.Logger) *Debouncer {
	return &Debouncer{
		delay:   delay,
		pending: make(map[string]*entry),
		apply:   apply,
		logger:  logger.Named("metadata"),
	}
}

// Schedule merges patch into the job's pending update and restarts its
// timer.
func (d *Debouncer) Schedule(jobID string, patch Patch) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.pending[jobID]
	if ok {
		e.timer.Stop()
		e.patch.merge(patch)
	} else {
		e = &entry{patch: patch}
		d.pending[jobID] = e
	}
	e.timer = time.AfterFunc(d.delay, func() { d.fire(jobID) })
}

// Cancel drops any pending update for the job. Called on every terminal
// transition; metadata must never propagate for a stopped job.
func (d *Debouncer) Cancel(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if e, ok := d.pending[jobID]; ok {
		e.timer.Stop()
		delete(d.pending, jobID)
	}
}

// Shutdown cancels every pending timer.
func (d *Debouncer) Shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for id, e := range d.pending {
		e.timer.Stop()
		delete(d.pending, id)
	}
}

func (d *Debouncer) fire(jobID string) {
	d.mu.Lock()
	e, ok := d.pending[jobID]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.pending, jobID)
	patch := e.patch
	d.mu.Unlock()

	d.logger.Debug("flushing metadata update", zap.String("job_id", jobID))
	d.apply(jobID, patch)
}
