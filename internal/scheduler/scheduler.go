package scheduler

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler wraps robfig/cron and tracks named jobs so they can be replaced
// and their next run reported.
type Scheduler struct {
	mu      sync.RWMutex
	c       *cron.Cron
	entries map[string]entry
}

type entry struct {
	id   cron.EntryID
	expr string
}

// Entry describes one scheduled job.
type Entry struct {
	Name    string    `json:"name"`
	Cron    string    `json:"cron"`
	NextRun time.Time `json:"next_run"`
}

// New creates a stopped Scheduler. Call Start to activate it.
func New() *Scheduler {
	return &Scheduler{
		c:       cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		entries: make(map[string]entry),
	}
}

// SetJob schedules fn under name, replacing any job of the same name.
// If the scheduler is already running, the new job takes effect immediately.
func (s *Scheduler) SetJob(name, expr string, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.c.AddFunc(expr, fn)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q for %s: %w", expr, name, err)
	}
	if old, ok := s.entries[name]; ok {
		s.c.Remove(old.id)
	}
	s.entries[name] = entry{id: id, expr: expr}
	slog.Info("scheduler: job set", "job", name, "cron", expr)
	return nil
}

// RemoveJob unschedules name. Unknown names are ignored.
func (s *Scheduler) RemoveJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[name]; ok {
		s.c.Remove(old.id)
		delete(s.entries, name)
		slog.Info("scheduler: job removed", "job", name)
	}
}

// Start begins the cron loop.
func (s *Scheduler) Start() {
	s.c.Start()
}

// Stop halts the cron loop and waits for running jobs to return.
func (s *Scheduler) Stop() {
	<-s.c.Stop().Done()
}

// NextRunAt returns the next run of name, or nil if it is not scheduled or
// the scheduler has not started.
func (s *Scheduler) NextRunAt(name string) *time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[name]
	if !ok {
		return nil
	}
	ce := s.c.Entry(e.id)
	if ce.ID == 0 || ce.Next.IsZero() {
		return nil
	}
	t := ce.Next
	return &t
}

// Entries lists scheduled jobs by name.
func (s *Scheduler) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.entries))
	for name, e := range s.entries {
		out = append(out, Entry{Name: name, Cron: e.expr, NextRun: s.c.Entry(e.id).Next})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
