// Package autosnap runs a cron-scheduled background snapshot of a Pool,
// using a cron.Cron plus a running-flag no-overlap guard to fire
// pool.Snapshot on a fixed schedule.
package autosnap

import (
	"log"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/sharedmem/poold/internal/pool"
)

// Scheduler periodically snapshots a Pool to a fixed path.
type Scheduler struct {
	pool    *pool.Pool
	path    string
	cron    *cron.Cron
	mu      sync.Mutex
	running bool
}

// New builds a Scheduler that will snapshot p to path on the given cron
// expression (standard 5-field crontab syntax) once Start is called.
func New(p *pool.Pool, path, expr string) (*Scheduler, error) {
	c := cron.New()
	s := &Scheduler{pool: p, path: path, cron: c}
	if _, err := c.AddFunc(expr, s.run); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins the cron loop in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	log.Printf("autosnap: scheduled snapshots to %s", s.path)
}

// Stop halts the cron loop and waits for any in-flight snapshot to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// run executes one snapshot, skipping if a previous run is still in
// flight.
func (s *Scheduler) run() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		log.Printf("autosnap: previous snapshot still running, skipping this tick")
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	if err := s.pool.Snapshot(s.path); err != nil {
		log.Printf("autosnap: snapshot failed: %v", err)
		return
	}
	log.Printf("autosnap: snapshot written to %s", s.path)
}
