// Package retention keeps the store bounded to live rooms: sessions are
// reconciled against the rooms actually live, checkpoints of closed rooms are
// removed and the execution log is aged out.
package retention

import (
	"log"
	"sync"
	"time"

	"github.com/manpreetbhatti/codecollab/internal/db"
)

type Config struct {
	Interval time.Duration
	// Execution log rows older than this are deleted.
	ExecutionTTL time.Duration
	// Closed session rows older than this are deleted. Zero keeps them.
	SessionTTL time.Duration
	// Rows younger than this are left alone by reconciliation, so a room
	// whose open is still being recorded is not mistaken for a dead one.
	Grace time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:     10 * time.Minute,
		ExecutionTTL: 7 * 24 * time.Hour,
		SessionTTL:   30 * 24 * time.Hour,
		Grace:        time.Minute,
	}
}

type Service struct {
	database *db.Database
	config   Config
	live     func() []string
	now      func() time.Time
	stop     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// New builds the service. live reports the instance ids of the rooms in
// memory; with a nil live open sessions are never reconciled.
func New(database *db.Database, config Config, live func() []string) *Service {
	return &Service{
		database: database,
		config:   config,
		live:     live,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

// Recover closes sessions a previous process left open and drops their
// checkpoints. It must run before the server accepts connections.
func (s *Service) Recover() error {
	rooms, err := s.database.CloseStaleSessions(s.now())
	if err != nil {
		return err
	}
	removed, err := s.database.DeleteOrphanCheckpoints(nil, s.now())
	if err != nil {
		return err
	}
	if len(rooms) > 0 || removed > 0 {
		log.Printf("🧹 Recovered %d stale sessions, removed %d checkpoints", len(rooms), removed)
	}
	return nil
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	log.Printf("🧹 Retention service started (interval: %v, execution ttl: %v)",
		s.config.Interval, s.config.ExecutionTTL)
}

// Stop is safe to call more than once.
func (s *Service) Stop() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
	log.Println("🧹 Retention service stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.Sweep()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep runs one retention pass. Failures are logged and the pass moves on.
func (s *Service) Sweep() {
	now := s.now()
	cutoff := now.Add(-s.config.Grace)

	var live []string
	if s.live != nil {
		live = s.live()
		closed, err := s.database.CloseSessionsExcept(live, cutoff, now)
		if err != nil {
			log.Printf("Retention: failed to reconcile sessions: %v", err)
		} else if closed > 0 {
			log.Printf("⚠️ Closed %d sessions with no live room", closed)
		}
	}

	checkpoints, err := s.database.DeleteOrphanCheckpoints(live, cutoff)
	if err != nil {
		log.Printf("Retention: failed to delete orphan checkpoints: %v", err)
	}

	var executions int64
	if s.config.ExecutionTTL > 0 {
		executions, err = s.database.PruneExecutions(now.Add(-s.config.ExecutionTTL))
		if err != nil {
			log.Printf("Retention: failed to prune executions: %v", err)
		}
	}

	var sessions int64
	if s.config.SessionTTL > 0 {
		sessions, err = s.database.PruneSessions(now.Add(-s.config.SessionTTL))
		if err != nil {
			log.Printf("Retention: failed to prune sessions: %v", err)
		}
	}

	if checkpoints+executions+sessions > 0 {
		log.Printf("🧹 Removed %d checkpoints, %d executions, %d sessions",
			checkpoints, executions, sessions)
	}
}
