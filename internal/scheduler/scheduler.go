package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bizblasts/calsync/internal/activity"
	"github.com/bizblasts/calsync/internal/coordinator"
	"github.com/bizblasts/calsync/internal/db"
	"github.com/bizblasts/calsync/internal/keylock"
)

const (
	cleanupSchedule  = "@daily"
	logRetentionDays = 30
	syncTimeout      = 2 * time.Minute  // Maximum time for one booking operation
	sweepTimeout     = 10 * time.Minute // Maximum time for one business retry sweep
)

var ErrNotStarted = errors.New("scheduler is not running")

// Syncer is the part of the coordinator the scheduler drives.
type Syncer interface {
	SyncBooking(ctx context.Context, b *db.Booking) (*coordinator.BookingResult, error)
	UpdateBooking(ctx context.Context, b *db.Booking) (*coordinator.BookingResult, error)
	DeleteBooking(ctx context.Context, b *db.Booking) (*coordinator.BookingResult, error)
	RetryFailedSyncs(ctx context.Context, businessID string, limit int) (*coordinator.RetryResult, error)
}

// Store is the persistence the scheduler reads.
type Store interface {
	ListBusinessIDs(ctx context.Context) ([]string, error)
	GetBooking(ctx context.Context, id string) (*db.Booking, error)
	CleanOldSyncLogs(ctx context.Context, olderThan time.Time) (int64, error)
}

// Config controls the background jobs.
type Config struct {
	RetrySchedule string
	RetryLimit    int
	Workers       int
}

// Scheduler runs the periodic retry sweep and log cleanup, and executes
// booking sync triggers in the background.
type Scheduler struct {
	store  Store
	syncer Syncer
	cfg    Config

	cron     *cron.Cron
	sweeps   *keylock.Map
	slots    chan struct{}
	activity *activity.Tracker

	// queues holds the pending actions of each booking in submission order.
	// A booking has an entry only while its drain goroutine runs.
	queues map[string][]db.SyncAction

	mu      sync.Mutex
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	now     func() time.Time
}

// New creates a new scheduler.
func New(store Store, syncer Syncer, cfg Config) *Scheduler {
	if cfg.RetrySchedule == "" {
		cfg.RetrySchedule = "@every 5m"
	}
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = 100
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:    store,
		syncer:   syncer,
		cfg:      cfg,
		cron:     cron.New(),
		sweeps:   keylock.New(),
		slots:    make(chan struct{}, cfg.Workers),
		activity: activity.NewTracker(),
		queues:   make(map[string][]db.SyncAction),
		ctx:      ctx,
		cancel:   cancel,
		now:      time.Now,
	}
}

// Start registers the periodic jobs and starts the cron runner.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	if _, err := s.cron.AddFunc(s.cfg.RetrySchedule, s.RetrySweep); err != nil {
		return fmt.Errorf("invalid retry schedule %q: %w", s.cfg.RetrySchedule, err)
	}
	if _, err := s.cron.AddFunc(cleanupSchedule, s.cleanupOldLogs); err != nil {
		return fmt.Errorf("invalid cleanup schedule: %w", err)
	}

	s.cron.Start()
	s.started = true

	log.Printf("[Scheduler] Started: retry sweep %q, %d workers", s.cfg.RetrySchedule, s.cfg.Workers)
	return nil
}

// Stop stops the cron runner and waits for running work to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	s.cancel()
	<-s.cron.Stop().Done()

	s.wg.Wait()
	log.Println("[Scheduler] Stopped")
}

// JobCount returns the number of registered cron entries.
func (s *Scheduler) JobCount() int {
	return len(s.cron.Entries())
}

// Activity returns the tracker of running and recent operations.
func (s *Scheduler) Activity() *activity.Tracker {
	return s.activity
}

// TriggerSync pushes a new or changed booking to every active calendar of
// its staff member in the background.
func (s *Scheduler) TriggerSync(bookingID string) error {
	return s.trigger(db.ActionCreate, bookingID)
}

// TriggerUpdate rewrites a booking's existing remote events.
func (s *Scheduler) TriggerUpdate(bookingID string) error {
	return s.trigger(db.ActionUpdate, bookingID)
}

// TriggerDelete removes a booking's remote events.
func (s *Scheduler) TriggerDelete(bookingID string) error {
	return s.trigger(db.ActionDelete, bookingID)
}

// TriggerRetry runs one retry sweep for a business in the background.
func (s *Scheduler) TriggerRetry(businessID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return ErrNotStarted
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sweepBusiness(businessID)
	}()
	return nil
}

// trigger queues action for the booking. Actions on one booking run one at
// a time in the order they were triggered.
func (s *Scheduler) trigger(action db.SyncAction, bookingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return ErrNotStarted
	}

	pending, draining := s.queues[bookingID]
	s.queues[bookingID] = append(pending, action)
	if !draining {
		s.wg.Add(1)
		go s.drain(bookingID)
	}
	return nil
}

// drain runs the booking's queued actions until its queue is empty.
func (s *Scheduler) drain(bookingID string) {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		pending := s.queues[bookingID]
		if len(pending) == 0 {
			delete(s.queues, bookingID)
			s.mu.Unlock()
			return
		}
		action := pending[0]
		s.queues[bookingID] = pending[1:]
		s.mu.Unlock()

		select {
		case s.slots <- struct{}{}:
		case <-s.ctx.Done():
			s.mu.Lock()
			delete(s.queues, bookingID)
			s.mu.Unlock()
			return
		}
		s.executeBooking(action, bookingID)
		<-s.slots
	}
}

// executeBooking loads the booking and runs one coordinator operation on it.
func (s *Scheduler) executeBooking(action db.SyncAction, bookingID string) {
	ctx, cancel := context.WithTimeout(s.ctx, syncTimeout)
	defer cancel()

	key := string(action) + ":" + bookingID
	s.activity.Start(key, action)

	booking, err := s.store.GetBooking(ctx, bookingID)
	if err != nil {
		s.activity.Finish(key, 0, 0, nil, err)
		log.Printf("[Scheduler] Failed to load booking %s: %v", bookingID, err)
		return
	}

	var result *coordinator.BookingResult
	switch action {
	case db.ActionUpdate:
		result, err = s.syncer.UpdateBooking(ctx, booking)
	case db.ActionDelete:
		result, err = s.syncer.DeleteBooking(ctx, booking)
	default:
		result, err = s.syncer.SyncBooking(ctx, booking)
	}
	if err != nil {
		s.activity.Finish(key, 0, 0, nil, err)
		log.Printf("[Scheduler] %s for booking %s failed: %v", action, bookingID, err)
		return
	}

	succeeded, total := result.Counts()
	var errs []string
	for _, o := range result.Outcomes {
		if !o.Succeeded() {
			errs = append(errs, o.ConnectionID+": "+o.Error)
		}
	}
	s.activity.Finish(key, succeeded, total, errs, nil)

	log.Printf("[Scheduler] %s for booking %s finished: status=%q connections=%d",
		action, bookingID, result.Status, len(result.Outcomes))
}

// RetrySweep retries failed mappings for every business. A business whose
// previous sweep is still running is skipped.
func (s *Scheduler) RetrySweep() {
	ids, err := s.store.ListBusinessIDs(s.ctx)
	if err != nil {
		log.Printf("[Scheduler] Failed to list businesses: %v", err)
		return
	}

	for _, id := range ids {
		if s.ctx.Err() != nil {
			return
		}
		s.sweepBusiness(id)
	}
}

func (s *Scheduler) sweepBusiness(businessID string) {
	unlock, ok := s.sweeps.TryLock(businessID)
	if !ok {
		log.Printf("[Scheduler] Skipping retry sweep for business %s - previous sweep still running", businessID)
		return
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(s.ctx, sweepTimeout)
	defer cancel()

	key := "retry:" + businessID
	s.activity.Start(key, "retry")

	result, err := s.syncer.RetryFailedSyncs(ctx, businessID, s.cfg.RetryLimit)
	if err != nil {
		s.activity.Finish(key, 0, 0, nil, err)
		log.Printf("[Scheduler] Retry sweep for business %s failed: %v", businessID, err)
		return
	}
	s.activity.Finish(key, result.Succeeded, result.Attempted, nil, nil)
}

// cleanupOldLogs deletes sync logs older than retention period.
func (s *Scheduler) cleanupOldLogs() {
	cutoff := s.now().AddDate(0, 0, -logRetentionDays)
	deleted, err := s.store.CleanOldSyncLogs(s.ctx, cutoff)
	if err != nil {
		log.Printf("[Scheduler] Failed to clean old sync logs: %v", err)
		return
	}
	if deleted > 0 {
		log.Printf("[Scheduler] Cleaned %d old sync logs", deleted)
	}
}
