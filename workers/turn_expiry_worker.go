package workers

import (
	"context"
	"log"
	"time"

	"quiz-duel-service/config"
	"quiz-duel-service/services"

	"github.com/go-co-op/gocron/v2"
	"gorm.io/gorm"
)

// turnExpiryLockKey is the Postgres advisory lock key shared by all service
// replicas; whichever instance grabs it runs the sweep, the rest skip.
const turnExpiryLockKey = 74838211

// TurnExpiryWorker sweeps in_progress duels whose turn deadline has lapsed.
// It is the only component that moves a duel forward without a player action.
type TurnExpiryWorker struct {
	db     *gorm.DB
	cfg    *config.Config
	rounds *services.RoundService
	sched  gocron.Scheduler
}

func NewTurnExpiryWorker(db *gorm.DB, cfg *config.Config, rounds *services.RoundService) *TurnExpiryWorker {
	return &TurnExpiryWorker{db: db, cfg: cfg, rounds: rounds}
}

func (w *TurnExpiryWorker) Start() {
	sched, err := gocron.NewScheduler()
	if err != nil {
		log.Printf("[SWEEP] ❌ scheduler init failed: %v", err)
		return
	}
	w.sched = sched

	_, err = sched.NewJob(
		gocron.DurationJob(w.cfg.SweepInterval),
		gocron.NewTask(func() {
			n, err := w.RunOnce(context.Background())
			if err != nil {
				log.Printf("[SWEEP] ❌ sweep failed: %v", err)
				return
			}
			if n > 0 {
				log.Printf("[SWEEP] ✅ expired %d overdue turn(s)", n)
			}
		}),
	)
	if err != nil {
		log.Printf("[SWEEP] ❌ job registration failed: %v", err)
		return
	}

	sched.Start()
	log.Printf("🔁 Turn expiry sweeper started (every %s, batch %d)", w.cfg.SweepInterval, w.cfg.SweepBatchLimit)
}

func (w *TurnExpiryWorker) Stop() {
	if w.sched != nil {
		_ = w.sched.Shutdown()
	}
}

// RunOnce performs a single sweep pass guarded by a cluster-wide advisory
// lock. Returns the number of duels processed; 0 when another instance holds
// the lock. Also exposed over HTTP for operators (see the maintenance route).
func (w *TurnExpiryWorker) RunOnce(ctx context.Context) (int, error) {
	processed := 0
	// The advisory lock is connection-scoped, so take and release it on the
	// same pinned connection.
	err := w.db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		var acquired bool
		if err := conn.Raw("SELECT pg_try_advisory_lock(?)", turnExpiryLockKey).Scan(&acquired).Error; err != nil {
			return err
		}
		if !acquired {
			log.Printf("[SWEEP] lock held elsewhere, skipping tick")
			return nil
		}
		defer func() {
			if err := conn.Exec("SELECT pg_advisory_unlock(?)", turnExpiryLockKey).Error; err != nil {
				log.Printf("[SWEEP] ⚠️ advisory unlock failed: %v", err)
			}
		}()

		start := time.Now()
		n, err := w.rounds.ExpireDueTurns(w.cfg.SweepBatchLimit)
		if err != nil {
			return err
		}
		processed = n
		if n > 0 {
			log.Printf("[SWEEP] pass finished: %d duel(s) in %s", n, time.Since(start).Round(time.Millisecond))
		}
		return nil
	})
	return processed, err
}
