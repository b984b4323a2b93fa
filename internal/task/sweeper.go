package task

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"voxsplit/internal/storage"
)

// Sweeper runs the retention purge and the stalled-task recovery on a fixed
// interval, independent of any single workflow. Both passes are idempotent:
// records that already moved on are skipped via transition conflicts, so
// overlapping sweeps are safe.
type Sweeper struct {
	store     *Store
	storage   *storage.Manager
	manager   *Manager
	retention time.Duration
	timeout   time.Duration
	interval  time.Duration
}

// NewSweeper builds a sweeper over the shared store and storage manager.
func NewSweeper(store *Store, stor *storage.Manager, manager *Manager, retention, timeout, interval time.Duration) *Sweeper {
	return &Sweeper{
		store:     store,
		storage:   stor,
		manager:   manager,
		retention: retention,
		timeout:   timeout,
		interval:  interval,
	}
}

// Run sweeps once immediately, then on every tick until the context is done.
func (s *Sweeper) Run(ctx context.Context) {
	s.Sweep(time.Now().UTC())
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(time.Now().UTC())
		}
	}
}

// Sweep performs one recovery pass and one retention pass.
func (s *Sweeper) Sweep(now time.Time) {
	s.recoverStalled(now)
	s.purgeExpired(now)
}

// recoverStalled force-fails processing tasks whose last durable progress
// update is older than the task timeout. This catches workers that died
// mid-task without a terminal transition.
func (s *Sweeper) recoverStalled(now time.Time) {
	stalled, err := s.store.List(Filter{
		Statuses:      []Status{StatusProcessing},
		UpdatedBefore: now.Add(-s.timeout),
	})
	if err != nil {
		log.Error().Err(err).Msg("list stalled tasks failed")
		return
	}
	for _, t := range stalled {
		finished := now
		err := s.store.UpdateStatus(t.ID, StatusFailed, Fields{
			FinishedAt:   &finished,
			ErrorKind:    KindTimeout,
			ErrorMessage: "no progress within the task timeout",
		})
		if err != nil {
			// the worker finished or another sweep won the race
			log.Debug().Str("task_id", t.ID).Err(err).Msg("stalled recovery skipped")
			continue
		}
		log.Warn().Str("task_id", t.ID).Msg("stalled task force-failed")
		if err := s.storage.Reclaim(t.ID, false); err != nil {
			log.Warn().Str("task_id", t.ID).Err(err).Msg("reclaim scratch failed")
		}
		if s.manager != nil {
			s.manager.notifyTerminal(t.ID)
		}
	}
}

// purgeExpired reclaims terminal tasks older than the retention window and
// marks their records expired. A task already reclaimed by a concurrent
// sweep is skipped silently.
func (s *Sweeper) purgeExpired(now time.Time) {
	expired, err := s.store.List(Filter{
		Statuses:       []Status{StatusCompleted, StatusFailed, StatusCancelled},
		FinishedBefore: now.Add(-s.retention),
	})
	if err != nil {
		log.Error().Err(err).Msg("list expired tasks failed")
		return
	}
	for _, t := range expired {
		if err := s.storage.Reclaim(t.ID, true); err != nil {
			log.Warn().Str("task_id", t.ID).Err(err).Msg("reclaim expired task failed")
			continue
		}
		if err := s.store.UpdateStatus(t.ID, StatusExpired, Fields{}); err != nil {
			// a concurrent sweep already marked it
			log.Debug().Str("task_id", t.ID).Err(err).Msg("expiry skipped")
			continue
		}
		log.Info().Str("task_id", t.ID).Msg("expired task reclaimed")
	}
}
