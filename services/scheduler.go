// services/scheduler.go
package services

import (
	"context"
	"errors"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/wfunc/gridduel/config"
	"github.com/wfunc/gridduel/logger"
	"github.com/wfunc/gridduel/models"
	"github.com/wfunc/gridduel/persistence"
)

// Scheduler 定时维护任务：清理过期的匹配等待局，补偿评分结算
type Scheduler struct {
	sched       gocron.Scheduler
	coordinator *Coordinator
	sessions    persistence.SessionRepository
	players     *PlayerService
	cfg         config.SchedulerConfig
}

func NewScheduler(coordinator *Coordinator, sessions persistence.SessionRepository, players *PlayerService, cfg config.SchedulerConfig) (*Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	s := &Scheduler{
		sched:       sched,
		coordinator: coordinator,
		sessions:    sessions,
		players:     players,
		cfg:         cfg,
	}

	if cfg.SweepInterval > 0 && cfg.StaleWaitingAfter > 0 {
		_, err = sched.NewJob(
			gocron.DurationJob(cfg.SweepInterval),
			gocron.NewTask(func() {
				if _, err := s.SweepStale(context.Background()); err != nil {
					logger.Log.Errorw("[Scheduler] stale sweep failed", "error", err)
				}
			}),
			gocron.WithName("sweep-stale-waiting"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return nil, err
		}
	}

	if cfg.SettleInterval > 0 {
		_, err = sched.NewJob(
			gocron.DurationJob(cfg.SettleInterval),
			gocron.NewTask(func() {
				// 回看两个周期，覆盖上一轮执行期间结束的对局
				since := time.Now().Add(-2 * cfg.SettleInterval)
				if _, err := s.players.RedriveSettlements(context.Background(), since); err != nil {
					logger.Log.Errorw("[Scheduler] settlement re-drive failed", "error", err)
				}
			}),
			gocron.WithName("redrive-settlements"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return nil, err
		}
	}

	return s, nil
}

func (s *Scheduler) Start() {
	s.sched.Start()
}

func (s *Scheduler) Shutdown() error {
	return s.sched.Shutdown()
}

// SweepStale voids matchmaking sessions that have waited longer than
// StaleWaitingAfter. It returns the number of sessions voided.
func (s *Scheduler) SweepStale(ctx context.Context) (int, error) {
	cutoff := s.coordinator.cfg.Now().Add(-s.cfg.StaleWaitingAfter)
	stale, err := s.sessions.Query(ctx, persistence.SessionFilter{
		Statuses:          []models.SessionStatus{models.StatusWaiting},
		Matchmaking:       persistence.Bool(true),
		OpenSeat:          true,
		CreatedBeforeUnix: cutoff.Unix(),
		OldestFirst:       true,
		Limit:             candidateScanLimit,
	})
	if err != nil {
		return 0, err
	}

	voided := 0
	for _, sess := range stale {
		// 以查询时的版本为准，期间被加入的对局不会被作废
		_, err := s.coordinator.abandon(ctx, sess.ID, sess.FirstPlayer, sess.Version)
		switch {
		case err == nil:
			voided++
			logger.Log.Infow("[Scheduler] voided stale session", "session_id", sess.ID, "player_id", sess.FirstPlayer)
		case errors.Is(err, models.ErrConflict), errors.Is(err, models.ErrNotFound):
		default:
			logger.Log.Warnw("[Scheduler] void stale session failed", "session_id", sess.ID, "error", err)
		}
	}
	return voided, nil
}
