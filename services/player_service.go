// services/player_service.go
package services

import (
	"context"
	"time"

	"github.com/wfunc/gridduel/logger"
	"github.com/wfunc/gridduel/models"
	"github.com/wfunc/gridduel/persistence"
	"github.com/wfunc/gridduel/state"
)

const defaultLeaderboardLimit = 5

type PlayerService struct {
	ratings  persistence.RatingStore
	sessions persistence.SessionRepository
	rules    state.Rules
}

func NewPlayerService(ratings persistence.RatingStore, sessions persistence.SessionRepository, rules state.Rules) *PlayerService {
	return &PlayerService{ratings: ratings, sessions: sessions, rules: rules}
}

// EnsurePlayer 首次出现时以默认评分建档，并刷新最后在线时间
func (s *PlayerService) EnsurePlayer(ctx context.Context, playerID, displayName string) error {
	return s.ratings.EnsurePlayer(ctx, playerID, displayName)
}

// GetPlayerWithStats 获取玩家信息和统计
// MarkOffline 玩家最后一个连接断开时调用
func (s *PlayerService) MarkOffline(ctx context.Context, playerID string) error {
	return s.ratings.MarkOffline(ctx, playerID)
}

func (s *PlayerService) GetPlayerWithStats(ctx context.Context, playerID string) (*models.Player, error) {
	return s.ratings.GetPlayer(ctx, playerID)
}

func (s *PlayerService) Leaderboard(ctx context.Context, limit int) ([]*models.Player, error) {
	if limit <= 0 {
		limit = defaultLeaderboardLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	return s.ratings.Leaderboard(ctx, limit)
}

// RedriveSettlements 重放最近结束对局的结算，已结算的 key 会被跳过
func (s *PlayerService) RedriveSettlements(ctx context.Context, since time.Time) (int, error) {
	ended, err := s.sessions.Query(ctx, persistence.SessionFilter{
		Statuses:       []models.SessionStatus{models.StatusCompleted, models.StatusAbandoned},
		EndedSinceUnix: since.Unix(),
		Limit:          500,
	})
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, sess := range ended {
		st := state.Settle(sess, s.rules)
		if st == nil {
			continue
		}
		ok, err := s.ratings.ApplySettlement(ctx, st)
		if err != nil {
			logger.Log.Errorw("re-drive settlement failed", "session_id", sess.ID, "error", err)
			continue
		}
		if ok {
			applied++
			logger.Log.Infow("settlement re-driven", "session_id", sess.ID, "outcome", sess.Outcome)
		}
	}
	return applied, nil
}
