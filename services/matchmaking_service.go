// services/matchmaking_service.go
package services

import (
	"context"
	"errors"

	"github.com/wfunc/gridduel/logger"
	"github.com/wfunc/gridduel/models"
	"github.com/wfunc/gridduel/persistence"
)

const candidateScanLimit = 50

// 匹配结果标签
const (
	MatchReused  = "reused"
	MatchClaimed = "claimed"
	MatchQueued  = "queued"
	MatchLost    = "lost_claim"
)

// Matchmaker 按评分接近程度配对：先找候选，再用单次 CAS 认领
type Matchmaker struct {
	coordinator   *Coordinator
	sessions      persistence.SessionRepository
	ratings       persistence.RatingStore
	window        int
	defaultRating int
	metrics       Metrics
}

func NewMatchmaker(coordinator *Coordinator, sessions persistence.SessionRepository, ratings persistence.RatingStore, window, defaultRating int, metrics Metrics) *Matchmaker {
	if window <= 0 {
		window = 100
	}
	if defaultRating <= 0 {
		defaultRating = models.DefaultRating
	}
	return &Matchmaker{
		coordinator:   coordinator,
		sessions:      sessions,
		ratings:       ratings,
		window:        window,
		defaultRating: defaultRating,
		metrics:       metrics,
	}
}

// RequestRandomMatch joins the oldest waiting matchmaking session within the
// rating window, or queues a new one for playerID.
func (m *Matchmaker) RequestRandomMatch(ctx context.Context, playerID string) (*models.Session, error) {
	if playerID == "" {
		return nil, models.ErrUnauthorized
	}
	rating, err := m.rating(ctx, playerID)
	if err != nil {
		return nil, err
	}

	own, err := m.sessions.Query(ctx, persistence.SessionFilter{
		Statuses:    []models.SessionStatus{models.StatusWaiting},
		Matchmaking: persistence.Bool(true),
		FirstPlayer: playerID,
		Limit:       1,
	})
	if err != nil {
		return nil, err
	}
	if len(own) > 0 {
		m.observe(MatchReused)
		return own[0], nil
	}

	candidates, err := m.sessions.Query(ctx, persistence.SessionFilter{
		Statuses:           []models.SessionStatus{models.StatusWaiting},
		Matchmaking:        persistence.Bool(true),
		OpenSeat:           true,
		ExcludeFirstPlayer: playerID,
		OldestFirst:        true,
		Limit:              candidateScanLimit,
	})
	if err != nil {
		return nil, err
	}

	for _, cand := range candidates {
		opponent, err := m.rating(ctx, cand.FirstPlayer)
		if err != nil {
			return nil, err
		}
		if abs(rating-opponent) > m.window {
			continue
		}

		s, err := m.coordinator.Claim(ctx, cand, playerID)
		if err == nil {
			m.observe(MatchClaimed)
			logger.Log.Infow("matchmaking paired",
				"session_id", s.ID, "first", s.FirstPlayer, "second", s.SecondPlayer)
			return s, nil
		}
		if !lostClaim(err) {
			return nil, err
		}
		m.observe(MatchLost)
		logger.Log.Debugw("matchmaking claim lost", "session_id", cand.ID, "player_id", playerID, "error", err)
		break
	}

	s, err := m.coordinator.createMatchmaking(ctx, playerID)
	if err != nil {
		return nil, err
	}
	m.observe(MatchQueued)
	return s, nil
}

func (m *Matchmaker) rating(ctx context.Context, playerID string) (int, error) {
	r, err := m.ratings.GetRating(ctx, playerID)
	if errors.Is(err, models.ErrNotFound) {
		return m.defaultRating, nil
	}
	return r, err
}

func (m *Matchmaker) observe(result string) {
	if m.metrics != nil {
		m.metrics.IncMatchmaking(result)
	}
}

func lostClaim(err error) bool {
	return errors.Is(err, models.ErrConflict) ||
		errors.Is(err, models.ErrAlreadyFull) ||
		errors.Is(err, models.ErrInvalidState) ||
		errors.Is(err, models.ErrNotFound)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
