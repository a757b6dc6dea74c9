// services/session_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/wfunc/gridduel/logger"
	"github.com/wfunc/gridduel/models"
	"github.com/wfunc/gridduel/persistence"
	"github.com/wfunc/gridduel/state"
)

const (
	maxNameLength  = 100
	lobbyLimit     = 20
	historyLimit   = 20
	maxQueryLimit  = 100
	maxTCMinutes   = 180
	maxIncrementS  = 60
	defaultRetries = 3
)

// Notifier receives every committed session change. Implementations must not block.
type Notifier interface {
	SessionChanged(s *models.Session)
	SessionEnded(s *models.Session)
}

// Metrics is the subset of monitor.Monitor used by the services.
type Metrics interface {
	IncMovesApplied()
	IncCASConflicts()
	IncMatchmaking(result string)
}

// CoordinatorConfig 协调器参数，零值字段使用默认值
type CoordinatorConfig struct {
	Rules                     state.Rules
	CASRetries                int
	DefaultTimeControlMinutes int
	Notifier                  Notifier
	Metrics                   Metrics
	Now                       func() time.Time
}

// CreateConfig is the client payload of createSession.
type CreateConfig struct {
	Name                 string `json:"name"`
	TimeControlMinutes   int    `json:"time_control_minutes"`
	TimeIncrementSeconds int    `json:"time_increment_seconds"`
}

// MoveRequest is the client payload of submitMove. ExpectedVersion 0 means
// "whatever is current".
type MoveRequest struct {
	From            string `json:"from,omitempty"`
	Cell            int    `json:"cell"`
	ExpectedVersion int64  `json:"expected_version,omitempty"`
}

// Coordinator 串行化单局的所有变更：读取 -> 纯函数计算 -> 按 version CAS 写回
type Coordinator struct {
	sessions persistence.SessionRepository
	ratings  persistence.RatingStore
	cfg      CoordinatorConfig
}

func NewCoordinator(sessions persistence.SessionRepository, ratings persistence.RatingStore, cfg CoordinatorConfig) *Coordinator {
	if cfg.Rules == (state.Rules{}) {
		cfg.Rules = state.DefaultRules
	}
	if cfg.CASRetries <= 0 {
		cfg.CASRetries = defaultRetries
	}
	if cfg.DefaultTimeControlMinutes <= 0 {
		cfg.DefaultTimeControlMinutes = 10
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Coordinator{sessions: sessions, ratings: ratings, cfg: cfg}
}

// Rules returns the rating rules in effect.
func (c *Coordinator) Rules() state.Rules {
	return c.cfg.Rules
}

// Create builds a WAITING session with creatorID in the first seat.
func (c *Coordinator) Create(ctx context.Context, cfg CreateConfig, creatorID string) (*models.Session, error) {
	name := strings.TrimSpace(cfg.Name)
	if utf8.RuneCountInString(name) > maxNameLength {
		return nil, fmt.Errorf("%w: name longer than %d characters", models.ErrInvalidArgument, maxNameLength)
	}
	tc, err := c.timeControl(cfg.TimeControlMinutes, cfg.TimeIncrementSeconds)
	if err != nil {
		return nil, err
	}
	return c.create(ctx, name, creatorID, tc, false)
}

func (c *Coordinator) createMatchmaking(ctx context.Context, creatorID string) (*models.Session, error) {
	tc, _ := c.timeControl(0, 0)
	return c.create(ctx, "Random Match", creatorID, tc, true)
}

func (c *Coordinator) create(ctx context.Context, name, creatorID string, tc models.TimeControl, matchmaking bool) (*models.Session, error) {
	if creatorID == "" {
		return nil, fmt.Errorf("%w: missing creator", models.ErrUnauthorized)
	}
	s := state.NewSession("", name, creatorID, tc, matchmaking, c.cfg.Now())
	if err := c.sessions.Create(ctx, s); err != nil {
		return nil, err
	}
	c.notify(&state.Result{Session: s})
	return s.Clone(), nil
}

func (c *Coordinator) timeControl(minutes, incrementSeconds int) (models.TimeControl, error) {
	if minutes == 0 {
		minutes = c.cfg.DefaultTimeControlMinutes
	}
	if minutes < 1 || minutes > maxTCMinutes {
		return models.TimeControl{}, fmt.Errorf("%w: time control must be 1..%d minutes", models.ErrInvalidArgument, maxTCMinutes)
	}
	if incrementSeconds < 0 || incrementSeconds > maxIncrementS {
		return models.TimeControl{}, fmt.Errorf("%w: increment must be 0..%d seconds", models.ErrInvalidArgument, maxIncrementS)
	}
	return models.TimeControl{
		InitialMs:   int64(minutes) * int64(time.Minute/time.Millisecond),
		IncrementMs: int64(incrementSeconds) * int64(time.Second/time.Millisecond),
	}, nil
}

func (c *Coordinator) Get(ctx context.Context, id string) (*models.Session, error) {
	return c.sessions.Get(ctx, id)
}

// Join seats joinerID and starts the session.
func (c *Coordinator) Join(ctx context.Context, id, joinerID string) (*models.Session, error) {
	res, err := c.mutate(ctx, id, 0, func(s *models.Session) (*state.Result, error) {
		next, err := state.Join(s, joinerID, c.cfg.Now())
		if err != nil {
			return nil, err
		}
		return &state.Result{Session: next}, nil
	})
	if err != nil {
		return nil, err
	}
	return res.Session, nil
}

// Claim joins the snapshot with a single conditional write and no retry.
// A lost race surfaces as ErrConflict.
func (c *Coordinator) Claim(ctx context.Context, snapshot *models.Session, joinerID string) (*models.Session, error) {
	next, err := state.Join(snapshot, joinerID, c.cfg.Now())
	if err != nil {
		return nil, err
	}
	if err := c.sessions.CompareAndSwap(ctx, snapshot.Version, next); err != nil {
		if errors.Is(err, models.ErrConflict) {
			c.incConflict()
		}
		return nil, err
	}
	res := &state.Result{Session: next}
	c.commit(ctx, res)
	return next.Clone(), nil
}

// SubmitMove applies one move for playerID.
func (c *Coordinator) SubmitMove(ctx context.Context, id string, req MoveRequest, playerID string) (*models.Session, error) {
	input := state.MoveInput{From: req.From, Cell: req.Cell}
	res, err := c.mutate(ctx, id, req.ExpectedVersion, func(s *models.Session) (*state.Result, error) {
		return state.ApplyMove(s, input, playerID, c.cfg.Now(), c.cfg.Rules)
	})
	if err != nil {
		return nil, err
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.IncMovesApplied()
	}
	return res.Session, nil
}

// Abandon forfeits an ACTIVE session or voids a WAITING one.
func (c *Coordinator) Abandon(ctx context.Context, id, playerID string) (*models.Session, error) {
	return c.abandon(ctx, id, playerID, 0)
}

func (c *Coordinator) abandon(ctx context.Context, id, playerID string, expectedVersion int64) (*models.Session, error) {
	res, err := c.mutate(ctx, id, expectedVersion, func(s *models.Session) (*state.Result, error) {
		return state.Abandon(s, playerID, c.cfg.Now(), c.cfg.Rules)
	})
	if err != nil {
		return nil, err
	}
	return res.Session, nil
}

// OfferDraw records playerID's draw offer on the session. At most one offer
// is pending; it is withdrawn by the next move.
func (c *Coordinator) OfferDraw(ctx context.Context, id, playerID string) (*models.Session, error) {
	res, err := c.mutate(ctx, id, 0, func(s *models.Session) (*state.Result, error) {
		next, err := state.OfferDraw(s, playerID, c.cfg.Now())
		if err != nil {
			return nil, err
		}
		return &state.Result{Session: next}, nil
	})
	if err != nil {
		return nil, err
	}
	return res.Session, nil
}

// DeclineDraw clears the pending offer. Only the opponent of the offerer may decline.
func (c *Coordinator) DeclineDraw(ctx context.Context, id, responderID string) (*models.Session, error) {
	res, err := c.mutate(ctx, id, 0, func(s *models.Session) (*state.Result, error) {
		next, err := state.DeclineDraw(s, responderID, c.cfg.Now())
		if err != nil {
			return nil, err
		}
		return &state.Result{Session: next}, nil
	})
	if err != nil {
		return nil, err
	}
	return res.Session, nil
}

// AgreeDraw completes the session as a draw when accepterID answers the
// pending offer of the opponent.
func (c *Coordinator) AgreeDraw(ctx context.Context, id, accepterID string) (*models.Session, error) {
	res, err := c.mutate(ctx, id, 0, func(s *models.Session) (*state.Result, error) {
		return state.AgreeDraw(s, accepterID, c.cfg.Now())
	})
	if err != nil {
		return nil, err
	}
	return res.Session, nil
}

// ListWaiting returns the lobby: the newest manual WAITING sessions, or the
// WAITING sessions whose name contains search.
func (c *Coordinator) ListWaiting(ctx context.Context, search string) ([]*models.Session, error) {
	if strings.TrimSpace(search) != "" {
		return c.sessions.Search(ctx, search, lobbyLimit)
	}
	return c.sessions.Query(ctx, persistence.SessionFilter{
		Statuses:    []models.SessionStatus{models.StatusWaiting},
		Matchmaking: persistence.Bool(false),
		Limit:       lobbyLimit,
	})
}

// History returns the finished sessions playerID took part in, newest first.
func (c *Coordinator) History(ctx context.Context, playerID string, limit int) ([]*models.Session, error) {
	if limit <= 0 {
		limit = historyLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	return c.sessions.Query(ctx, persistence.SessionFilter{
		Statuses: []models.SessionStatus{models.StatusCompleted, models.StatusAbandoned},
		PlayerID: playerID,
		Limit:    limit,
	})
}

type transition func(s *models.Session) (*state.Result, error)

// mutate 读取当前版本，计算下一状态并 CAS 写回。
// expectedVersion > 0 时版本不一致立即返回 ErrConflict，不重试。
func (c *Coordinator) mutate(ctx context.Context, id string, expectedVersion int64, fn transition) (*state.Result, error) {
	for attempt := 1; ; attempt++ {
		cur, err := c.sessions.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if expectedVersion > 0 && cur.Version != expectedVersion {
			return nil, fmt.Errorf("%w: session %s is at version %d, expected %d", models.ErrConflict, id, cur.Version, expectedVersion)
		}

		res, err := fn(cur)
		if err != nil {
			return nil, err
		}

		err = c.sessions.CompareAndSwap(ctx, cur.Version, res.Session)
		if err == nil {
			c.commit(ctx, res)
			return res, nil
		}
		if !errors.Is(err, models.ErrConflict) {
			return nil, err
		}
		c.incConflict()
		if expectedVersion > 0 || attempt > c.cfg.CASRetries {
			return nil, err
		}
		logger.Log.Debugw("lost session CAS, retrying", "session_id", id, "attempt", attempt)
	}
}

// commit 写入成功后的副作用：结算评分并通知广播
func (c *Coordinator) commit(ctx context.Context, res *state.Result) {
	if res.Settlement != nil {
		// 结算按 key 幂等，失败由定时任务补偿
		if _, err := c.ratings.ApplySettlement(context.WithoutCancel(ctx), res.Settlement); err != nil {
			logger.Log.Errorw("apply rating settlement failed",
				"session_id", res.Session.ID, "outcome", res.Session.Outcome, "error", err)
		}
	}
	c.notify(res)
}

func (c *Coordinator) notify(res *state.Result) {
	if c.cfg.Notifier == nil {
		return
	}
	c.cfg.Notifier.SessionChanged(res.Session.Clone())
	if res.Ended() {
		c.cfg.Notifier.SessionEnded(res.Session.Clone())
	}
}

func (c *Coordinator) incConflict() {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.IncCASConflicts()
	}
}
