package state

import (
	"fmt"
	"time"

	"github.com/wfunc/gridduel/models"
)

// ErrTransitionNotAllowed is returned when a status transition is not allowed.
var ErrTransitionNotAllowed = fmt.Errorf("%w: status transition not allowed", models.ErrInvalidState)

// transitions from -> to. Terminal statuses have no outgoing edges.
var transitions = map[models.SessionStatus]map[models.SessionStatus]bool{
	models.StatusWaiting: {
		models.StatusActive:    true,
		models.StatusAbandoned: true,
	},
	models.StatusActive: {
		models.StatusCompleted: true,
		models.StatusAbandoned: true,
	},
}

// CanTransition reports whether a session may move from one status to another.
func CanTransition(from, to models.SessionStatus) bool {
	return transitions[from][to]
}

func changeStatus(s *models.Session, to models.SessionStatus) error {
	if !CanTransition(s.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrTransitionNotAllowed, s.Status, to)
	}
	s.Status = to
	return nil
}

// Rules holds the rating deltas applied on a decisive result.
type Rules struct {
	WinDelta  int
	LossDelta int
}

// DefaultRules awards +200 to the winner and -100 to the loser.
var DefaultRules = Rules{WinDelta: 200, LossDelta: -100}

// Result is the outcome of one accepted transition.
type Result struct {
	Session    *models.Session
	Move       *models.Move
	Settlement *models.Settlement
}

// Ended reports whether the transition produced a terminal session.
func (r *Result) Ended() bool {
	return r.Session.Status.IsTerminal()
}

// NewSession builds a WAITING session with creator in the first seat.
func NewSession(id, name, creator string, tc models.TimeControl, matchmaking bool, now time.Time) *models.Session {
	return &models.Session{
		ID:                    id,
		Name:                  name,
		FirstPlayer:           creator,
		Status:                models.StatusWaiting,
		Outcome:               models.OutcomePending,
		Board:                 models.NewBoard(),
		Turn:                  models.SeatFirst,
		Moves:                 []models.Move{},
		IsMatchmaking:         matchmaking,
		TimeControl:           tc,
		FirstTimeRemainingMs:  tc.InitialMs,
		SecondTimeRemainingMs: tc.InitialMs,
		Version:               1,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
}

// Join seats joinerID in the second seat and starts the game. Losing the
// seat to another joiner is ErrAlreadyFull.
func Join(s *models.Session, joinerID string, now time.Time) (*models.Session, error) {
	if s.Status == models.StatusActive && s.HasSecondPlayer() && joinerID != s.FirstPlayer && joinerID != s.SecondPlayer {
		return nil, fmt.Errorf("%w: %s", models.ErrAlreadyFull, s.ID)
	}
	if s.Status != models.StatusWaiting {
		return nil, fmt.Errorf("%w: session %s is %s", models.ErrInvalidState, s.ID, s.Status)
	}
	if joinerID == s.FirstPlayer {
		return nil, fmt.Errorf("%w: cannot join your own session", models.ErrForbidden)
	}

	next := s.Clone()
	if err := changeStatus(next, models.StatusActive); err != nil {
		return nil, err
	}
	next.SecondPlayer = joinerID
	next.StartedAt = &now
	bump(next, now)
	return next, nil
}

// Abandon forfeits the session on behalf of playerID. A session that never
// had a second player is voided: outcome stays pending and nobody is rated.
func Abandon(s *models.Session, playerID string, now time.Time, rules Rules) (*Result, error) {
	seat, ok := s.SeatOf(playerID)
	if !ok {
		return nil, fmt.Errorf("%w: not a player in session %s", models.ErrForbidden, s.ID)
	}
	if s.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: session %s is already %s", models.ErrInvalidState, s.ID, s.Status)
	}

	next := s.Clone()
	if err := changeStatus(next, models.StatusAbandoned); err != nil {
		return nil, err
	}
	next.EndedAt = &now
	next.DrawOfferedBy = ""
	if next.HasSecondPlayer() {
		other := seat.Other()
		next.Outcome = other.WinOutcome()
		next.Winner = next.PlayerAt(other)
	}
	bump(next, now)
	return &Result{Session: next, Settlement: Settle(next, rules)}, nil
}

// OfferDraw records a pending draw offer from a seated player. Only one
// offer may be pending per session.
func OfferDraw(s *models.Session, playerID string, now time.Time) (*models.Session, error) {
	if s.Status != models.StatusActive {
		return nil, fmt.Errorf("%w: session %s is %s", models.ErrInvalidState, s.ID, s.Status)
	}
	if _, ok := s.SeatOf(playerID); !ok {
		return nil, fmt.Errorf("%w: not a player in session %s", models.ErrForbidden, s.ID)
	}
	if s.DrawOfferedBy != "" {
		return nil, fmt.Errorf("%w: draw already offered by %s", models.ErrConflict, s.DrawOfferedBy)
	}

	next := s.Clone()
	next.DrawOfferedBy = playerID
	bump(next, now)
	return next, nil
}

// checkDrawAnswer 只有对手可以回应待处理的和棋提议
func checkDrawAnswer(s *models.Session, responderID string) error {
	if s.Status != models.StatusActive {
		return fmt.Errorf("%w: session %s is %s", models.ErrInvalidState, s.ID, s.Status)
	}
	if _, ok := s.SeatOf(responderID); !ok {
		return fmt.Errorf("%w: not a player in session %s", models.ErrForbidden, s.ID)
	}
	if s.DrawOfferedBy == "" {
		return fmt.Errorf("%w: no draw offer pending", models.ErrInvalidState)
	}
	if s.DrawOfferedBy == responderID {
		return fmt.Errorf("%w: only the opponent can answer a draw offer", models.ErrForbidden)
	}
	return nil
}

// DeclineDraw clears the pending offer; the game goes on.
func DeclineDraw(s *models.Session, responderID string, now time.Time) (*models.Session, error) {
	if err := checkDrawAnswer(s, responderID); err != nil {
		return nil, err
	}
	next := s.Clone()
	next.DrawOfferedBy = ""
	bump(next, now)
	return next, nil
}

// AgreeDraw accepts the pending offer and completes the session as a draw.
func AgreeDraw(s *models.Session, accepterID string, now time.Time) (*Result, error) {
	if err := checkDrawAnswer(s, accepterID); err != nil {
		return nil, err
	}

	next := s.Clone()
	if err := changeStatus(next, models.StatusCompleted); err != nil {
		return nil, err
	}
	next.Outcome = models.OutcomeDraw
	next.DrawOfferedBy = ""
	next.EndedAt = &now
	bump(next, now)
	return &Result{Session: next, Settlement: Settle(next, DefaultRules)}, nil
}

// Settle computes the rating settlement owed by a terminal session, or nil
// when the session is not terminal or was voided.
func Settle(s *models.Session, rules Rules) *models.Settlement {
	if !s.Status.IsTerminal() || !s.HasSecondPlayer() {
		return nil
	}
	st := &models.Settlement{SessionID: s.ID, Outcome: s.Outcome}
	switch s.Outcome {
	case models.OutcomeDraw:
		st.Entries = []models.SettlementEntry{
			{PlayerID: s.FirstPlayer, Result: models.ResultDraw},
			{PlayerID: s.SecondPlayer, Result: models.ResultDraw},
		}
	case models.OutcomeFirstWins, models.OutcomeSecondWins:
		winSeat := models.SeatFirst
		if s.Outcome == models.OutcomeSecondWins {
			winSeat = models.SeatSecond
		}
		st.Entries = []models.SettlementEntry{
			{PlayerID: s.PlayerAt(winSeat), RatingDelta: rules.WinDelta, Result: models.ResultWin},
			{PlayerID: s.PlayerAt(winSeat.Other()), RatingDelta: rules.LossDelta, Result: models.ResultLoss},
		}
	default:
		return nil
	}
	return st
}

func bump(s *models.Session, now time.Time) {
	s.Version++
	s.UpdatedAt = now
}
