// models/models.go
package models

import (
	"time"
)

// BoardSize 3x3 棋盘格子数
const BoardSize = 9

// SessionStatus 对局生命周期状态
type SessionStatus string

const (
	StatusWaiting   SessionStatus = "waiting"
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
	StatusAbandoned SessionStatus = "abandoned"
)

// IsTerminal reports whether no further mutation is allowed.
func (s SessionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusAbandoned
}

// Outcome 对局结果
type Outcome string

const (
	OutcomePending    Outcome = "pending"
	OutcomeFirstWins  Outcome = "first_wins"
	OutcomeSecondWins Outcome = "second_wins"
	OutcomeDraw       Outcome = "draw"
)

// Seat 座位（先手/后手）
type Seat string

const (
	SeatFirst  Seat = "first"
	SeatSecond Seat = "second"
)

// Other returns the opposing seat.
func (s Seat) Other() Seat {
	if s == SeatFirst {
		return SeatSecond
	}
	return SeatFirst
}

// Mark returns the symbol written by this seat.
func (s Seat) Mark() Mark {
	if s == SeatFirst {
		return MarkX
	}
	return MarkO
}

// WinOutcome is the outcome recorded when this seat wins.
func (s Seat) WinOutcome() Outcome {
	if s == SeatFirst {
		return OutcomeFirstWins
	}
	return OutcomeSecondWins
}

// Mark 格子内容
type Mark string

const (
	MarkEmpty Mark = ""
	MarkX     Mark = "X"
	MarkO     Mark = "O"
)

// Move 已落子记录，只追加不修改
type Move struct {
	From      string    `json:"from,omitempty"`
	Cell      int       `json:"cell"`
	Mark      Mark      `json:"mark"`
	Seat      Seat      `json:"seat"`
	PlayerID  string    `json:"player_id"`
	IsWinning bool      `json:"is_winning"`
	IsDrawing bool      `json:"is_drawing"`
	Notation  string    `json:"notation"`
	Timestamp time.Time `json:"timestamp"`
}

// TimeControl 时间控制，单位毫秒，仅存储不倒计时
type TimeControl struct {
	InitialMs   int64 `json:"initial_ms"`
	IncrementMs int64 `json:"increment_ms"`
}

// Session 一局双人对局
type Session struct {
	ID                    string        `json:"id"`
	Name                  string        `json:"name,omitempty"`
	FirstPlayer           string        `json:"first_player"`
	SecondPlayer          string        `json:"second_player,omitempty"`
	Status                SessionStatus `json:"status"`
	Outcome               Outcome       `json:"outcome"`
	Winner                string        `json:"winner,omitempty"`
	DrawOfferedBy         string        `json:"draw_offered_by,omitempty"`
	Board                 []Mark        `json:"board"`
	Turn                  Seat          `json:"turn"`
	Moves                 []Move        `json:"moves"`
	IsMatchmaking         bool          `json:"is_matchmaking"`
	TimeControl           TimeControl   `json:"time_control"`
	FirstTimeRemainingMs  int64         `json:"first_time_remaining_ms"`
	SecondTimeRemainingMs int64         `json:"second_time_remaining_ms"`
	Version               int64         `json:"version"`
	CreatedAt             time.Time     `json:"created_at"`
	StartedAt             *time.Time    `json:"started_at,omitempty"`
	EndedAt               *time.Time    `json:"ended_at,omitempty"`
	UpdatedAt             time.Time     `json:"updated_at"`
}

// NewBoard returns an empty board.
func NewBoard() []Mark {
	return make([]Mark, BoardSize)
}

// Clone returns a deep copy; state transitions never mutate their input.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Board = append([]Mark(nil), s.Board...)
	c.Moves = append([]Move(nil), s.Moves...)
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// SeatOf returns the seat held by playerID.
func (s *Session) SeatOf(playerID string) (Seat, bool) {
	switch {
	case playerID == "":
		return "", false
	case s.FirstPlayer == playerID:
		return SeatFirst, true
	case s.SecondPlayer == playerID:
		return SeatSecond, true
	}
	return "", false
}

// PlayerAt returns the player id seated at seat, or "" when empty.
func (s *Session) PlayerAt(seat Seat) string {
	if seat == SeatFirst {
		return s.FirstPlayer
	}
	return s.SecondPlayer
}

// HasSecondPlayer reports whether the second seat is taken.
func (s *Session) HasSecondPlayer() bool {
	return s.SecondPlayer != ""
}

// OccupiedCells counts non-empty cells.
func (s *Session) OccupiedCells() int {
	n := 0
	for _, c := range s.Board {
		if c != MarkEmpty {
			n++
		}
	}
	return n
}

// Player 玩家评分与战绩，由 RatingStore 持有
type Player struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Rating      int       `json:"rating"`
	GamesPlayed int       `json:"games_played"`
	GamesWon    int       `json:"games_won"`
	GamesLost   int       `json:"games_lost"`
	GamesDrawn  int       `json:"games_drawn"`
	Active      bool      `json:"active"`
	LastSeen    time.Time `json:"last_seen"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DefaultRating is assigned to players on first sight.
const DefaultRating = 1200

// GameResult 单个玩家视角的结果
type GameResult string

const (
	ResultWin  GameResult = "win"
	ResultLoss GameResult = "loss"
	ResultDraw GameResult = "draw"
)

// SettlementEntry 单个玩家的评分变化
type SettlementEntry struct {
	PlayerID    string     `json:"player_id"`
	RatingDelta int        `json:"rating_delta"`
	Result      GameResult `json:"result"`
}

// Settlement 一局结束后的评分结算，按 Key 只执行一次
type Settlement struct {
	SessionID string            `json:"session_id"`
	Outcome   Outcome           `json:"outcome"`
	Entries   []SettlementEntry `json:"entries"`
}

// Key identifies the settlement for apply-once bookkeeping.
func (s Settlement) Key() string {
	return s.SessionID + ":" + string(s.Outcome)
}
