// models/gorm_models.go
package models

import (
	"time"

	"github.com/gosimple/slug"
)

// GormSession 对局表
type GormSession struct {
	ID                     string `gorm:"primaryKey;type:varchar(64)"`
	Name                   string `gorm:"type:varchar(255)"`
	NameSlug               string `gorm:"index;type:varchar(255)"`
	FirstPlayer            string `gorm:"index;not null"`
	SecondPlayer           string `gorm:"index"`
	Status                 string `gorm:"index;not null"`
	Outcome                string `gorm:"not null"`
	Winner                 string
	DrawOfferedBy          string
	Board                  []Mark    `gorm:"serializer:json;type:jsonb;not null"`
	Turn                   string    `gorm:"not null"`
	Moves                  []Move    `gorm:"serializer:json;type:jsonb;not null"`
	IsMatchmaking          bool      `gorm:"index;default:false"`
	TimeControlInitialMs   int64     `gorm:"default:0"`
	TimeControlIncrementMs int64     `gorm:"default:0"`
	FirstTimeRemainingMs   int64     `gorm:"default:0"`
	SecondTimeRemainingMs  int64     `gorm:"default:0"`
	Version                int64     `gorm:"not null"`
	CreatedAt              time.Time `gorm:"index"`
	StartedAt              *time.Time
	EndedAt                *time.Time `gorm:"index"`
	UpdatedAt              time.Time
}

func (GormSession) TableName() string {
	return "game_sessions"
}

// NewGormSession converts a domain session into its row.
func NewGormSession(s *Session) *GormSession {
	return &GormSession{
		ID:                     s.ID,
		Name:                   s.Name,
		NameSlug:               slug.Make(s.Name),
		FirstPlayer:            s.FirstPlayer,
		SecondPlayer:           s.SecondPlayer,
		Status:                 string(s.Status),
		Outcome:                string(s.Outcome),
		Winner:                 s.Winner,
		DrawOfferedBy:          s.DrawOfferedBy,
		Board:                  s.Board,
		Turn:                   string(s.Turn),
		Moves:                  s.Moves,
		IsMatchmaking:          s.IsMatchmaking,
		TimeControlInitialMs:   s.TimeControl.InitialMs,
		TimeControlIncrementMs: s.TimeControl.IncrementMs,
		FirstTimeRemainingMs:   s.FirstTimeRemainingMs,
		SecondTimeRemainingMs:  s.SecondTimeRemainingMs,
		Version:                s.Version,
		CreatedAt:              s.CreatedAt,
		StartedAt:              s.StartedAt,
		EndedAt:                s.EndedAt,
		UpdatedAt:              s.UpdatedAt,
	}
}

// ToSession converts the row back into a domain session.
func (g *GormSession) ToSession() *Session {
	board := g.Board
	if len(board) != BoardSize {
		board = NewBoard()
	}
	moves := g.Moves
	if moves == nil {
		moves = []Move{}
	}
	return &Session{
		ID:            g.ID,
		Name:          g.Name,
		FirstPlayer:   g.FirstPlayer,
		SecondPlayer:  g.SecondPlayer,
		Status:        SessionStatus(g.Status),
		Outcome:       Outcome(g.Outcome),
		Winner:        g.Winner,
		DrawOfferedBy: g.DrawOfferedBy,
		Board:         board,
		Turn:          Seat(g.Turn),
		Moves:         moves,
		IsMatchmaking: g.IsMatchmaking,
		TimeControl: TimeControl{
			InitialMs:   g.TimeControlInitialMs,
			IncrementMs: g.TimeControlIncrementMs,
		},
		FirstTimeRemainingMs:  g.FirstTimeRemainingMs,
		SecondTimeRemainingMs: g.SecondTimeRemainingMs,
		Version:               g.Version,
		CreatedAt:             g.CreatedAt,
		StartedAt:             g.StartedAt,
		EndedAt:               g.EndedAt,
		UpdatedAt:             g.UpdatedAt,
	}
}

// CASColumns lists the mutable columns written by a compare-and-swap.
var CASColumns = []string{
	"second_player",
	"status",
	"outcome",
	"winner",
	"draw_offered_by",
	"board",
	"turn",
	"moves",
	"first_time_remaining_ms",
	"second_time_remaining_ms",
	"version",
	"started_at",
	"ended_at",
	"updated_at",
}
