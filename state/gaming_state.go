package state

import (
	"fmt"
	"time"

	"github.com/wfunc/gridduel/models"
)

// WinPatterns are the rows, columns and diagonals of the 3x3 board.
var WinPatterns = [8][3]int{
	{0, 1, 2},
	{3, 4, 5},
	{6, 7, 8},
	{0, 3, 6},
	{1, 4, 7},
	{2, 5, 8},
	{0, 4, 8},
	{2, 4, 6},
}

// MoveInput is a proposed move. Only Cell is meaningful on this board; From
// is carried into the move log verbatim.
type MoveInput struct {
	From string `json:"from,omitempty"`
	Cell int    `json:"cell"`
}

// CheckBoard returns the winning mark, if any, and whether the board is a draw.
func CheckBoard(board []models.Mark) (winner models.Mark, draw bool) {
	for _, p := range WinPatterns {
		a := board[p[0]]
		if a != models.MarkEmpty && a == board[p[1]] && a == board[p[2]] {
			return a, false
		}
	}
	for _, c := range board {
		if c == models.MarkEmpty {
			return models.MarkEmpty, false
		}
	}
	return models.MarkEmpty, true
}

// ApplyMove validates move for playerID against s and returns the next
// session. s is never modified.
func ApplyMove(s *models.Session, move MoveInput, playerID string, now time.Time, rules Rules) (*Result, error) {
	if s.Status != models.StatusActive {
		return nil, fmt.Errorf("%w: session is %s", models.ErrInvalidMove, s.Status)
	}
	seat, ok := s.SeatOf(playerID)
	if !ok {
		return nil, fmt.Errorf("%w: not a player in this session", models.ErrInvalidMove)
	}
	if s.Turn != seat {
		return nil, fmt.Errorf("%w: not your turn", models.ErrInvalidMove)
	}
	if move.Cell < 0 || move.Cell >= len(s.Board) {
		return nil, fmt.Errorf("%w: cell %d out of range", models.ErrInvalidMove, move.Cell)
	}
	if s.Board[move.Cell] != models.MarkEmpty {
		return nil, fmt.Errorf("%w: cell %d is already occupied", models.ErrInvalidMove, move.Cell)
	}

	next := s.Clone()
	mark := seat.Mark()
	next.Board[move.Cell] = mark
	// 落子视为拒绝对方的和棋提议
	next.DrawOfferedBy = ""

	m := models.Move{
		From:      move.From,
		Cell:      move.Cell,
		Mark:      mark,
		Seat:      seat,
		PlayerID:  playerID,
		Notation:  fmt.Sprintf("%s → Cell %d", mark, move.Cell+1),
		Timestamp: now,
	}

	winner, draw := CheckBoard(next.Board)
	switch {
	case winner != models.MarkEmpty:
		if err := changeStatus(next, models.StatusCompleted); err != nil {
			return nil, err
		}
		m.IsWinning = true
		next.Outcome = seat.WinOutcome()
		next.Winner = playerID
		next.EndedAt = &now
	case draw:
		if err := changeStatus(next, models.StatusCompleted); err != nil {
			return nil, err
		}
		m.IsDrawing = true
		next.Outcome = models.OutcomeDraw
		next.EndedAt = &now
	default:
		next.Turn = seat.Other()
	}

	next.Moves = append(next.Moves, m)
	bump(next, now)

	return &Result{Session: next, Move: &m, Settlement: Settle(next, rules)}, nil
}
