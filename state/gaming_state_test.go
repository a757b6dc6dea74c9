package state

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/wfunc/gridduel/models"
)

// play applies cells alternately starting with the first seat.
func play(t *testing.T, s *models.Session, cells ...int) *Result {
	t.Helper()
	var res *Result
	for _, c := range cells {
		player := s.PlayerAt(s.Turn)
		var err error
		res, err = ApplyMove(s, MoveInput{Cell: c}, player, testNow, DefaultRules)
		if err != nil {
			t.Fatalf("move %d by %s failed: %v", c, player, err)
		}
		s = res.Session
	}
	return res
}

func TestCheckBoard(t *testing.T) {
	X, O, E := models.MarkX, models.MarkO, models.MarkEmpty
	cases := []struct {
		name   string
		board  []models.Mark
		winner models.Mark
		draw   bool
	}{
		{"empty", []models.Mark{E, E, E, E, E, E, E, E, E}, E, false},
		{"top row", []models.Mark{X, X, X, E, E, E, E, E, E}, X, false},
		{"middle column", []models.Mark{E, O, E, E, O, E, E, O, E}, O, false},
		{"anti diagonal", []models.Mark{E, E, X, E, X, E, X, E, E}, X, false},
		{"full no line", []models.Mark{X, O, X, X, O, O, O, X, X}, E, true},
		{"full with line", []models.Mark{X, X, X, O, O, X, O, X, O}, X, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			winner, draw := CheckBoard(c.board)
			if winner != c.winner || draw != c.draw {
				t.Errorf("CheckBoard = (%q, %v), want (%q, %v)", winner, draw, c.winner, c.draw)
			}
		})
	}
}

func TestApplyMove_RowWin(t *testing.T) {
	s := newActiveSession(t)
	// X: 0,1,2  O: 3,4
	res := play(t, s, 0, 3, 1, 4, 2)

	got := res.Session
	if got.Status != models.StatusCompleted || got.Outcome != models.OutcomeFirstWins {
		t.Fatalf("expected COMPLETED/FIRST_WINS, got %s/%s", got.Status, got.Outcome)
	}
	if got.Winner != "alice" {
		t.Errorf("expected alice as winner, got %q", got.Winner)
	}
	if !res.Move.IsWinning {
		t.Error("last move should be flagged as winning")
	}
	if res.Settlement == nil {
		t.Fatal("expected a settlement")
	}
	want := map[string]int{"alice": 200, "bob": -100}
	for _, e := range res.Settlement.Entries {
		if want[e.PlayerID] != e.RatingDelta {
			t.Errorf("delta for %s = %d, want %d", e.PlayerID, e.RatingDelta, want[e.PlayerID])
		}
	}
	if got.Version != s.Version+5 {
		t.Errorf("version should grow by one per move: got %d from %d", got.Version, s.Version)
	}
}

func TestApplyMove_Draw(t *testing.T) {
	s := newActiveSession(t)
	// X O X
	// X O O
	// O X X
	res := play(t, s, 0, 1, 2, 4, 3, 5, 7, 6, 8)

	got := res.Session
	if got.Status != models.StatusCompleted || got.Outcome != models.OutcomeDraw {
		t.Fatalf("expected COMPLETED/DRAW, got %s/%s", got.Status, got.Outcome)
	}
	if !res.Move.IsDrawing {
		t.Error("last move should be flagged as drawing")
	}
	for _, e := range res.Settlement.Entries {
		if e.RatingDelta != 0 {
			t.Errorf("draw must not change ratings, got %+v", e)
		}
	}
}

func TestApplyMove_Rejections(t *testing.T) {
	s := newActiveSession(t)

	cases := []struct {
		name   string
		player string
		cell   int
	}{
		{"wrong turn", "bob", 0},
		{"outsider", "mallory", 0},
		{"negative cell", "alice", -1},
		{"cell past end", "alice", 9},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := ApplyMove(s, MoveInput{Cell: c.cell}, c.player, testNow, DefaultRules)
			if !errors.Is(err, models.ErrInvalidMove) {
				t.Fatalf("expected ErrInvalidMove, got %v", err)
			}
			if s.OccupiedCells() != 0 || len(s.Moves) != 0 {
				t.Error("rejected move must leave the board unchanged")
			}
		})
	}

	t.Run("occupied cell", func(t *testing.T) {
		res := play(t, s, 4)
		if _, err := ApplyMove(res.Session, MoveInput{Cell: 4}, "bob", testNow, DefaultRules); !errors.Is(err, models.ErrInvalidMove) {
			t.Fatalf("expected ErrInvalidMove, got %v", err)
		}
	})

	t.Run("not active", func(t *testing.T) {
		waiting := NewSession("w", "", "alice", models.TimeControl{}, false, testNow)
		if _, err := ApplyMove(waiting, MoveInput{Cell: 0}, "alice", testNow, DefaultRules); !errors.Is(err, models.ErrInvalidMove) {
			t.Fatalf("expected ErrInvalidMove, got %v", err)
		}
	})

	t.Run("terminal", func(t *testing.T) {
		res := play(t, s, 0, 3, 1, 4, 2)
		if _, err := ApplyMove(res.Session, MoveInput{Cell: 8}, "bob", testNow, DefaultRules); !errors.Is(err, models.ErrInvalidMove) {
			t.Fatalf("expected ErrInvalidMove, got %v", err)
		}
	})
}

func TestApplyMove_NotationAndMarks(t *testing.T) {
	s := newActiveSession(t)
	res := play(t, s, 4, 0)

	first, second := res.Session.Moves[0], res.Session.Moves[1]
	if first.Mark != models.MarkX || second.Mark != models.MarkO {
		t.Errorf("marks should follow seats, got %s then %s", first.Mark, second.Mark)
	}
	if first.Notation != "X → Cell 5" {
		t.Errorf("unexpected notation %q", first.Notation)
	}
	if res.Session.Turn != models.SeatFirst {
		t.Errorf("turn should be back to first, got %s", res.Session.Turn)
	}
}

// Random legal games must keep every snapshot consistent.
func TestApplyMove_RandomGamesKeepInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for game := 0; game < 200; game++ {
		s := newActiveSession(t)
		for !s.Status.IsTerminal() {
			var free []int
			for i, c := range s.Board {
				if c == models.MarkEmpty {
					free = append(free, i)
				}
			}
			cell := free[rng.Intn(len(free))]
			res, err := ApplyMove(s, MoveInput{Cell: cell}, s.PlayerAt(s.Turn), testNow, DefaultRules)
			if err != nil {
				t.Fatalf("game %d: legal move rejected: %v", game, err)
			}
			prev := s
			s = res.Session

			if s.Version != prev.Version+1 {
				t.Fatalf("game %d: version jumped from %d to %d", game, prev.Version, s.Version)
			}
			if len(s.Moves) != s.OccupiedCells() {
				t.Fatalf("game %d: %d moves but %d occupied cells", game, len(s.Moves), s.OccupiedCells())
			}
			for i := range prev.Board {
				if prev.Board[i] != models.MarkEmpty && prev.Board[i] != s.Board[i] {
					t.Fatalf("game %d: cell %d was overwritten", game, i)
				}
			}
			if (s.Status == models.StatusWaiting) != !s.HasSecondPlayer() {
				t.Fatalf("game %d: waiting/second-seat invariant broken", game)
			}
		}
		if s.Outcome == models.OutcomePending {
			t.Fatalf("game %d: terminal session without outcome", game)
		}
	}
}
