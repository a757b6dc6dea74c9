package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/wfunc/gridduel/config"
	"github.com/wfunc/gridduel/models"
	"github.com/wfunc/gridduel/persistence"
	"github.com/wfunc/gridduel/state"
)

func seedRating(t *testing.T, ratings *persistence.MemoryRatings, id string, rating int) {
	t.Helper()
	ctx := context.Background()
	if err := ratings.EnsurePlayer(ctx, id, id); err != nil {
		t.Fatalf("EnsurePlayer: %v", err)
	}
	if _, err := ratings.ApplyDelta(ctx, id, rating-models.DefaultRating); err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}
}

func newMatchmaker(f *fixture) *Matchmaker {
	return NewMatchmaker(f.coord, f.sessions, f.ratings, 100, models.DefaultRating, f.metrics)
}

func TestMatchmaker_PairsWithinWindow(t *testing.T) {
	f := newFixture(t)
	mm := newMatchmaker(f)
	ctx := context.Background()

	seedRating(t, f.ratings, "p1200", 1200)
	seedRating(t, f.ratings, "p1250", 1250)
	seedRating(t, f.ratings, "p1220", 1220)

	s1, err := mm.RequestRandomMatch(ctx, "p1200")
	if err != nil {
		t.Fatalf("request 1: %v", err)
	}
	if s1.Status != models.StatusWaiting || !s1.IsMatchmaking || s1.FirstPlayer != "p1200" {
		t.Fatalf("empty pool should queue a matchmaking session: %+v", s1)
	}
	// p1250 arrived at the same instant and saw the same empty pool.
	s2, _ := f.coord.createMatchmaking(ctx, "p1250")

	got, err := mm.RequestRandomMatch(ctx, "p1220")
	if err != nil {
		t.Fatalf("request 3: %v", err)
	}
	if got.Status != models.StatusActive || got.SecondPlayer != "p1220" {
		t.Fatalf("third request should join a waiting session: %+v", got)
	}
	if got.ID != s1.ID && got.ID != s2.ID {
		t.Errorf("joined unexpected session %s", got.ID)
	}
	if f.metrics.matches[MatchClaimed] != 1 || f.metrics.matches[MatchQueued] != 1 {
		t.Errorf("unexpected matchmaking counts: %v", f.metrics.matches)
	}
}

func TestMatchmaker_ConcurrentRequestsClaimOnce(t *testing.T) {
	f := newFixture(t)
	mm := newMatchmaker(f)
	ctx := context.Background()

	seedRating(t, f.ratings, "host", 1200)
	waiting, err := mm.RequestRandomMatch(ctx, "host")
	if err != nil {
		t.Fatalf("host request: %v", err)
	}

	const n = 20
	players := make([]string, n)
	for i := range players {
		players[i] = fmt.Sprintf("p%02d", i)
		seedRating(t, f.ratings, players[i], 1200)
	}

	results := make([]*models.Session, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range players {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = mm.RequestRandomMatch(ctx, players[i])
		}(i)
	}
	wg.Wait()

	claimedBy := map[string]string{}
	hostWinners := 0
	for i, s := range results {
		if errs[i] != nil {
			t.Fatalf("%s: %v", players[i], errs[i])
		}
		switch s.Status {
		case models.StatusActive:
			if s.SecondPlayer != players[i] {
				t.Errorf("%s got an active session seating %q", players[i], s.SecondPlayer)
			}
			if other, dup := claimedBy[s.ID]; dup {
				t.Errorf("session %s claimed by both %s and %s", s.ID, other, players[i])
			}
			claimedBy[s.ID] = players[i]
			if s.ID == waiting.ID {
				hostWinners++
			}
		case models.StatusWaiting:
			if s.FirstPlayer != players[i] || s.ID == waiting.ID {
				t.Errorf("%s should queue its own session: %+v", players[i], s)
			}
		default:
			t.Errorf("unexpected status for %s: %s", players[i], s.Status)
		}
	}
	if hostWinners != 1 {
		t.Fatalf("host session claimed %d times, want exactly 1", hostWinners)
	}

	stored, err := f.coord.Get(ctx, waiting.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != models.StatusActive || stored.SecondPlayer != claimedBy[waiting.ID] || stored.Version != waiting.Version+1 {
		t.Errorf("stored session should hold a single claim: %+v", stored)
	}
}

func TestMatchmaker_OutsideWindowQueues(t *testing.T) {
	f := newFixture(t)
	mm := newMatchmaker(f)
	ctx := context.Background()

	seedRating(t, f.ratings, "low", 1000)
	seedRating(t, f.ratings, "high", 1500)

	first, _ := mm.RequestRandomMatch(ctx, "low")
	second, err := mm.RequestRandomMatch(ctx, "high")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if second.ID == first.ID || second.Status != models.StatusWaiting {
		t.Fatal("players 500 points apart must not be paired")
	}
}

func TestMatchmaker_ReusesOwnWaitingSession(t *testing.T) {
	f := newFixture(t)
	mm := newMatchmaker(f)
	ctx := context.Background()

	first, _ := mm.RequestRandomMatch(ctx, "alice")
	again, err := mm.RequestRandomMatch(ctx, "alice")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if again.ID != first.ID || again.Status != models.StatusWaiting {
		t.Fatal("requester should get their own waiting session back, never join it")
	}
	if f.metrics.matches[MatchReused] != 1 {
		t.Errorf("expected reuse to be counted, got %v", f.metrics.matches)
	}
}

func TestMatchmaker_UnknownOpponentUsesDefault(t *testing.T) {
	f := newFixture(t)
	mm := newMatchmaker(f)
	ctx := context.Background()

	waiting, _ := f.coord.createMatchmaking(ctx, "stranger")
	got, err := mm.RequestRandomMatch(ctx, "alice")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if got.ID != waiting.ID || got.SecondPlayer != "alice" {
		t.Fatal("an opponent without a rating should count as the default rating")
	}
}

func TestMatchmaker_LostClaimFallsThrough(t *testing.T) {
	repo := &conflictingRepo{MemorySessions: persistence.NewMemorySessions()}
	ratings := persistence.NewMemoryRatings()
	coord := NewCoordinator(repo, ratings, CoordinatorConfig{})
	mm := NewMatchmaker(coord, repo, ratings, 100, 0, nil)
	ctx := context.Background()

	waiting, _ := coord.createMatchmaking(ctx, "bob")
	repo.failCAS = 1

	got, err := mm.RequestRandomMatch(ctx, "alice")
	if err != nil {
		t.Fatalf("a lost claim is not an error: %v", err)
	}
	if got.ID == waiting.ID || got.FirstPlayer != "alice" || got.Status != models.StatusWaiting {
		t.Fatalf("expected a new waiting session for alice, got %+v", got)
	}
	if repo.calls != 1 {
		t.Errorf("claim must be a single conditional write, got %d attempts", repo.calls)
	}
}

func TestScheduler_SweepStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old, _ := f.coord.createMatchmaking(ctx, "alice")
	manual, _ := f.coord.Create(ctx, CreateConfig{}, "bob")

	later := testNow.Add(time.Hour)
	f.coord.cfg.Now = func() time.Time { return later }
	fresh, _ := f.coord.createMatchmaking(ctx, "carol")

	sched, err := NewScheduler(f.coord, f.sessions, NewPlayerService(f.ratings, f.sessions, f.coord.Rules()), config.SchedulerConfig{
		StaleWaitingAfter: 30 * time.Minute,
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	n, err := sched.SweepStale(ctx)
	if err != nil {
		t.Fatalf("SweepStale: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one stale session voided, got %d", n)
	}

	got, _ := f.coord.Get(ctx, old.ID)
	if got.Status != models.StatusAbandoned || got.Outcome != models.OutcomePending {
		t.Errorf("stale session should be voided: %+v", got)
	}
	for _, id := range []string{manual.ID, fresh.ID} {
		s, _ := f.coord.Get(ctx, id)
		if s.Status != models.StatusWaiting {
			t.Errorf("session %s should still be waiting", id)
		}
	}
}

func TestPlayerService_RedriveSettlements(t *testing.T) {
	ctx := context.Background()
	sessions := persistence.NewMemorySessions()
	ratings := persistence.NewMemoryRatings()
	ratings.EnsurePlayer(ctx, "alice", "Alice")
	ratings.EnsurePlayer(ctx, "bob", "Bob")

	ended := testNow
	sessions.Create(ctx, &models.Session{
		ID:           "done",
		FirstPlayer:  "alice",
		SecondPlayer: "bob",
		Status:       models.StatusCompleted,
		Outcome:      models.OutcomeFirstWins,
		Winner:       "alice",
		Board:        models.NewBoard(),
		Version:      7,
		CreatedAt:    testNow.Add(-time.Minute),
		EndedAt:      &ended,
	})

	svc := NewPlayerService(ratings, sessions, state.DefaultRules)
	n, err := svc.RedriveSettlements(ctx, testNow.Add(-time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("first re-drive: n=%d err=%v", n, err)
	}
	n, _ = svc.RedriveSettlements(ctx, testNow.Add(-time.Hour))
	if n != 0 {
		t.Fatalf("second re-drive must be a no-op, applied %d", n)
	}

	top, _ := svc.Leaderboard(ctx, 0)
	if len(top) != 2 || top[0].ID != "alice" || top[0].Rating != 1400 {
		t.Errorf("unexpected leaderboard: %+v", top)
	}
	if _, err := svc.GetPlayerWithStats(ctx, "nobody"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
