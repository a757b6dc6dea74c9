package rpc

import (
	"context"
	"net/rpc"
	"strings"
	"testing"

	"github.com/wfunc/gridduel/models"
	"github.com/wfunc/gridduel/persistence"
	"github.com/wfunc/gridduel/services"
)

func startServer(t *testing.T) (*rpc.Client, *services.Coordinator, *persistence.MemoryRatings) {
	t.Helper()
	repo := persistence.NewMemorySessions()
	ratings := persistence.NewMemoryRatings()
	coord := services.NewCoordinator(repo, ratings, services.CoordinatorConfig{})
	players := services.NewPlayerService(ratings, repo, coord.Rules())

	srv, err := NewServer("127.0.0.1:0", NewGameService(players, coord))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	go srv.Start()
	t.Cleanup(srv.Stop)

	client, err := rpc.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client, coord, ratings
}

func TestGameService_Calls(t *testing.T) {
	client, coord, ratings := startServer(t)
	ctx := context.Background()
	ratings.EnsurePlayer(ctx, "alice", "Alice")
	ratings.EnsurePlayer(ctx, "bob", "Bob")

	s, _ := coord.Create(ctx, services.CreateConfig{Name: "rpc"}, "alice")
	coord.Join(ctx, s.ID, "bob")
	coord.Abandon(ctx, s.ID, "bob")

	var player GetPlayerReply
	if err := client.Call("GameService.GetPlayer", &GetPlayerArgs{PlayerID: "alice"}, &player); err != nil {
		t.Fatalf("GetPlayer: %v", err)
	}
	if player.Player.Rating != 1400 || player.Player.GamesWon != 1 {
		t.Errorf("unexpected player: %+v", player.Player)
	}

	var board LeaderboardReply
	if err := client.Call("GameService.Leaderboard", &LeaderboardArgs{}, &board); err != nil {
		t.Fatalf("Leaderboard: %v", err)
	}
	if len(board.Players) != 2 || board.Players[0].ID != "alice" {
		t.Errorf("unexpected leaderboard: %+v", board.Players)
	}

	var history SessionHistoryReply
	if err := client.Call("GameService.SessionHistory", &SessionHistoryArgs{PlayerID: "bob"}, &history); err != nil {
		t.Fatalf("SessionHistory: %v", err)
	}
	if len(history.Sessions) != 1 || history.Sessions[0].Status != models.StatusAbandoned {
		t.Errorf("unexpected history: %+v", history.Sessions)
	}
}

func TestGameService_UnknownPlayer(t *testing.T) {
	client, _, _ := startServer(t)

	var reply GetPlayerReply
	err := client.Call("GameService.GetPlayer", &GetPlayerArgs{PlayerID: "ghost"}, &reply)
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}
