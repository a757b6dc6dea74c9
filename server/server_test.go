package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wfunc/gridduel/auth"
	"github.com/wfunc/gridduel/broadcast"
	"github.com/wfunc/gridduel/models"
	"github.com/wfunc/gridduel/network"
	"github.com/wfunc/gridduel/persistence"
	"github.com/wfunc/gridduel/registry"
	"github.com/wfunc/gridduel/room"
	"github.com/wfunc/gridduel/services"
	"github.com/wfunc/gridduel/session"
	"github.com/wfunc/gridduel/timer"
)

const secret = "server-secret"

func newTestServer(t *testing.T, authTimeout time.Duration) string {
	t.Helper()
	sessions := session.NewManager()
	rooms := room.NewRoomManager()
	b := broadcast.NewRoomBroadcaster(rooms, sessions, nil)

	repo := persistence.NewMemorySessions()
	ratings := persistence.NewMemoryRatings()
	coord := services.NewCoordinator(repo, ratings, services.CoordinatorConfig{
		Notifier: b,
	})
	players := services.NewPlayerService(ratings, repo, coord.Rules())
	resolver, err := auth.NewJWTResolver(secret, "")
	if err != nil {
		t.Fatal(err)
	}
	timers := timer.NewTimerManagerWithTick(5 * time.Millisecond)
	t.Cleanup(timers.Stop)

	reg := registry.NewRegistry(registry.Options{
		Sessions:    sessions,
		Rooms:       rooms,
		Broadcaster: b,
		Coordinator: coord,
		Players:     players,
		Resolver:    resolver,
		Timers:      timers,
		AuthTimeout: authTimeout,
	})
	srv := NewGameServer(Options{
		Registry:    reg,
		Sessions:    sessions,
		Coordinator: coord,
		Matchmaker:  services.NewMatchmaker(coord, repo, ratings, 100, models.DefaultRating, nil),
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

type testClient struct {
	conn   *websocket.Conn
	frames chan *network.Packet
}

func dial(t *testing.T, url string, header http.Header) *testClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c := &testClient{conn: conn, frames: make(chan *network.Packet, 256)}
	go func() {
		defer close(c.frames)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			packet, err := network.DecodePacket(data)
			if err != nil {
				return
			}
			c.frames <- packet
		}
	}()
	t.Cleanup(func() { conn.Close() })
	return c
}

func token(t *testing.T, playerID string) string {
	t.Helper()
	tok, err := auth.Sign(secret, "", playerID, strings.ToUpper(playerID[:1])+playerID[1:], time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (c *testClient) send(t *testing.T, msgID uint16, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	packet, err := network.EncodePacket(msgID, data)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, packet); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// expect skips frames until one with msgID arrives.
func (c *testClient) expect(t *testing.T, msgID uint16, v interface{}) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case packet, ok := <-c.frames:
			if !ok {
				t.Fatalf("connection closed while waiting for msgID %d", msgID)
			}
			if packet.MsgID != msgID {
				continue
			}
			if v != nil {
				if err := json.Unmarshal(packet.Data, v); err != nil {
					t.Fatalf("decode msgID %d: %v", msgID, err)
				}
			}
			return
		case <-timeout:
			t.Fatalf("timed out waiting for msgID %d", msgID)
		}
	}
}

func (c *testClient) expectClosed(t *testing.T) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-c.frames:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("connection should have been closed")
		}
	}
}

func login(t *testing.T, url, playerID string) *testClient {
	t.Helper()
	c := dial(t, url+"?token="+token(t, playerID), nil)
	var me network.Presence
	c.expect(t, network.MsgTypeAuth, &me)
	if me.PlayerID != playerID {
		t.Fatalf("authenticated as %q, want %q", me.PlayerID, playerID)
	}
	return c
}

func move(t *testing.T, c *testClient, sessionID string, cell int) models.Session {
	t.Helper()
	c.send(t, network.MsgTypeSubmitMove, network.MoveRequest{SessionID: sessionID, Cell: &cell})
	var s models.Session
	c.expect(t, network.MsgTypeSubmitMove, &s)
	return s
}

func TestServer_FullGame(t *testing.T) {
	url := newTestServer(t, time.Second)
	alice := login(t, url, "alice")

	// bob authenticates with the first packet instead of the query string
	bob := dial(t, url, nil)
	bob.send(t, network.MsgTypeAuth, network.AuthRequest{Token: token(t, "bob")})
	bob.expect(t, network.MsgTypeAuth, nil)

	alice.send(t, network.MsgTypeCreateSession, services.CreateConfig{Name: "  friendly  "})
	var created models.Session
	alice.expect(t, network.MsgTypeCreateSession, &created)
	if created.Status != models.StatusWaiting || created.Name != "friendly" {
		t.Fatalf("unexpected created session: %+v", created)
	}

	alice.send(t, network.MsgTypeJoinRoom, network.SessionRequest{SessionID: created.ID})
	var snapshot models.Session
	alice.expect(t, network.MsgTypeSessionState, &snapshot)
	if snapshot.ID != created.ID {
		t.Fatalf("snapshot for wrong session: %s", snapshot.ID)
	}

	bob.send(t, network.MsgTypeJoinSession, network.SessionRequest{SessionID: created.ID})
	var joined models.Session
	bob.expect(t, network.MsgTypeJoinSession, &joined)
	if joined.Status != models.StatusActive || joined.SecondPlayer != "bob" {
		t.Fatalf("unexpected joined session: %+v", joined)
	}

	move(t, alice, created.ID, 0)
	move(t, bob, created.ID, 3)
	move(t, alice, created.ID, 1)
	move(t, bob, created.ID, 4)
	final := move(t, alice, created.ID, 2)
	if final.Status != models.StatusCompleted || final.Outcome != models.OutcomeFirstWins || final.Version != 7 {
		t.Fatalf("unexpected final session: %+v", final)
	}

	var ended network.SessionEnded
	bob.expect(t, network.MsgTypeSessionEnded, &ended)
	if ended.SessionID != created.ID || ended.Winner != "alice" {
		t.Errorf("unexpected sessionEnded: %+v", ended)
	}

	bob.send(t, network.MsgTypeSessionHistory, network.HistoryRequest{})
	var history sessionList
	bob.expect(t, network.MsgTypeSessionHistory, &history)
	if len(history.Sessions) != 1 || history.Sessions[0].ID != created.ID {
		t.Errorf("unexpected history: %+v", history.Sessions)
	}
}

func TestServer_ErrorNoticeKeepsConnection(t *testing.T) {
	url := newTestServer(t, time.Second)
	alice := login(t, url, "alice")

	cell := 4
	alice.send(t, network.MsgTypeSubmitMove, network.MoveRequest{SessionID: "missing", Cell: &cell})
	var notice network.ErrorNotice
	alice.expect(t, network.MsgTypeErrorNotice, &notice)
	if notice.Code != "not_found" || notice.RequestID != network.MsgTypeSubmitMove {
		t.Errorf("unexpected notice: %+v", notice)
	}

	alice.send(t, network.MsgTypeSubmitMove, map[string]string{"session_id": "missing"})
	alice.expect(t, network.MsgTypeErrorNotice, &notice)
	if notice.Code != "invalid_argument" {
		t.Errorf("a move without a cell should be rejected as invalid_argument, got %+v", notice)
	}

	alice.send(t, network.MsgTypeHeartbeat, nil)
	alice.expect(t, network.MsgTypeHeartbeat, nil)
}

func TestServer_ListWaitingAndRandomMatch(t *testing.T) {
	url := newTestServer(t, time.Second)
	alice := login(t, url, "alice")
	bob := login(t, url, "bob")

	alice.send(t, network.MsgTypeRandomMatch, nil)
	var queued models.Session
	alice.expect(t, network.MsgTypeRandomMatch, &queued)
	if queued.Status != models.StatusWaiting || !queued.IsMatchmaking {
		t.Fatalf("expected a queued matchmaking session: %+v", queued)
	}

	bob.send(t, network.MsgTypeListWaiting, network.ListWaitingRequest{})
	var lobby sessionList
	bob.expect(t, network.MsgTypeListWaiting, &lobby)
	if lobby.Sessions == nil || len(lobby.Sessions) != 0 {
		t.Errorf("matchmaking sessions must not be listed in the lobby: %+v", lobby.Sessions)
	}

	bob.send(t, network.MsgTypeRandomMatch, nil)
	var paired models.Session
	bob.expect(t, network.MsgTypeRandomMatch, &paired)
	if paired.ID != queued.ID || paired.Status != models.StatusActive {
		t.Fatalf("bob should be paired into alice's session: %+v", paired)
	}

	var changed models.Session
	alice.expect(t, network.MsgTypeSessionChanged, &changed)
}

func TestServer_AuthorizationHeader(t *testing.T) {
	url := newTestServer(t, time.Second)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token(t, "carol"))

	c := dial(t, url, header)
	var me network.Presence
	c.expect(t, network.MsgTypeAuth, &me)
	if me.PlayerID != "carol" || me.DisplayName != "Carol" {
		t.Errorf("unexpected identity: %+v", me)
	}
}

func TestServer_RejectsUnauthenticated(t *testing.T) {
	url := newTestServer(t, time.Second)

	t.Run("packet before auth", func(t *testing.T) {
		c := dial(t, url, nil)
		c.send(t, network.MsgTypeCreateSession, services.CreateConfig{})
		var notice network.ErrorNotice
		c.expect(t, network.MsgTypeErrorNotice, &notice)
		if notice.Code != "unauthorized" {
			t.Errorf("unexpected notice: %+v", notice)
		}
		c.expectClosed(t)
	})

	t.Run("bad token", func(t *testing.T) {
		c := dial(t, url+"?token=garbage", nil)
		var notice network.ErrorNotice
		c.expect(t, network.MsgTypeErrorNotice, &notice)
		if notice.Code != "unauthorized" {
			t.Errorf("unexpected notice: %+v", notice)
		}
		c.expectClosed(t)
	})
}

func TestServer_AuthTimeout(t *testing.T) {
	url := newTestServer(t, 50*time.Millisecond)
	c := dial(t, url, nil)
	c.expectClosed(t)
}
