// registry/registry.go
package registry

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/wfunc/gridduel/auth"
	"github.com/wfunc/gridduel/broadcast"
	"github.com/wfunc/gridduel/logger"
	"github.com/wfunc/gridduel/models"
	"github.com/wfunc/gridduel/network"
	"github.com/wfunc/gridduel/room"
	"github.com/wfunc/gridduel/services"
	"github.com/wfunc/gridduel/session"
	"github.com/wfunc/gridduel/timer"
)

const (
	maxChatLength  = 500
	authTimerKey   = "auth_timer"
	defaultTimeout = 10 * time.Second
	offlineTimeout = 5 * time.Second
)

type PresenceMetrics interface {
	IncOnlinePlayers()
	DecOnlinePlayers()
	SetActiveRooms(count int)
}

type Options struct {
	Sessions    *session.Manager
	Rooms       *room.Manager
	Broadcaster broadcast.Broadcaster
	Coordinator *services.Coordinator
	Players     *services.PlayerService
	Resolver    auth.Resolver
	Timers      *timer.TimerManager
	AuthTimeout time.Duration
	Metrics     PresenceMetrics
}

// Registry 连接 -> 身份、房间成员关系，以及在线状态和房间内的临时消息
type Registry struct {
	sessions    *session.Manager
	rooms       *room.Manager
	broadcaster broadcast.Broadcaster
	coordinator *services.Coordinator
	players     *services.PlayerService
	resolver    auth.Resolver
	timers      *timer.TimerManager
	authTimeout time.Duration
	metrics     PresenceMetrics
}

func NewRegistry(opts Options) *Registry {
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = defaultTimeout
	}
	return &Registry{
		sessions:    opts.Sessions,
		rooms:       opts.Rooms,
		broadcaster: opts.Broadcaster,
		coordinator: opts.Coordinator,
		players:     opts.Players,
		resolver:    opts.Resolver,
		timers:      opts.Timers,
		authTimeout: opts.AuthTimeout,
		metrics:     opts.Metrics,
	}
}

// Register tracks a new, not yet authenticated connection. It is closed if
// it has not authenticated within the auth timeout.
func (r *Registry) Register(s *session.Session) {
	r.sessions.Add(s)
	if r.timers == nil {
		return
	}
	id := r.timers.AddTimer(r.authTimeout, 0, func() {
		if !s.IsAuthenticated() {
			logger.Log.Infow("authentication timed out", "conn_id", s.ID)
			s.Close()
		}
	})
	s.Set(authTimerKey, id)
}

// Connect resolves token and admits the connection: identity is recorded,
// the player record is upserted, the personal room is joined and presence
// is announced to everyone, the new connection included. A player counts
// as online once however many connections it holds. Any error means the
// caller must close the connection.
func (r *Registry) Connect(ctx context.Context, s *session.Session, token string) (*auth.Identity, error) {
	if s.IsAuthenticated() {
		return nil, fmt.Errorf("%w: already authenticated", models.ErrInvalidState)
	}
	identity, err := r.resolver.Resolve(token)
	if err != nil {
		return nil, err
	}
	r.cancelAuthTimer(s)

	firstConnection := len(r.sessions.GetByPlayerID(identity.PlayerID)) == 0
	s.Authenticate(identity.PlayerID, identity.DisplayName)
	if r.players != nil {
		if err := r.players.EnsurePlayer(ctx, identity.PlayerID, identity.DisplayName); err != nil {
			logger.Log.Warnw("ensure player failed", "player_id", identity.PlayerID, "error", err)
		}
	}
	r.rooms.Join(room.UserRoom(identity.PlayerID), s)

	if r.metrics != nil {
		if firstConnection {
			r.metrics.IncOnlinePlayers()
		}
		r.metrics.SetActiveRooms(r.rooms.Count())
	}
	logger.Log.Infow("player online", "conn_id", s.ID, "player_id", identity.PlayerID)

	r.relay(broadcast.AllRoom, network.MsgTypePresenceOnline, network.Presence{
		PlayerID:    identity.PlayerID,
		DisplayName: identity.DisplayName,
	}, "")
	return identity, nil
}

// Disconnect forgets the connection. Offline presence is announced, and the
// player record marked inactive, only when it was the player's last
// connection. Session state is left untouched.
func (r *Registry) Disconnect(s *session.Session) {
	r.cancelAuthTimer(s)
	left := r.rooms.LeaveAll(s.ID)
	r.sessions.Remove(s.ID)

	playerID, name := s.Identity()
	if playerID == "" {
		return
	}
	for _, roomID := range left {
		if sessionID, ok := room.SessionIDOf(roomID); ok {
			r.relay(roomID, network.MsgTypePeerLeftRoom, network.RoomPeer{
				SessionID: sessionID, PlayerID: playerID, DisplayName: name,
			}, "")
		}
	}
	if r.metrics != nil {
		r.metrics.SetActiveRooms(r.rooms.Count())
	}
	if len(r.sessions.GetByPlayerID(playerID)) > 0 {
		logger.Log.Debugw("connection closed, player still online", "conn_id", s.ID, "player_id", playerID)
		return
	}

	r.relay(broadcast.AllRoom, network.MsgTypePresenceOffline, network.Presence{
		PlayerID: playerID, DisplayName: name,
	}, "")
	if r.metrics != nil {
		r.metrics.DecOnlinePlayers()
	}
	if r.players != nil {
		ctx, cancel := context.WithTimeout(context.Background(), offlineTimeout)
		defer cancel()
		if err := r.players.MarkOffline(ctx, playerID); err != nil {
			logger.Log.Warnw("mark offline failed", "player_id", playerID, "error", err)
		}
	}
	logger.Log.Infow("player offline", "conn_id", s.ID, "player_id", playerID)
}

// JoinSessionRoom subscribes s to the session's room, tells the other members
// and sends the requester a sessionState snapshot.
func (r *Registry) JoinSessionRoom(ctx context.Context, s *session.Session, sessionID string) (*models.Session, error) {
	playerID, name, err := identity(s)
	if err != nil {
		return nil, err
	}
	snapshot, err := r.coordinator.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	roomID := room.SessionRoom(sessionID)
	if r.rooms.Join(roomID, s) {
		r.relay(roomID, network.MsgTypePeerJoinedRoom, network.RoomPeer{
			SessionID: sessionID, PlayerID: playerID, DisplayName: name,
		}, s.ID)
		if r.metrics != nil {
			r.metrics.SetActiveRooms(r.rooms.Count())
		}
	}

	data, err := network.Marshal(snapshot)
	if err != nil {
		return nil, err
	}
	s.Send(network.MsgTypeSessionState, data)
	return snapshot, nil
}

func (r *Registry) LeaveSessionRoom(s *session.Session, sessionID string) error {
	playerID, name, err := identity(s)
	if err != nil {
		return err
	}
	roomID := room.SessionRoom(sessionID)
	if !r.rooms.Leave(roomID, s.ID) {
		return fmt.Errorf("%w: not in room %s", models.ErrNotFound, roomID)
	}
	r.relay(roomID, network.MsgTypePeerLeftRoom, network.RoomPeer{
		SessionID: sessionID, PlayerID: playerID, DisplayName: name,
	}, "")
	if r.metrics != nil {
		r.metrics.SetActiveRooms(r.rooms.Count())
	}
	return nil
}

// Chat relays a message to the session room. The sender must be in the room.
func (r *Registry) Chat(s *session.Session, req network.ChatRequest) error {
	playerID, name, err := identity(s)
	if err != nil {
		return err
	}
	text := strings.TrimSpace(req.Text)
	if text == "" || utf8.RuneCountInString(text) > maxChatLength {
		return fmt.Errorf("%w: chat text must be 1..%d characters", models.ErrInvalidArgument, maxChatLength)
	}
	roomID := room.SessionRoom(req.SessionID)
	if !r.inRoom(roomID, s.ID) {
		return fmt.Errorf("%w: join the session room first", models.ErrForbidden)
	}
	r.relay(roomID, network.MsgTypeChatMessage, network.ChatMessage{
		SessionID:   req.SessionID,
		PlayerID:    playerID,
		DisplayName: name,
		Text:        text,
		Timestamp:   time.Now().UnixMilli(),
	}, "")
	return nil
}

// RequestDraw stores a draw offer from a seated player of an ACTIVE session
// and relays drawRequested. The offer lives on the session record, so the
// opponent may answer through any node.
func (r *Registry) RequestDraw(ctx context.Context, s *session.Session, sessionID string) error {
	playerID, _, err := identity(s)
	if err != nil {
		return err
	}
	offered, err := r.coordinator.OfferDraw(ctx, sessionID, playerID)
	if err != nil {
		return err
	}
	r.relayToSession(offered, network.MsgTypeDrawRequested, network.DrawOffer{
		SessionID: sessionID, PlayerID: playerID,
	})
	return nil
}

// RespondDraw answers the pending offer. Only the other seated player may
// answer. Either answer is committed through the coordinator before it is relayed.
func (r *Registry) RespondDraw(ctx context.Context, s *session.Session, sessionID string, accepted bool) (*models.Session, error) {
	playerID, _, err := identity(s)
	if err != nil {
		return nil, err
	}

	var resolved *models.Session
	if accepted {
		resolved, err = r.coordinator.AgreeDraw(ctx, sessionID, playerID)
	} else {
		resolved, err = r.coordinator.DeclineDraw(ctx, sessionID, playerID)
	}
	if err != nil {
		return nil, err
	}
	r.relayToSession(resolved, network.MsgTypeDrawResolved, network.DrawResolution{
		SessionID: sessionID, PlayerID: playerID, Accepted: accepted,
	})
	return resolved, nil
}

func (r *Registry) inRoom(roomID, connID string) bool {
	rm, ok := r.rooms.GetRoom(roomID)
	return ok && rm.HasPlayer(connID)
}

func (r *Registry) relayToSession(s *models.Session, msgID uint16, payload interface{}) {
	data, err := network.Marshal(payload)
	if err != nil {
		logger.Log.Errorw("marshal payload failed", "msg_id", msgID, "error", err)
		return
	}
	rooms := []string{room.SessionRoom(s.ID), room.UserRoom(s.FirstPlayer)}
	if s.SecondPlayer != "" {
		rooms = append(rooms, room.UserRoom(s.SecondPlayer))
	}
	r.broadcaster.Relay(broadcast.Event{Rooms: rooms, MsgID: msgID, Data: data})
}

func (r *Registry) relay(roomID string, msgID uint16, payload interface{}, except string) {
	data, err := network.Marshal(payload)
	if err != nil {
		logger.Log.Errorw("marshal payload failed", "msg_id", msgID, "error", err)
		return
	}
	r.broadcaster.Relay(broadcast.Event{Rooms: []string{roomID}, MsgID: msgID, Data: data, Except: except})
}

func (r *Registry) cancelAuthTimer(s *session.Session) {
	if r.timers == nil {
		return
	}
	if id, ok := s.Get(authTimerKey).(int64); ok {
		r.timers.RemoveTimer(id)
	}
}

func identity(s *session.Session) (string, string, error) {
	playerID, name := s.Identity()
	if playerID == "" {
		return "", "", fmt.Errorf("%w: not authenticated", models.ErrUnauthorized)
	}
	return playerID, name, nil
}
