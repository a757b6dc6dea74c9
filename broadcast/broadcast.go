// broadcast/broadcast.go
package broadcast

import (
	"encoding/json"

	"github.com/wfunc/gridduel/logger"
	"github.com/wfunc/gridduel/models"
	"github.com/wfunc/gridduel/network"
	"github.com/wfunc/gridduel/room"
	"github.com/wfunc/gridduel/session"
)

// AllRoom addresses every authenticated connection.
const AllRoom = "*"

// Event 一条待扇出的消息。多个房间的订阅者去重后每个连接最多收到一次
type Event struct {
	Rooms  []string        `json:"rooms"`
	MsgID  uint16          `json:"msg_id"`
	Data   json.RawMessage `json:"data"`
	Except string          `json:"except,omitempty"` // connection id to skip
}

// Bus carries events between nodes. Every node, including the publisher,
// receives each event through its subscription.
type Bus interface {
	Publish(ev Event) error
	Subscribe(handler func(Event)) error
	Close() error
}

type FrameMetrics interface {
	IncDroppedFrames()
}

// 广播接口
type Broadcaster interface {
	Relay(ev Event) error
	BroadcastToRoom(roomID string, msgID uint16, data []byte) error
	BroadcastToAll(msgID uint16, data []byte) error
	BroadcastToUsers(playerIDs []string, msgID uint16, data []byte) error
}

// 基于房间的广播器
type RoomBroadcaster struct {
	roomManager    *room.Manager
	sessionManager *session.Manager
	bus            Bus
	metrics        FrameMetrics
}

func NewRoomBroadcaster(roomManager *room.Manager, sessionManager *session.Manager, metrics FrameMetrics) *RoomBroadcaster {
	return &RoomBroadcaster{
		roomManager:    roomManager,
		sessionManager: sessionManager,
		metrics:        metrics,
	}
}

// UseBus routes every event through bus and delivers what it receives locally.
func (b *RoomBroadcaster) UseBus(bus Bus) error {
	if err := bus.Subscribe(func(ev Event) { b.Deliver(ev) }); err != nil {
		return err
	}
	b.bus = bus
	return nil
}

// Relay fans ev out without blocking the caller.
func (b *RoomBroadcaster) Relay(ev Event) error {
	if b.bus != nil {
		err := b.bus.Publish(ev)
		if err == nil {
			return nil
		}
		logger.Log.Warnw("bus publish failed, delivering locally", "rooms", ev.Rooms, "msg_id", ev.MsgID, "error", err)
	}
	b.Deliver(ev)
	return nil
}

// Deliver 本节点扇出，返回成功入队的连接数
func (b *RoomBroadcaster) Deliver(ev Event) int {
	targets := make(map[string]*session.Session)
	for _, roomID := range ev.Rooms {
		if roomID == AllRoom {
			for _, s := range b.sessionManager.All() {
				targets[s.ID] = s
			}
			continue
		}
		r, exists := b.roomManager.GetRoom(roomID)
		if !exists {
			continue
		}
		for _, s := range r.GetSessions() {
			targets[s.ID] = s
		}
	}

	delivered := 0
	for id, s := range targets {
		if id == ev.Except {
			continue
		}
		if err := s.Send(ev.MsgID, ev.Data); err != nil {
			// 队列满或连接已关闭，丢弃该帧
			if b.metrics != nil {
				b.metrics.IncDroppedFrames()
			}
			logger.Log.Debugw("frame dropped", "conn_id", id, "msg_id", ev.MsgID, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

func (b *RoomBroadcaster) BroadcastToRoom(roomID string, msgID uint16, data []byte) error {
	return b.Relay(Event{Rooms: []string{roomID}, MsgID: msgID, Data: data})
}

func (b *RoomBroadcaster) BroadcastToAll(msgID uint16, data []byte) error {
	return b.Relay(Event{Rooms: []string{AllRoom}, MsgID: msgID, Data: data})
}

func (b *RoomBroadcaster) BroadcastToUsers(playerIDs []string, msgID uint16, data []byte) error {
	rooms := make([]string, 0, len(playerIDs))
	for _, id := range playerIDs {
		if id != "" {
			rooms = append(rooms, room.UserRoom(id))
		}
	}
	if len(rooms) == 0 {
		return nil
	}
	return b.Relay(Event{Rooms: rooms, MsgID: msgID, Data: data})
}

// SessionChanged 推送给对局房间和双方的个人房间
func (b *RoomBroadcaster) SessionChanged(s *models.Session) {
	data, err := network.Marshal(s)
	if err != nil {
		logger.Log.Errorw("marshal session failed", "session_id", s.ID, "error", err)
		return
	}
	b.Relay(Event{Rooms: sessionAudience(s), MsgID: network.MsgTypeSessionChanged, Data: data})
}

func (b *RoomBroadcaster) SessionEnded(s *models.Session) {
	data, err := network.Marshal(network.SessionEnded{
		SessionID: s.ID,
		Outcome:   string(s.Outcome),
		Winner:    s.Winner,
	})
	if err != nil {
		return
	}
	b.Relay(Event{Rooms: sessionAudience(s), MsgID: network.MsgTypeSessionEnded, Data: data})
}

func sessionAudience(s *models.Session) []string {
	rooms := []string{room.SessionRoom(s.ID), room.UserRoom(s.FirstPlayer)}
	if s.SecondPlayer != "" {
		rooms = append(rooms, room.UserRoom(s.SecondPlayer))
	}
	return rooms
}
