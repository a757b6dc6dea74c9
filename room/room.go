// room/room.go
package room

import (
	"strings"
	"sync"
	"time"

	"github.com/wfunc/gridduel/session"
)

const (
	sessionRoomPrefix = "session_"
	userRoomPrefix    = "user_"
)

// SessionRoom 对局房间名
func SessionRoom(sessionID string) string {
	return sessionRoomPrefix + sessionID
}

// UserRoom 玩家个人通知房间名
func UserRoom(playerID string) string {
	return userRoomPrefix + playerID
}

// Room 订阅同一广播流的连接集合
type Room struct {
	ID          string
	Players     map[string]*session.Session // connID -> session
	CreatedAt   time.Time
	playerMutex sync.RWMutex
}

func newRoom(id string) *Room {
	return &Room{
		ID:        id,
		Players:   make(map[string]*session.Session),
		CreatedAt: time.Now(),
	}
}

// GetSessions returns a snapshot of the sessions in the room.
func (r *Room) GetSessions() []*session.Session {
	r.playerMutex.RLock()
	defer r.playerMutex.RUnlock()

	sessions := make([]*session.Session, 0, len(r.Players))
	for _, s := range r.Players {
		sessions = append(sessions, s)
	}
	return sessions
}

// HasPlayer reports whether connection sessionID is subscribed.
func (r *Room) HasPlayer(sessionID string) bool {
	r.playerMutex.RLock()
	defer r.playerMutex.RUnlock()
	_, ok := r.Players[sessionID]
	return ok
}

func (r *Room) Size() int {
	r.playerMutex.RLock()
	defer r.playerMutex.RUnlock()
	return len(r.Players)
}

// --- 房间管理器 ---

// Manager 房间成员关系，同时维护 连接 -> 房间 的反向索引。空房间自动回收
type Manager struct {
	rooms       map[string]*Room
	memberships map[string]map[string]struct{} // connID -> roomIDs
	mutex       sync.RWMutex
}

// NewRoomManager 创建一个新的房间管理器
func NewRoomManager() *Manager {
	return &Manager{
		rooms:       make(map[string]*Room),
		memberships: make(map[string]map[string]struct{}),
	}
}

// Join subscribes s to roomID, creating the room on first use. It returns
// false when s was already a member.
func (m *Manager) Join(roomID string, s *session.Session) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	room, ok := m.rooms[roomID]
	if !ok {
		room = newRoom(roomID)
		m.rooms[roomID] = room
	}

	room.playerMutex.Lock()
	_, exists := room.Players[s.ID]
	room.Players[s.ID] = s
	room.playerMutex.Unlock()

	joined := m.memberships[s.ID]
	if joined == nil {
		joined = make(map[string]struct{})
		m.memberships[s.ID] = joined
	}
	joined[roomID] = struct{}{}
	return !exists
}

// Leave unsubscribes sessionID from roomID. It returns false when it was not a member.
func (m *Manager) Leave(roomID, sessionID string) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.leaveLocked(roomID, sessionID)
}

func (m *Manager) leaveLocked(roomID, sessionID string) bool {
	room, ok := m.rooms[roomID]
	if !ok {
		return false
	}

	room.playerMutex.Lock()
	_, exists := room.Players[sessionID]
	delete(room.Players, sessionID)
	empty := len(room.Players) == 0
	room.playerMutex.Unlock()

	if empty {
		delete(m.rooms, roomID)
	}
	if joined := m.memberships[sessionID]; joined != nil {
		delete(joined, roomID)
		if len(joined) == 0 {
			delete(m.memberships, sessionID)
		}
	}
	return exists
}

// LeaveAll removes sessionID from every room and returns the rooms it left.
func (m *Manager) LeaveAll(sessionID string) []string {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var left []string
	for roomID := range m.memberships[sessionID] {
		if m.leaveLocked(roomID, sessionID) {
			left = append(left, roomID)
		}
	}
	return left
}

// GetRoom 从管理器中获取一个房间
func (m *Manager) GetRoom(id string) (*Room, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	room, exists := m.rooms[id]
	return room, exists
}

// RoomsOf returns the rooms sessionID is subscribed to.
func (m *Manager) RoomsOf(sessionID string) []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	rooms := make([]string, 0, len(m.memberships[sessionID]))
	for id := range m.memberships[sessionID] {
		rooms = append(rooms, id)
	}
	return rooms
}

func (m *Manager) Count() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.rooms)
}

// SessionIDOf returns the session id addressed by a session room name.
func SessionIDOf(roomID string) (string, bool) {
	return strings.CutPrefix(roomID, sessionRoomPrefix)
}
