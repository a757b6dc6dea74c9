// session/session.go
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/wfunc/gridduel/logger"
	"github.com/wfunc/gridduel/network"
)

var (
	ErrQueueFull     = errors.New("send queue full")
	ErrSessionClosed = errors.New("session closed")
)

const DefaultQueueSize = 256

type outbound struct {
	msgID uint16
	data  []byte
}

// Session 一条已建立的连接。出站消息进入有界队列，由独立的写协程发送
type Session struct {
	ID          string
	Conn        network.Connection
	PlayerID    string
	DisplayName string
	Data        map[string]interface{} // 自定义数据
	CreatedAt   time.Time
	LastActive  time.Time
	send        chan outbound
	done        chan struct{}
	closeOnce   sync.Once
	mutex       sync.RWMutex
}

func NewSession(id string, conn network.Connection, queueSize int) *Session {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	now := time.Now()
	return &Session{
		ID:         id,
		Conn:       conn,
		CreatedAt:  now,
		LastActive: now,
		Data:       make(map[string]interface{}),
		send:       make(chan outbound, queueSize),
		done:       make(chan struct{}),
	}
}

// Start launches the writer goroutine.
func (s *Session) Start() {
	go s.writeLoop()
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case m := <-s.send:
			if err := s.Conn.Send(m.msgID, m.data); err != nil {
				logger.Log.Debugw("write failed, closing connection", "conn_id", s.ID, "error", err)
				s.Close()
				return
			}
		}
	}
}

// Send queues a frame without blocking. A full queue drops the frame.
func (s *Session) Send(msgID uint16, data []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.send <- outbound{msgID: msgID, data: data}:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		return ErrQueueFull
	}
}

func (s *Session) Set(key string, value interface{}) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.Data[key] = value
}

func (s *Session) Get(key string) interface{} {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.Data[key]
}

// Authenticate binds the connection to a player identity.
func (s *Session) Authenticate(playerID, displayName string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.PlayerID = playerID
	s.DisplayName = displayName
}

func (s *Session) Identity() (playerID, displayName string) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.PlayerID, s.DisplayName
}

func (s *Session) IsAuthenticated() bool {
	id, _ := s.Identity()
	return id != ""
}

func (s *Session) Touch() {
	s.mutex.Lock()
	s.LastActive = time.Now()
	s.mutex.Unlock()
}

func (s *Session) GetID() string {
	return s.ID
}

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.Conn.Close()
	})
	return err
}

// Session管理器，按连接 ID 索引
type Manager struct {
	sessions map[string]*Session
	mutex    sync.RWMutex
}

func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
	}
}

func (m *Manager) Add(session *Session) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.sessions[session.ID] = session
}

func (m *Manager) Remove(sessionID string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.sessions, sessionID)
}

func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	session, exists := m.sessions[sessionID]
	return session, exists
}

func (m *Manager) GetByPlayerID(playerID string) []*Session {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var result []*Session
	for _, session := range m.sessions {
		if id, _ := session.Identity(); id == playerID {
			result = append(result, session)
		}
	}
	return result
}

// All returns a snapshot of every authenticated session.
func (m *Manager) All() []*Session {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	result := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		if session.IsAuthenticated() {
			result = append(result, session)
		}
	}
	return result
}

// List returns every tracked session, authenticated or not.
func (m *Manager) List() []*Session {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	result := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		result = append(result, session)
	}
	return result
}

func (m *Manager) Count() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.sessions)
}
