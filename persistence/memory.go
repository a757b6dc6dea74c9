// persistence/memory.go
package persistence

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wfunc/gridduel/models"
)

// MemorySessions 内存对局存储，用于 database.driver=memory 和测试
type MemorySessions struct {
	sessions map[string]*models.Session
	mutex    sync.RWMutex
}

func NewMemorySessions() *MemorySessions {
	return &MemorySessions{sessions: make(map[string]*models.Session)}
}

func (m *MemorySessions) Get(ctx context.Context, id string) (*models.Session, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", ErrRecordNotFound, id)
	}
	return s.Clone(), nil
}

func (m *MemorySessions) Create(ctx context.Context, s *models.Session) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if _, exists := m.sessions[s.ID]; exists {
		return fmt.Errorf("%w: session %s already exists", models.ErrConflict, s.ID)
	}
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *MemorySessions) CompareAndSwap(ctx context.Context, expectedVersion int64, next *models.Session) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	cur, ok := m.sessions[next.ID]
	if !ok {
		return fmt.Errorf("%w: session %s", ErrRecordNotFound, next.ID)
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("%w: session %s at version %d, expected %d", models.ErrConflict, next.ID, cur.Version, expectedVersion)
	}
	m.sessions[next.ID] = next.Clone()
	return nil
}

func (m *MemorySessions) Query(ctx context.Context, f SessionFilter) ([]*models.Session, error) {
	m.mutex.RLock()
	var out []*models.Session
	for _, s := range m.sessions {
		if matches(s, f) {
			out = append(out, s.Clone())
		}
	}
	m.mutex.RUnlock()

	sortSessions(out, f.OldestFirst)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemorySessions) Search(ctx context.Context, pattern string, limit int) ([]*models.Session, error) {
	needle := strings.ToLower(strings.TrimSpace(pattern))

	m.mutex.RLock()
	var out []*models.Session
	for _, s := range m.sessions {
		if s.Status == models.StatusWaiting && strings.Contains(strings.ToLower(s.Name), needle) {
			out = append(out, s.Clone())
		}
	}
	m.mutex.RUnlock()

	sortSessions(out, false)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matches(s *models.Session, f SessionFilter) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if s.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Matchmaking != nil && s.IsMatchmaking != *f.Matchmaking {
		return false
	}
	if f.OpenSeat && s.HasSecondPlayer() {
		return false
	}
	if f.PlayerID != "" && s.FirstPlayer != f.PlayerID && s.SecondPlayer != f.PlayerID {
		return false
	}
	if f.FirstPlayer != "" && s.FirstPlayer != f.FirstPlayer {
		return false
	}
	if f.ExcludeFirstPlayer != "" && s.FirstPlayer == f.ExcludeFirstPlayer {
		return false
	}
	if f.EndedSinceUnix > 0 && (s.EndedAt == nil || s.EndedAt.Unix() < f.EndedSinceUnix) {
		return false
	}
	if f.CreatedBeforeUnix > 0 && s.CreatedAt.Unix() >= f.CreatedBeforeUnix {
		return false
	}
	return true
}

func sortSessions(list []*models.Session, oldestFirst bool) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i].CreatedAt, list[j].CreatedAt
		if a.Equal(b) {
			return list[i].ID < list[j].ID
		}
		if oldestFirst {
			return a.Before(b)
		}
		return a.After(b)
	})
}

// MemoryRatings 内存评分存储
type MemoryRatings struct {
	players map[string]*models.Player
	applied map[string]bool
	mutex   sync.Mutex
}

func NewMemoryRatings() *MemoryRatings {
	return &MemoryRatings{
		players: make(map[string]*models.Player),
		applied: make(map[string]bool),
	}
}

func (m *MemoryRatings) EnsurePlayer(ctx context.Context, playerID, displayName string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	now := time.Now()
	p, ok := m.players[playerID]
	if !ok {
		p = &models.Player{
			ID:        playerID,
			Rating:    models.DefaultRating,
			CreatedAt: now,
		}
		m.players[playerID] = p
	}
	if displayName != "" {
		p.DisplayName = displayName
	}
	p.Active = true
	p.LastSeen = now
	p.UpdatedAt = now
	return nil
}

func (m *MemoryRatings) MarkOffline(ctx context.Context, playerID string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	p, ok := m.players[playerID]
	if !ok {
		return fmt.Errorf("%w: player %s", ErrRecordNotFound, playerID)
	}
	now := time.Now()
	p.Active = false
	p.LastSeen = now
	p.UpdatedAt = now
	return nil
}

func (m *MemoryRatings) GetPlayer(ctx context.Context, playerID string) (*models.Player, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	p, ok := m.players[playerID]
	if !ok {
		return nil, fmt.Errorf("%w: player %s", ErrRecordNotFound, playerID)
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryRatings) GetRating(ctx context.Context, playerID string) (int, error) {
	p, err := m.GetPlayer(ctx, playerID)
	if err != nil {
		return 0, err
	}
	return p.Rating, nil
}

func (m *MemoryRatings) ApplyDelta(ctx context.Context, playerID string, delta int) (int, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.applyDeltaLocked(playerID, delta)
}

func (m *MemoryRatings) applyDeltaLocked(playerID string, delta int) (int, error) {
	p, ok := m.players[playerID]
	if !ok {
		return 0, fmt.Errorf("%w: player %s", ErrRecordNotFound, playerID)
	}
	p.Rating += delta
	if p.Rating < 0 {
		p.Rating = 0
	}
	p.UpdatedAt = time.Now()
	return p.Rating, nil
}

func (m *MemoryRatings) RecordOutcome(ctx context.Context, playerID string, result models.GameResult) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.recordOutcomeLocked(playerID, result)
}

func (m *MemoryRatings) recordOutcomeLocked(playerID string, result models.GameResult) error {
	p, ok := m.players[playerID]
	if !ok {
		return fmt.Errorf("%w: player %s", ErrRecordNotFound, playerID)
	}
	p.GamesPlayed++
	switch result {
	case models.ResultWin:
		p.GamesWon++
	case models.ResultLoss:
		p.GamesLost++
	case models.ResultDraw:
		p.GamesDrawn++
	}
	p.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryRatings) ApplySettlement(ctx context.Context, st *models.Settlement) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.applied[st.Key()] {
		return false, nil
	}
	for _, e := range st.Entries {
		if _, ok := m.players[e.PlayerID]; !ok {
			return false, fmt.Errorf("%w: player %s", ErrRecordNotFound, e.PlayerID)
		}
	}
	for _, e := range st.Entries {
		if e.RatingDelta != 0 {
			if _, err := m.applyDeltaLocked(e.PlayerID, e.RatingDelta); err != nil {
				return false, err
			}
		}
		if err := m.recordOutcomeLocked(e.PlayerID, e.Result); err != nil {
			return false, err
		}
	}
	m.applied[st.Key()] = true
	return true, nil
}

func (m *MemoryRatings) Leaderboard(ctx context.Context, limit int) ([]*models.Player, error) {
	m.mutex.Lock()
	out := make([]*models.Player, 0, len(m.players))
	for _, p := range m.players {
		cp := *p
		out = append(out, &cp)
	}
	m.mutex.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Rating == out[j].Rating {
			return out[i].ID < out[j].ID
		}
		return out[i].Rating > out[j].Rating
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
