// persistence/interface.go
package persistence

import (
	"context"

	"github.com/wfunc/gridduel/models"
)

// SessionRepository 对局存储，version 作为乐观锁
type SessionRepository interface {
	Get(ctx context.Context, id string) (*models.Session, error)
	// Create stores a new session. An empty ID is assigned by the repository.
	Create(ctx context.Context, s *models.Session) error
	// CompareAndSwap replaces the stored session only when its version is
	// still expectedVersion; otherwise it returns models.ErrConflict.
	CompareAndSwap(ctx context.Context, expectedVersion int64, next *models.Session) error
	Query(ctx context.Context, filter SessionFilter) ([]*models.Session, error)
	// Search returns WAITING sessions whose name contains pattern, case-insensitively.
	Search(ctx context.Context, pattern string, limit int) ([]*models.Session, error)
}

// SessionFilter 查询条件，零值字段不参与过滤
type SessionFilter struct {
	Statuses           []models.SessionStatus
	Matchmaking        *bool
	OpenSeat           bool   // second seat empty
	PlayerID           string // either seat
	FirstPlayer        string
	ExcludeFirstPlayer string
	EndedSinceUnix     int64
	CreatedBeforeUnix  int64
	OldestFirst        bool // default newest first
	Limit              int
}

// RatingStore 玩家评分与战绩，所有写操作都是原子增量
type RatingStore interface {
	// EnsurePlayer creates the player with the default rating if missing,
	// refreshes the display name and stamps last-seen.
	EnsurePlayer(ctx context.Context, playerID, displayName string) error
	// MarkOffline clears the active flag once the player's last connection is gone.
	MarkOffline(ctx context.Context, playerID string) error
	GetPlayer(ctx context.Context, playerID string) (*models.Player, error)
	GetRating(ctx context.Context, playerID string) (int, error)
	// ApplyDelta adds delta to the rating, clamped at 0, and returns the new rating.
	ApplyDelta(ctx context.Context, playerID string, delta int) (int, error)
	RecordOutcome(ctx context.Context, playerID string, result models.GameResult) error
	// ApplySettlement applies every entry exactly once per settlement key.
	// applied is false when the key was already recorded.
	ApplySettlement(ctx context.Context, st *models.Settlement) (applied bool, err error)
	Leaderboard(ctx context.Context, limit int) ([]*models.Player, error)
}

// Bool returns a pointer to b, for SessionFilter.Matchmaking.
func Bool(b bool) *bool {
	return &b
}

// 错误定义
var (
	ErrRecordNotFound = models.ErrNotFound
)

var (
	_ SessionRepository = (*MemorySessions)(nil)
	_ SessionRepository = (*GormPostgreSQL)(nil)
	_ RatingStore       = (*MemoryRatings)(nil)
	_ RatingStore       = (*PostgreSQL)(nil)
)
