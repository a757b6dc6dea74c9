// persistence/postgresql.go
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	// PostgreSQL 驱动
	_ "github.com/lib/pq" // PostgreSQL 驱动
	"github.com/wfunc/gridduel/models"
)

const queryTimeout = 5 * time.Second

// PostgreSQL 评分存储，所有更新都是单条原子 SQL
type PostgreSQL struct {
	db *sql.DB
}

// NewPostgreSQL 创建 PostgreSQL 数据库连接
func NewPostgreSQL(dsn string) (*PostgreSQL, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	// 设置连接池参数
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgreSQL{db: db}, nil
}

// Migrate 初始化数据库表结构
func (p *PostgreSQL) Migrate() error {
	// 创建玩家表
	_, err := p.db.Exec(`
        CREATE TABLE IF NOT EXISTS players (
            id VARCHAR(64) PRIMARY KEY,
            display_name VARCHAR(255) NOT NULL DEFAULT '',
            rating INTEGER NOT NULL DEFAULT 1200 CHECK (rating >= 0),
            games_played INTEGER NOT NULL DEFAULT 0,
            games_won INTEGER NOT NULL DEFAULT 0,
            games_lost INTEGER NOT NULL DEFAULT 0,
            games_drawn INTEGER NOT NULL DEFAULT 0,
            active BOOLEAN NOT NULL DEFAULT TRUE,
            last_seen TIMESTAMP,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        )
    `)
	if err != nil {
		return err
	}

	// 结算流水，保证每局只结算一次
	_, err = p.db.Exec(`
        CREATE TABLE IF NOT EXISTS rating_settlements (
            settlement_key VARCHAR(128) PRIMARY KEY,
            session_id VARCHAR(64) NOT NULL,
            outcome VARCHAR(32) NOT NULL,
            applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        )
    `)
	if err != nil {
		return err
	}

	_, err = p.db.Exec(`
        CREATE INDEX IF NOT EXISTS idx_players_rating ON players(rating DESC);
        CREATE INDEX IF NOT EXISTS idx_rating_settlements_session_id ON rating_settlements(session_id);
    `)
	return err
}

// EnsurePlayer 玩家不存在时以默认分创建，存在时刷新昵称和最后在线时间
func (p *PostgreSQL) EnsurePlayer(ctx context.Context, playerID, displayName string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
        INSERT INTO players (id, display_name, rating, active, last_seen)
        VALUES ($1, $2, $3, TRUE, CURRENT_TIMESTAMP)
        ON CONFLICT (id)
        DO UPDATE SET
            display_name = CASE WHEN $2 = '' THEN players.display_name ELSE $2 END,
            active = TRUE,
            last_seen = CURRENT_TIMESTAMP,
            updated_at = CURRENT_TIMESTAMP
    `
	_, err := p.db.ExecContext(ctx, query, playerID, displayName, models.DefaultRating)
	return err
}

func (p *PostgreSQL) MarkOffline(ctx context.Context, playerID string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	result, err := p.db.ExecContext(ctx, `
        UPDATE players
        SET active = FALSE, last_seen = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
        WHERE id = $1
    `, playerID)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: player %s", ErrRecordNotFound, playerID)
	}
	return nil
}

func (p *PostgreSQL) GetPlayer(ctx context.Context, playerID string) (*models.Player, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
        SELECT id, display_name, rating, games_played, games_won, games_lost, games_drawn,
               active, COALESCE(last_seen, created_at), created_at, updated_at
        FROM players WHERE id = $1
    `
	player, err := scanPlayer(p.db.QueryRowContext(ctx, query, playerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: player %s", ErrRecordNotFound, playerID)
		}
		return nil, err
	}
	return player, nil
}

func (p *PostgreSQL) GetRating(ctx context.Context, playerID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var rating int
	err := p.db.QueryRowContext(ctx, `SELECT rating FROM players WHERE id = $1`, playerID).Scan(&rating)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("%w: player %s", ErrRecordNotFound, playerID)
		}
		return 0, err
	}
	return rating, nil
}

// ApplyDelta 原子加减分，最低为 0
func (p *PostgreSQL) ApplyDelta(ctx context.Context, playerID string, delta int) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	return applyDelta(ctx, p.db, playerID, delta)
}

func (p *PostgreSQL) RecordOutcome(ctx context.Context, playerID string, result models.GameResult) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	return recordOutcome(ctx, p.db, playerID, result)
}

// ApplySettlement 在同一事务中写入结算流水并更新双方评分与战绩
func (p *PostgreSQL) ApplySettlement(ctx context.Context, st *models.Settlement) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
        INSERT INTO rating_settlements (settlement_key, session_id, outcome)
        VALUES ($1, $2, $3)
        ON CONFLICT (settlement_key) DO NOTHING
    `, st.Key(), st.SessionID, string(st.Outcome))
	if err != nil {
		return false, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, err
	} else if n == 0 {
		return false, nil
	}

	for _, e := range st.Entries {
		if e.RatingDelta != 0 {
			if _, err := applyDelta(ctx, tx, e.PlayerID, e.RatingDelta); err != nil {
				return false, err
			}
		}
		if err := recordOutcome(ctx, tx, e.PlayerID, e.Result); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// Leaderboard 按评分从高到低
func (p *PostgreSQL) Leaderboard(ctx context.Context, limit int) ([]*models.Player, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := p.db.QueryContext(ctx, `
        SELECT id, display_name, rating, games_played, games_won, games_lost, games_drawn,
               active, COALESCE(last_seen, created_at), created_at, updated_at
        FROM players
        ORDER BY rating DESC, id ASC
        LIMIT $1
    `, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Player
	for rows.Next() {
		player, err := scanPlayer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, player)
	}
	return out, rows.Err()
}

// Close 关闭数据库连接
func (p *PostgreSQL) Close() error {
	return p.db.Close()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func applyDelta(ctx context.Context, db execer, playerID string, delta int) (int, error) {
	var rating int
	err := db.QueryRowContext(ctx, `
        UPDATE players
        SET rating = GREATEST(0, rating + $2), updated_at = CURRENT_TIMESTAMP
        WHERE id = $1
        RETURNING rating
    `, playerID, delta).Scan(&rating)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("%w: player %s", ErrRecordNotFound, playerID)
		}
		return 0, err
	}
	return rating, nil
}

func recordOutcome(ctx context.Context, db execer, playerID string, result models.GameResult) error {
	var won, lost, drawn int
	switch result {
	case models.ResultWin:
		won = 1
	case models.ResultLoss:
		lost = 1
	case models.ResultDraw:
		drawn = 1
	default:
		return fmt.Errorf("%w: unknown result %q", models.ErrInvalidArgument, result)
	}

	res, err := db.ExecContext(ctx, `
        UPDATE players
        SET games_played = games_played + 1,
            games_won = games_won + $2,
            games_lost = games_lost + $3,
            games_drawn = games_drawn + $4,
            updated_at = CURRENT_TIMESTAMP
        WHERE id = $1
    `, playerID, won, lost, drawn)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("%w: player %s", ErrRecordNotFound, playerID)
	}
	return nil
}

func scanPlayer(row rowScanner) (*models.Player, error) {
	var player models.Player
	err := row.Scan(
		&player.ID,
		&player.DisplayName,
		&player.Rating,
		&player.GamesPlayed,
		&player.GamesWon,
		&player.GamesLost,
		&player.GamesDrawn,
		&player.Active,
		&player.LastSeen,
		&player.CreatedAt,
		&player.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &player, nil
}
