// persistence/gorm_postgresql.go
package persistence

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/wfunc/gridduel/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// GormPostgreSQL 使用GORM的PostgreSQL对局存储
type GormPostgreSQL struct {
	db *gorm.DB
}

// NewGormPostgreSQL 创建GORM PostgreSQL数据库连接
func NewGormPostgreSQL(dsn string) (*GormPostgreSQL, error) {
	// 配置GORM日志
	gormLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags), // io writer
		logger.Config{
			SlowThreshold: time.Second,   // 慢SQL阈值
			LogLevel:      logger.Silent, // 日志级别
			Colorful:      false,         // 禁用彩色打印
		},
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, err
	}

	// 获取通用数据库对象 sql.DB
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	// 设置连接池
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return &GormPostgreSQL{db: db}, nil
}

// Migrate 自动迁移表结构
func (p *GormPostgreSQL) Migrate() error {
	return p.db.AutoMigrate(&models.GormSession{})
}

func (p *GormPostgreSQL) Get(ctx context.Context, id string) (*models.Session, error) {
	var row models.GormSession
	if err := p.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: session %s", ErrRecordNotFound, id)
		}
		return nil, err
	}
	return row.ToSession(), nil
}

func (p *GormPostgreSQL) Create(ctx context.Context, s *models.Session) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	return p.db.WithContext(ctx).Create(models.NewGormSession(s)).Error
}

// CompareAndSwap 仅当 version 未变时更新，否则返回 ErrConflict
func (p *GormPostgreSQL) CompareAndSwap(ctx context.Context, expectedVersion int64, next *models.Session) error {
	row := models.NewGormSession(next)
	result := p.db.WithContext(ctx).
		Model(&models.GormSession{}).
		Where("id = ? AND version = ?", next.ID, expectedVersion).
		Select(models.CASColumns).
		Updates(row)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 1 {
		return nil
	}

	if _, err := p.Get(ctx, next.ID); err != nil {
		return err
	}
	return fmt.Errorf("%w: session %s moved past version %d", models.ErrConflict, next.ID, expectedVersion)
}

func (p *GormPostgreSQL) Query(ctx context.Context, f SessionFilter) ([]*models.Session, error) {
	q := p.db.WithContext(ctx).Model(&models.GormSession{})

	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		q = q.Where("status IN ?", statuses)
	}
	if f.Matchmaking != nil {
		q = q.Where("is_matchmaking = ?", *f.Matchmaking)
	}
	if f.OpenSeat {
		q = q.Where("(second_player = '' OR second_player IS NULL)")
	}
	if f.PlayerID != "" {
		q = q.Where("(first_player = ? OR second_player = ?)", f.PlayerID, f.PlayerID)
	}
	if f.FirstPlayer != "" {
		q = q.Where("first_player = ?", f.FirstPlayer)
	}
	if f.ExcludeFirstPlayer != "" {
		q = q.Where("first_player <> ?", f.ExcludeFirstPlayer)
	}
	if f.EndedSinceUnix > 0 {
		q = q.Where("ended_at >= ?", time.Unix(f.EndedSinceUnix, 0))
	}
	if f.CreatedBeforeUnix > 0 {
		q = q.Where("created_at < ?", time.Unix(f.CreatedBeforeUnix, 0))
	}

	q = q.Order(clause.OrderByColumn{
		Column: clause.Column{Name: "created_at"},
		Desc:   !f.OldestFirst,
	})
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var rows []models.GormSession
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return toSessions(rows), nil
}

// Search 按名称模糊匹配等待中的对局，名称或其 slug 命中均可
func (p *GormPostgreSQL) Search(ctx context.Context, pattern string, limit int) ([]*models.Session, error) {
	term := strings.TrimSpace(pattern)
	like := "%" + escapeLike(term) + "%"

	q := p.db.WithContext(ctx).Where("status = ?", string(models.StatusWaiting))
	if s := slug.Make(term); s != "" {
		q = q.Where("(name ILIKE ? OR name_slug LIKE ?)", like, "%"+escapeLike(s)+"%")
	} else {
		q = q.Where("name ILIKE ?", like)
	}
	q = q.Order(clause.OrderByColumn{Column: clause.Column{Name: "created_at"}, Desc: true})
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []models.GormSession
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return toSessions(rows), nil
}

// Close 关闭数据库连接
func (p *GormPostgreSQL) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toSessions(rows []models.GormSession) []*models.Session {
	out := make([]*models.Session, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].ToSession())
	}
	return out
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
