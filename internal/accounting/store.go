package accounting

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// SessionRecord 已完成充电会话的持久化记录
type SessionRecord struct {
	ID        uint      `gorm:"primarykey" json:"-"`
	Timestamp time.Time `gorm:"index" json:"timestamp"`
	BackendID string    `json:"backend_id"`
	DurationS float64   `json:"duration_s"`
	EnergyKWh float64   `json:"energy_kwh"`
	Revenue   float64   `json:"revenue"`
}

// SessionLog 会话日志持久化接口
type SessionLog interface {
	// Append 追加一条会话记录
	Append(ctx context.Context, backendID string, durationS, energyKWh, revenue float64) error
	// ListAll 按时间升序返回所有会话记录
	ListAll(ctx context.Context) ([]SessionRecord, error)
}

// gormLog SessionLog的GORM/SQLite实现
type gormLog struct {
	db *gorm.DB
}

// NewSessionLog 打开SQLite会话日志并执行迁移
func NewSessionLog(path string) (SessionLog, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open session log %s: %w", path, err)
	}

	if err := db.AutoMigrate(&SessionRecord{}); err != nil {
		return nil, fmt.Errorf("automigrate failed: %w", err)
	}

	return &gormLog{db: db}, nil
}

// Append 实现SessionLog接口
func (l *gormLog) Append(ctx context.Context, backendID string, durationS, energyKWh, revenue float64) error {
	record := SessionRecord{
		Timestamp: time.Now().UTC(),
		BackendID: backendID,
		DurationS: durationS,
		EnergyKWh: energyKWh,
		Revenue:   revenue,
	}
	if err := l.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("failed to append session record: %w", err)
	}
	return nil
}

// ListAll 实现SessionLog接口
func (l *gormLog) ListAll(ctx context.Context) ([]SessionRecord, error) {
	var records []SessionRecord
	if err := l.db.WithContext(ctx).Order("timestamp asc").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list session records: %w", err)
	}
	return records, nil
}
