package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tokenguard/internal/market"
	storemodel "tokenguard/internal/store/model"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Kind 事件类型。
type Kind string

const (
	KindTriggerArmed    Kind = "trigger_armed"
	KindTriggerDisarmed Kind = "trigger_disarmed"
	KindTradeExecuted   Kind = "trade_executed"
	KindTradeFailed     Kind = "trade_failed"
	KindStopHit         Kind = "stop_hit"
	KindTakeProfit      Kind = "take_profit"
	KindReconciled      Kind = "reconciled"
	KindOverride        Kind = "override"
	KindRegimeAssessed  Kind = "regime_assessed"
	KindRuleMatched     Kind = "rule_matched"
	KindLifecycle       Kind = "lifecycle"
	KindAgentFailed     Kind = "agent_failed"
	KindEmergency       Kind = "emergency"
	KindPanic           Kind = "panic"
)

// SystemAsset tags events that are not bound to one asset.
const SystemAsset = "*"

// Event 一条事件日志。ID 即插入顺序。
type Event struct {
	ID        int64          `json:"id"`
	Asset     string         `json:"asset"`
	Kind      Kind           `json:"kind"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Query filters List. Zero values mean no filter; results are ordered by ID ascending.
type Query struct {
	Asset   string
	Kind    Kind
	AfterID int64
	Limit   int
}

// Log is the append-only event log plus the price tick history.
type Log interface {
	Append(ctx context.Context, ev Event) error
	List(ctx context.Context, q Query) ([]Event, error)
	RecordTick(ctx context.Context, tick market.PriceTick) error
	RecentTicks(ctx context.Context, asset string, limit int) ([]market.PriceTick, error)
	Close() error
}

// Store implements Log using Gorm + SQLite.
type Store struct {
	db *gorm.DB
}

// Open initializes the event database at path.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("eventlog: 路径不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	return newStore(db)
}

// NewFromDB reuses an existing Gorm connection.
func NewFromDB(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm db 不能为空")
	}
	return newStore(db)
}

func newStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&storemodel.EventModel{}, &storemodel.PriceTickModel{}); err != nil {
		return nil, fmt.Errorf("eventlog migrate: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &Store{db: db}, nil
}

func (s *Store) Append(ctx context.Context, ev Event) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("eventlog 未初始化")
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	var details datatypes.JSON
	if len(ev.Details) > 0 {
		raw, err := json.Marshal(ev.Details)
		if err != nil {
			return fmt.Errorf("eventlog details: %w", err)
		}
		details = datatypes.JSON(raw)
	}
	row := storemodel.EventModel{
		Asset:     normalizeAsset(ev.Asset),
		Kind:      string(ev.Kind),
		Message:   ev.Message,
		Details:   details,
		CreatedAt: ev.CreatedAt.UnixMilli(),
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *Store) List(ctx context.Context, q Query) ([]Event, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("eventlog 未初始化")
	}
	tx := s.db.WithContext(ctx).Model(&storemodel.EventModel{})
	if asset := normalizeAsset(q.Asset); asset != "" {
		tx = tx.Where("asset = ?", asset)
	}
	if q.Kind != "" {
		tx = tx.Where("kind = ?", string(q.Kind))
	}
	if q.AfterID > 0 {
		tx = tx.Where("id > ?", q.AfterID)
	}
	if q.Limit > 0 {
		// newest N, returned oldest first
		sub := tx.Order("id DESC").Limit(q.Limit).Select("id")
		tx = s.db.WithContext(ctx).Model(&storemodel.EventModel{}).Where("id IN (?)", sub)
	}
	var rows []storemodel.EventModel
	if err := tx.Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(rows))
	for _, row := range rows {
		ev := Event{
			ID:        row.ID,
			Asset:     row.Asset,
			Kind:      Kind(row.Kind),
			Message:   row.Message,
			CreatedAt: time.UnixMilli(row.CreatedAt),
		}
		if len(row.Details) > 0 {
			_ = json.Unmarshal(row.Details, &ev.Details)
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *Store) RecordTick(ctx context.Context, tick market.PriceTick) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("eventlog 未初始化")
	}
	if tick.Price <= 0 {
		return fmt.Errorf("price tick 价格无效: %v", tick.Price)
	}
	ts := tick.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	row := storemodel.PriceTickModel{
		Asset:     normalizeAsset(tick.Asset),
		Price:     tick.Price,
		Timestamp: ts.UnixMilli(),
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// RecentTicks returns up to limit of the newest ticks, oldest first.
func (s *Store) RecentTicks(ctx context.Context, asset string, limit int) ([]market.PriceTick, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("eventlog 未初始化")
	}
	if limit <= 0 {
		limit = 200
	}
	var rows []storemodel.PriceTickModel
	err := s.db.WithContext(ctx).
		Where("asset = ?", normalizeAsset(asset)).
		Order("ts DESC, id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]market.PriceTick, len(rows))
	for i, row := range rows {
		out[len(rows)-1-i] = market.PriceTick{
			Asset:     row.Asset,
			Price:     row.Price,
			Timestamp: time.UnixMilli(row.Timestamp),
		}
	}
	return out, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func normalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}
