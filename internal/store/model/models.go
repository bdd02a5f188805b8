package model

import "gorm.io/datatypes"

// EventModel maps to the append-only 'events' table.
type EventModel struct {
	ID        int64          `gorm:"column:id;primaryKey;autoIncrement"`
	Asset     string         `gorm:"column:asset;index:idx_events_asset_id,priority:1"`
	Kind      string         `gorm:"column:kind;index"`
	Message   string         `gorm:"column:message"`
	Details   datatypes.JSON `gorm:"column:details"`
	CreatedAt int64          `gorm:"column:created_at"`
}

func (EventModel) TableName() string { return "events" }

// PriceTickModel maps to 'price_ticks'. Rows are only ever appended.
type PriceTickModel struct {
	ID        int64   `gorm:"column:id;primaryKey;autoIncrement"`
	Asset     string  `gorm:"column:asset;index:idx_ticks_asset_ts,priority:1"`
	Price     float64 `gorm:"column:price"`
	Timestamp int64   `gorm:"column:ts;index:idx_ticks_asset_ts,priority:2"`
}

func (PriceTickModel) TableName() string { return "price_ticks" }
