package store

import "time"

// LatestStatus holds the most recent reading per device.
type LatestStatus struct {
	DeviceID  string    `gorm:"primaryKey" json:"device_id"`
	Speed     float64   `json:"speed"`
	Timestamp time.Time `json:"timestamp"`
}

func (LatestStatus) TableName() string { return "last_status" }

// HistoryEntry is one row of the capped history log. IDs only grow, so they
// define insertion order for eviction.
type HistoryEntry struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	DeviceID  string    `gorm:"index" json:"device_id"`
	Speed     float64   `json:"speed"`
	Timestamp time.Time `json:"timestamp"`
}

func (HistoryEntry) TableName() string { return "history_data" }
