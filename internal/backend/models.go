// Package backend runs the solarwatch service: the HTTP API over the solar
// core, the RabbitMQ reading consumer and the optional PostgreSQL reading archive.
package backend

import (
	"time"

	"procodus.dev/solarwatch/internal/solar"
)

// MeterReadingRecord is a raw meter reading archived in PostgreSQL.
type MeterReadingRecord struct {
	Timestamp   time.Time `gorm:"index:idx_site_timestamp,priority:2;index:idx_timestamp;not null"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	SiteID      int64     `gorm:"index:idx_site_timestamp,priority:1;not null"`
	WhUsed      float64   `gorm:"not null"`
	WhGenerated float64   `gorm:"not null"`
	TempC       float64   `gorm:"not null"`
	ID          uint      `gorm:"primaryKey"`
}

// TableName specifies the table name for MeterReadingRecord model.
func (MeterReadingRecord) TableName() string {
	return "meter_readings"
}

func recordFromReading(r solar.MeterReading) *MeterReadingRecord {
	return &MeterReadingRecord{
		SiteID:      r.SiteID,
		Timestamp:   r.Timestamp.UTC(),
		WhUsed:      r.WhUsed,
		WhGenerated: r.WhGenerated,
		TempC:       r.TempC,
	}
}

// Reading converts the record back to the core type.
func (rec MeterReadingRecord) Reading() solar.MeterReading {
	return solar.MeterReading{
		SiteID:      rec.SiteID,
		WhUsed:      rec.WhUsed,
		WhGenerated: rec.WhGenerated,
		TempC:       rec.TempC,
		Timestamp:   rec.Timestamp.UTC(),
	}
}
