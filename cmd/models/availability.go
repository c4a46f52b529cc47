package models

import (
	"time"

	"gorm.io/gorm"
)

// Availability is a professional's configuration for a single date. At most
// one record exists per (pro_id, date).
type Availability struct {
	gorm.Model
	ProID       uint      `gorm:"column:pro_id;not null;uniqueIndex:idx_pro_date" json:"pro_id"`
	Date        time.Time `gorm:"column:date;not null;uniqueIndex:idx_pro_date" json:"date"`
	IsAvailable bool      `gorm:"column:is_available;default:true" json:"is_available"`

	TimeSlots []TimeSlot `gorm:"foreignKey:AvailabilityID;constraint:OnDelete:CASCADE" json:"time_slots"`
	Pro       *User      `gorm:"foreignKey:ProID" json:"-"`
}

func (Availability) TableName() string {
	return "availabilities"
}

// TimeSlot is one intraday window on an availability date. Times are stored
// as "HH:MM" strings relative to the availability's date.
type TimeSlot struct {
	gorm.Model
	AvailabilityID uint   `gorm:"column:availability_id;not null;index" json:"availability_id"`
	StartTime      string `gorm:"column:start_time;size:5;not null" json:"start_time"`
	EndTime        string `gorm:"column:end_time;size:5;not null" json:"end_time"`
	Available      bool   `gorm:"column:available;default:true" json:"available"`
}

func (TimeSlot) TableName() string {
	return "time_slots"
}
