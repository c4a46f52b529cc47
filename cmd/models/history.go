package models

import (
	"gorm.io/gorm"
)

// StatusHistory is the append-only audit trail of appointment transitions.
// Rows are written inside the same transaction as the status change and are
// never updated or deleted.
type StatusHistory struct {
	gorm.Model
	AppointmentID uint   `gorm:"column:appointment_id;not null;index" json:"appointment_id"`
	OldStatus     string `gorm:"column:old_status;size:20;not null" json:"old_status"`
	NewStatus     string `gorm:"column:new_status;size:20;not null" json:"new_status"`
	ChangedBy     uint   `gorm:"column:changed_by;not null" json:"changed_by"` // 0 for system/webhook
	Reason        string `gorm:"column:reason;size:255" json:"reason"`
	Metadata      string `gorm:"column:metadata;type:text" json:"metadata,omitempty"` // JSON blob

	Appointment *Appointment `gorm:"foreignKey:AppointmentID" json:"-"`
}

func (StatusHistory) TableName() string {
	return "status_histories"
}
