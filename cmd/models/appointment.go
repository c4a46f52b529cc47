package models

import (
	"time"

	"gorm.io/gorm"
)

// Appointment statuses. CANCELLED and COMPLETED are terminal.
const (
	AppointmentProposed   = "PROPOSED"
	AppointmentConfirmed  = "CONFIRMED"
	AppointmentPaid       = "PAID"
	AppointmentInProgress = "IN_PROGRESS"
	AppointmentCompleted  = "COMPLETED"
	AppointmentCancelled  = "CANCELLED"
)

// ActiveAppointmentStatuses are the statuses that block a professional's
// time range during conflict detection. Everything non-terminal blocks;
// only CANCELLED and COMPLETED release the range.
var ActiveAppointmentStatuses = []string{
	AppointmentProposed,
	AppointmentConfirmed,
	AppointmentPaid,
	AppointmentInProgress,
}

type Appointment struct {
	gorm.Model
	ProID           uint      `gorm:"column:pro_id;not null;index" json:"pro_id"`
	ClientID        uint      `gorm:"column:client_id;not null;index" json:"client_id"`
	ConversationID  *uint     `gorm:"column:conversation_id" json:"conversation_id,omitempty"`
	Title           string    `gorm:"column:title;size:255;not null" json:"title"`
	Notes           string    `gorm:"column:notes;type:text" json:"notes"`
	StartDate       time.Time `gorm:"column:start_date;not null" json:"start_date"`
	EndDate         time.Time `gorm:"column:end_date;not null" json:"end_date"`
	Duration        int       `gorm:"column:duration;not null" json:"duration"` // minutes
	Price           float64   `gorm:"column:price;not null" json:"price"`
	Currency        string    `gorm:"column:currency;size:3;not null;default:EUR" json:"currency"`
	DepositRequired bool      `gorm:"column:deposit_required;default:false" json:"deposit_required"`
	DepositAmount   float64   `gorm:"column:deposit_amount;default:0" json:"deposit_amount"`
	Status          string    `gorm:"column:status;size:20;not null;default:PROPOSED" json:"status"`

	Pro           *User          `gorm:"foreignKey:ProID" json:"pro,omitempty"`
	Client        *User          `gorm:"foreignKey:ClientID" json:"client,omitempty"`
	Conversation  *Conversation  `gorm:"foreignKey:ConversationID" json:"conversation,omitempty"`
	ProposedDates []ProposedDate `gorm:"foreignKey:AppointmentID;constraint:OnDelete:CASCADE" json:"proposed_dates,omitempty"`
	Payments      []Payment      `gorm:"foreignKey:AppointmentID" json:"payments,omitempty"`
}

// Terminal reports whether the appointment can no longer change status.
func (a *Appointment) Terminal() bool {
	return a.Status == AppointmentCancelled || a.Status == AppointmentCompleted
}

// ProposedDate is one of the candidate dates offered at proposal time. The
// accepted date becomes the appointment's StartDate; the full list is kept
// as a typed relation instead of being serialized into the notes text.
type ProposedDate struct {
	gorm.Model
	AppointmentID uint      `gorm:"column:appointment_id;not null;index" json:"appointment_id"`
	Date          time.Time `gorm:"column:date;not null" json:"date"`
}

func (ProposedDate) TableName() string {
	return "proposed_dates"
}
