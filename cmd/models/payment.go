package models

import (
	"time"

	"gorm.io/gorm"
)

// Payment statuses.
const (
	PaymentPending   = "PENDING"
	PaymentCompleted = "COMPLETED"
	PaymentFailed    = "FAILED"
	PaymentRefunded  = "REFUNDED"
)

// Payment types, derived from ledger state at creation time.
const (
	PaymentTypeDeposit          = "DEPOSIT"
	PaymentTypeRemainingBalance = "REMAINING_BALANCE"
	PaymentTypeFullPayment      = "FULL_PAYMENT"
)

// Payment is one payment attempt against exactly one appointment. The
// gateway reference doubles as the idempotency key: webhook redelivery
// updates the existing row instead of inserting a duplicate.
type Payment struct {
	gorm.Model
	AppointmentID    uint       `gorm:"column:appointment_id;not null;index" json:"appointment_id"`
	GatewayReference string     `gorm:"column:gateway_reference;size:255;not null;uniqueIndex" json:"gateway_reference"`
	Amount           float64    `gorm:"column:amount;not null" json:"amount"`
	Currency         string     `gorm:"column:currency;size:3;not null" json:"currency"`
	Status           string     `gorm:"column:status;size:20;not null;default:PENDING" json:"status"`
	Type             string     `gorm:"column:type;size:30;not null" json:"type"`
	SenderID         uint       `gorm:"column:sender_id;not null" json:"sender_id"`
	ReceiverID       uint       `gorm:"column:receiver_id;not null" json:"receiver_id"`
	PaidAt           *time.Time `gorm:"column:paid_at" json:"paid_at,omitempty"`

	Appointment *Appointment `gorm:"foreignKey:AppointmentID" json:"appointment,omitempty"`
}

// PayoutEntry records a gateway transfer or payout event against a
// professional's payable balance. Payout events never touch appointment
// state; they exist for the professional's earnings ledger.
type PayoutEntry struct {
	gorm.Model
	ProID            uint    `gorm:"column:pro_id;not null;index" json:"pro_id"`
	GatewayReference string  `gorm:"column:gateway_reference;size:255;not null;uniqueIndex" json:"gateway_reference"`
	Amount           float64 `gorm:"column:amount;not null" json:"amount"`
	Currency         string  `gorm:"column:currency;size:3;not null" json:"currency"`
	Kind             string  `gorm:"column:kind;size:30;not null" json:"kind"` // transfer, payout

	Pro *User `gorm:"foreignKey:ProID" json:"pro,omitempty"`
}

func (PayoutEntry) TableName() string {
	return "payout_entries"
}
