package appointment

import (
	"encoding/json"
	"errors"

	"github.com/prolinkhq/prolink-server/cmd/models"
	"gorm.io/gorm"
)

// Sentinel errors surfaced by the state machine. Handlers map these to HTTP
// status codes at the edge.
var (
	ErrNotFound           = errors.New("appointment not found")
	ErrForbidden          = errors.New("caller is not a party allowed to perform this action")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrPreconditionFailed = errors.New("transition precondition not met")
)

// legalTransitions is the single source of truth for the appointment
// lifecycle. CANCELLED and COMPLETED are absorbing.
var legalTransitions = map[string][]string{
	models.AppointmentProposed:   {models.AppointmentConfirmed, models.AppointmentCancelled},
	models.AppointmentConfirmed:  {models.AppointmentPaid, models.AppointmentInProgress, models.AppointmentCancelled},
	models.AppointmentPaid:       {models.AppointmentInProgress, models.AppointmentCancelled},
	models.AppointmentInProgress: {models.AppointmentCompleted},
	models.AppointmentCompleted:  {},
	models.AppointmentCancelled:  {},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to string) bool {
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves the appointment to the target status inside the given
// transaction and appends exactly one StatusHistory row. Re-applying the
// current status is an idempotent no-op and returns a nil history row, so
// callers can tell whether anything actually changed. Both the synchronous
// request path and the webhook path funnel through here; no other code
// writes Appointment.Status.
func Transition(tx *gorm.DB, appt *models.Appointment, target string, changedBy uint, reason string, metadata map[string]interface{}) (*models.StatusHistory, error) {
	if appt.Status == target {
		return nil, nil
	}
	if !CanTransition(appt.Status, target) {
		return nil, ErrInvalidTransition
	}

	oldStatus := appt.Status
	if err := tx.Model(appt).Update("status", target).Error; err != nil {
		return nil, err
	}
	appt.Status = target

	history := models.StatusHistory{
		AppointmentID: appt.ID,
		OldStatus:     oldStatus,
		NewStatus:     target,
		ChangedBy:     changedBy,
		Reason:        reason,
	}
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return nil, err
		}
		history.Metadata = string(raw)
	}
	if err := tx.Create(&history).Error; err != nil {
		return nil, err
	}

	return &history, nil
}

// ApplyLedgerSuggestion feeds a reconcile-derived status into the transition
// table. Suggestions that are not legal from the current status (for example
// CONFIRMED while the professional has not confirmed yet, or anything once
// the appointment is terminal) are dropped silently: the asynchronous
// reconciliation path must never error on an inapplicable suggestion.
func ApplyLedgerSuggestion(tx *gorm.DB, appt *models.Appointment, suggested string, changedBy uint, reason string, metadata map[string]interface{}) (*models.StatusHistory, error) {
	if suggested == "" || suggested == appt.Status {
		return nil, nil
	}
	// Only the PAID advancement is ledger-driven; a CONFIRMED suggestion
	// still requires the professional's explicit confirm action.
	if suggested != models.AppointmentPaid {
		return nil, nil
	}
	if !CanTransition(appt.Status, suggested) {
		return nil, nil
	}
	return Transition(tx, appt, suggested, changedBy, reason, metadata)
}

// Advisory lock classes, kept distinct so a professional-level lock and an
// appointment-level lock can never collide.
const (
	lockClassPro         = 1
	lockClassAppointment = 2
)

// LockPro serializes concurrent proposals against one professional's
// calendar for the lifetime of the transaction. On Postgres this takes a
// transaction-scoped advisory lock; other dialects fall back to their own
// write serialization.
func LockPro(tx *gorm.DB, proID uint) error {
	if tx.Dialector.Name() == "postgres" {
		return tx.Exec("SELECT pg_advisory_xact_lock(?, ?)", lockClassPro, int64(proID)).Error
	}
	return nil
}

// LockAppointment serializes the synchronous checkout path and the webhook
// path racing on the same appointment/payment pair.
func LockAppointment(tx *gorm.DB, appointmentID uint) error {
	if tx.Dialector.Name() == "postgres" {
		return tx.Exec("SELECT pg_advisory_xact_lock(?, ?)", lockClassAppointment, int64(appointmentID)).Error
	}
	return nil
}
