package ledger

import (
	"errors"
	"time"

	"github.com/prolinkhq/prolink-server/cmd/models"
	"gorm.io/gorm"
)

var (
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrPaymentNotFound     = errors.New("payment not found")
	ErrOverpayment         = errors.New("charge would exceed the appointment price")
)

// Summary is the result of recomputing an appointment's ledger.
type Summary struct {
	TotalPaid        float64 `json:"total_paid"`
	RemainingBalance float64 `json:"remaining_balance"`
	DerivedStatus    string  `json:"derived_status,omitempty"`
}

// completedTotal sums the COMPLETED payments for an appointment.
func completedTotal(tx *gorm.DB, appointmentID uint) (float64, error) {
	var total float64
	err := tx.Model(&models.Payment{}).
		Where("appointment_id = ? AND status = ?", appointmentID, models.PaymentCompleted).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&total).Error
	return total, err
}

// CompletedTotalExcluding sums the COMPLETED payments for an appointment,
// leaving out the row behind the given gateway reference. Callers use it to
// check what a charge for that reference would add to the total, without a
// replay of an already-completed charge counting against itself.
func CompletedTotalExcluding(tx *gorm.DB, appointmentID uint, gatewayReference string) (float64, error) {
	var total float64
	err := tx.Model(&models.Payment{}).
		Where("appointment_id = ? AND status = ? AND gateway_reference <> ?",
			appointmentID, models.PaymentCompleted, gatewayReference).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&total).Error
	return total, err
}

// Classify derives the payment type from ledger state, evaluated in order:
// first completed payment under the full price is a deposit, a later partial
// payment is a remaining-balance instalment, anything that reaches the price
// is a full payment. Classification never looks at free text.
func Classify(tx *gorm.DB, appt *models.Appointment, amount float64) (string, error) {
	priorTotal, err := completedTotal(tx, appt.ID)
	if err != nil {
		return "", err
	}

	var priorCompleted int64
	if err := tx.Model(&models.Payment{}).
		Where("appointment_id = ? AND status = ?", appt.ID, models.PaymentCompleted).
		Count(&priorCompleted).Error; err != nil {
		return "", err
	}

	switch {
	case priorCompleted == 0 && amount < appt.Price:
		return models.PaymentTypeDeposit, nil
	case priorCompleted > 0 && amount+priorTotal < appt.Price:
		return models.PaymentTypeRemainingBalance, nil
	default:
		return models.PaymentTypeFullPayment, nil
	}
}

// RecordPayment creates or updates the payment identified by the gateway
// reference. The reference is the idempotency key: redelivering the same
// event updates the existing row in place instead of double-counting it.
func RecordPayment(tx *gorm.DB, appt *models.Appointment, gatewayReference string, amount float64, currency, status string, paidAt *time.Time) (*models.Payment, error) {
	var payment models.Payment
	err := tx.Where("gateway_reference = ?", gatewayReference).First(&payment).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		paymentType, err := Classify(tx, appt, amount)
		if err != nil {
			return nil, err
		}
		payment = models.Payment{
			AppointmentID:    appt.ID,
			GatewayReference: gatewayReference,
			Amount:           amount,
			Currency:         currency,
			Status:           status,
			Type:             paymentType,
			SenderID:         appt.ClientID,
			ReceiverID:       appt.ProID,
			PaidAt:           paidAt,
		}
		if err := tx.Create(&payment).Error; err != nil {
			return nil, err
		}
		return &payment, nil
	}

	// Completed payments are settled facts: a replayed success event must
	// not change them, and a stray failure event cannot un-complete them.
	if payment.Status == models.PaymentCompleted && status != models.PaymentRefunded {
		return &payment, nil
	}

	payment.Amount = amount
	if currency != "" {
		payment.Currency = currency
	}
	payment.Status = status
	if paidAt != nil {
		payment.PaidAt = paidAt
	}
	if err := tx.Save(&payment).Error; err != nil {
		return nil, err
	}
	return &payment, nil
}

// MarkFailed flags the payment behind the gateway reference as FAILED. A
// payment that already completed is left untouched.
func MarkFailed(tx *gorm.DB, gatewayReference string) (*models.Payment, error) {
	var payment models.Payment
	err := tx.Where("gateway_reference = ?", gatewayReference).First(&payment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	if payment.Status == models.PaymentCompleted {
		return &payment, nil
	}
	if err := tx.Model(&payment).Update("status", models.PaymentFailed).Error; err != nil {
		return nil, err
	}
	payment.Status = models.PaymentFailed
	return &payment, nil
}

// MarkRefunded flags the payment as REFUNDED. Refunded amounts drop out of
// the completed total; appointment status is never regressed because of it.
func MarkRefunded(tx *gorm.DB, gatewayReference string) (*models.Payment, error) {
	var payment models.Payment
	err := tx.Where("gateway_reference = ?", gatewayReference).First(&payment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := tx.Model(&payment).Update("status", models.PaymentRefunded).Error; err != nil {
		return nil, err
	}
	payment.Status = models.PaymentRefunded
	return &payment, nil
}

// Reconcile recomputes the appointment's paid total, remaining balance and
// a derived status suggestion. It never mutates the appointment itself; the
// state machine decides whether the suggestion applies.
func Reconcile(tx *gorm.DB, appt *models.Appointment) (Summary, error) {
	total, err := completedTotal(tx, appt.ID)
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{
		TotalPaid:        total,
		RemainingBalance: appt.Price - total,
	}

	deposit, err := DepositSatisfied(tx, appt)
	if err != nil {
		return Summary{}, err
	}

	switch {
	case appt.Price > 0 && total >= appt.Price:
		summary.DerivedStatus = models.AppointmentPaid
	case (total > 0 && total < appt.Price) || deposit:
		summary.DerivedStatus = models.AppointmentConfirmed
	}

	return summary, nil
}

// DepositSatisfied reports whether the appointment's deposit requirement is
// met. Appointments without a deposit requirement are trivially satisfied.
func DepositSatisfied(tx *gorm.DB, appt *models.Appointment) (bool, error) {
	if !appt.DepositRequired {
		return true, nil
	}
	total, err := completedTotal(tx, appt.ID)
	if err != nil {
		return false, err
	}
	return total >= appt.DepositAmount, nil
}
