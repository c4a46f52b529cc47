package ledger

import (
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/prolinkhq/prolink-server/cmd/models"
)

func setupTestDB(t *testing.T, name string) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.Conversation{},
		&models.Appointment{},
		&models.ProposedDate{},
		&models.Payment{},
		&models.StatusHistory{},
	))
	return db
}

func makeAppointment(t *testing.T, db *gorm.DB, price float64, depositRequired bool, depositAmount float64) *models.Appointment {
	t.Helper()
	appt := &models.Appointment{
		ProID:           1,
		ClientID:        2,
		Title:           "Kitchen consultation",
		StartDate:       time.Now().Add(24 * time.Hour),
		EndDate:         time.Now().Add(25 * time.Hour),
		Duration:        60,
		Price:           price,
		Currency:        "EUR",
		DepositRequired: depositRequired,
		DepositAmount:   depositAmount,
		Status:          models.AppointmentProposed,
	}
	require.NoError(t, db.Create(appt).Error)
	return appt
}

func completePayment(t *testing.T, db *gorm.DB, appt *models.Appointment, ref string, amount float64) *models.Payment {
	t.Helper()
	now := time.Now().UTC()
	payment, err := RecordPayment(db, appt, ref, amount, "EUR", models.PaymentCompleted, &now)
	require.NoError(t, err)
	return payment
}

func TestClassify(t *testing.T) {
	db := setupTestDB(t, "ledger_classify")
	appt := makeAppointment(t, db, 100, true, 30)

	// First partial payment is a deposit.
	kind, err := Classify(db, appt, 30)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentTypeDeposit, kind)

	// First payment at full price is a full payment.
	kind, err = Classify(db, appt, 100)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentTypeFullPayment, kind)

	completePayment(t, db, appt, "REF-1", 30)

	// A later partial payment that still leaves a balance.
	kind, err = Classify(db, appt, 40)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentTypeRemainingBalance, kind)

	// A later payment that reaches the price.
	kind, err = Classify(db, appt, 70)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentTypeFullPayment, kind)
}

func TestRecordPaymentIdempotent(t *testing.T) {
	db := setupTestDB(t, "ledger_idempotent")
	appt := makeAppointment(t, db, 100, false, 0)

	completePayment(t, db, appt, "REF-1", 100)
	// Redelivery of the same reference must not create a second row.
	completePayment(t, db, appt, "REF-1", 100)

	var count int64
	require.NoError(t, db.Model(&models.Payment{}).Where("appointment_id = ?", appt.ID).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	total, err := completedTotal(db, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, 100.0, total)
}

func TestRecordPaymentCompletedIsImmutable(t *testing.T) {
	db := setupTestDB(t, "ledger_immutable")
	appt := makeAppointment(t, db, 100, false, 0)

	completePayment(t, db, appt, "REF-1", 100)

	// A stray update with a different amount and a non-refund status must
	// leave the settled row untouched.
	payment, err := RecordPayment(db, appt, "REF-1", 5, "EUR", models.PaymentPending, nil)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCompleted, payment.Status)
	assert.Equal(t, 100.0, payment.Amount)

	// A failure event cannot un-complete it either.
	failed, err := MarkFailed(db, "REF-1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCompleted, failed.Status)
}

func TestMarkFailedAndRefunded(t *testing.T) {
	db := setupTestDB(t, "ledger_failed")
	appt := makeAppointment(t, db, 100, false, 0)

	_, err := RecordPayment(db, appt, "REF-1", 100, "EUR", models.PaymentPending, nil)
	require.NoError(t, err)

	payment, err := MarkFailed(db, "REF-1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentFailed, payment.Status)

	_, err = MarkFailed(db, "NO-SUCH-REF")
	assert.ErrorIs(t, err, ErrPaymentNotFound)

	completePayment(t, db, appt, "REF-2", 100)
	refunded, err := MarkRefunded(db, "REF-2")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentRefunded, refunded.Status)

	// Refunded amounts drop out of the completed total.
	total, err := completedTotal(db, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, total)
}

func TestReconcile(t *testing.T) {
	db := setupTestDB(t, "ledger_reconcile")
	appt := makeAppointment(t, db, 100, false, 0)

	summary, err := Reconcile(db, appt)
	require.NoError(t, err)
	assert.Equal(t, 0.0, summary.TotalPaid)
	assert.Equal(t, 100.0, summary.RemainingBalance)
	assert.Empty(t, summary.DerivedStatus)

	completePayment(t, db, appt, "REF-1", 40)
	summary, err = Reconcile(db, appt)
	require.NoError(t, err)
	assert.Equal(t, 40.0, summary.TotalPaid)
	assert.Equal(t, 60.0, summary.RemainingBalance)
	assert.Equal(t, models.AppointmentConfirmed, summary.DerivedStatus)

	completePayment(t, db, appt, "REF-2", 60)
	summary, err = Reconcile(db, appt)
	require.NoError(t, err)
	assert.Equal(t, 100.0, summary.TotalPaid)
	assert.Equal(t, 0.0, summary.RemainingBalance)
	assert.Equal(t, models.AppointmentPaid, summary.DerivedStatus)

	// Pending payments never count toward the total.
	_, err = RecordPayment(db, appt, "REF-3", 50, "EUR", models.PaymentPending, nil)
	require.NoError(t, err)
	summary, err = Reconcile(db, appt)
	require.NoError(t, err)
	assert.Equal(t, 100.0, summary.TotalPaid)
}

func TestReconcileConservation(t *testing.T) {
	db := setupTestDB(t, "ledger_conservation")
	appt := makeAppointment(t, db, 250, false, 0)

	amounts := []float64{50, 75, 125}
	for i, amount := range amounts {
		completePayment(t, db, appt, "REF-"+string(rune('A'+i)), amount)
	}

	summary, err := Reconcile(db, appt)
	require.NoError(t, err)
	assert.Equal(t, appt.Price, summary.TotalPaid+summary.RemainingBalance)
}

func TestDepositSatisfied(t *testing.T) {
	db := setupTestDB(t, "ledger_deposit")

	noDeposit := makeAppointment(t, db, 100, false, 0)
	ok, err := DepositSatisfied(db, noDeposit)
	require.NoError(t, err)
	assert.True(t, ok)

	withDeposit := makeAppointment(t, db, 100, true, 30)
	ok, err = DepositSatisfied(db, withDeposit)
	require.NoError(t, err)
	assert.False(t, ok)

	completePayment(t, db, withDeposit, "DEP-1", 30)
	ok, err = DepositSatisfied(db, withDeposit)
	require.NoError(t, err)
	assert.True(t, ok)
}
