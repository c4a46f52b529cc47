package appointment

import (
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/prolinkhq/prolink-server/cmd/models"
)

func setupMachineDB(t *testing.T, name string) *gorm.DB {
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

func newTestAppointment(t *testing.T, db *gorm.DB, status string) *models.Appointment {
	t.Helper()
	appt := &models.Appointment{
		ProID:     1,
		ClientID:  2,
		Title:     "Site visit",
		StartDate: time.Now().Add(24 * time.Hour),
		EndDate:   time.Now().Add(25 * time.Hour),
		Duration:  60,
		Price:     100,
		Currency:  "EUR",
		Status:    status,
	}
	require.NoError(t, db.Create(appt).Error)
	return appt
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to string
		want     bool
	}{
		{models.AppointmentProposed, models.AppointmentConfirmed, true},
		{models.AppointmentProposed, models.AppointmentCancelled, true},
		{models.AppointmentProposed, models.AppointmentPaid, false},
		{models.AppointmentProposed, models.AppointmentCompleted, false},
		{models.AppointmentConfirmed, models.AppointmentPaid, true},
		{models.AppointmentConfirmed, models.AppointmentInProgress, true},
		{models.AppointmentConfirmed, models.AppointmentCancelled, true},
		{models.AppointmentPaid, models.AppointmentInProgress, true},
		{models.AppointmentPaid, models.AppointmentCancelled, true},
		{models.AppointmentPaid, models.AppointmentConfirmed, false},
		{models.AppointmentInProgress, models.AppointmentCompleted, true},
		{models.AppointmentInProgress, models.AppointmentCancelled, false},
		{models.AppointmentCompleted, models.AppointmentCancelled, false},
		{models.AppointmentCompleted, models.AppointmentInProgress, false},
		{models.AppointmentCancelled, models.AppointmentProposed, false},
		{models.AppointmentCancelled, models.AppointmentConfirmed, false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTransitionWritesHistory(t *testing.T) {
	db := setupMachineDB(t, "machine_history")
	appt := newTestAppointment(t, db, models.AppointmentProposed)

	history, err := Transition(db, appt, models.AppointmentConfirmed, 1, "confirmed by professional", map[string]interface{}{"note": "ok"})
	require.NoError(t, err)
	require.NotNil(t, history)

	assert.Equal(t, models.AppointmentConfirmed, appt.Status)
	assert.Equal(t, models.AppointmentProposed, history.OldStatus)
	assert.Equal(t, models.AppointmentConfirmed, history.NewStatus)
	assert.Equal(t, uint(1), history.ChangedBy)
	assert.Contains(t, history.Metadata, `"note":"ok"`)

	var reloaded models.Appointment
	require.NoError(t, db.First(&reloaded, appt.ID).Error)
	assert.Equal(t, models.AppointmentConfirmed, reloaded.Status)

	var count int64
	require.NoError(t, db.Model(&models.StatusHistory{}).Where("appointment_id = ?", appt.ID).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestTransitionSameStatusIsNoOp(t *testing.T) {
	db := setupMachineDB(t, "machine_noop")
	appt := newTestAppointment(t, db, models.AppointmentConfirmed)

	history, err := Transition(db, appt, models.AppointmentConfirmed, 1, "", nil)
	require.NoError(t, err)
	assert.Nil(t, history)

	var count int64
	require.NoError(t, db.Model(&models.StatusHistory{}).Where("appointment_id = ?", appt.ID).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestTransitionIllegalMove(t *testing.T) {
	db := setupMachineDB(t, "machine_illegal")
	appt := newTestAppointment(t, db, models.AppointmentProposed)

	_, err := Transition(db, appt, models.AppointmentCompleted, 1, "", nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, models.AppointmentProposed, appt.Status)
}

func TestTerminalStatesAreAbsorbing(t *testing.T) {
	db := setupMachineDB(t, "machine_terminal")

	for _, terminal := range []string{models.AppointmentCompleted, models.AppointmentCancelled} {
		appt := newTestAppointment(t, db, terminal)
		for _, target := range []string{
			models.AppointmentProposed,
			models.AppointmentConfirmed,
			models.AppointmentPaid,
			models.AppointmentInProgress,
		} {
			_, err := Transition(db, appt, target, 1, "", nil)
			assert.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s must fail", terminal, target)
		}
	}
}

func TestApplyLedgerSuggestion(t *testing.T) {
	db := setupMachineDB(t, "machine_suggestion")

	// A CONFIRMED suggestion is dropped: confirming stays an explicit
	// action of the professional.
	proposed := newTestAppointment(t, db, models.AppointmentProposed)
	history, err := ApplyLedgerSuggestion(db, proposed, models.AppointmentConfirmed, 0, "payment received", nil)
	require.NoError(t, err)
	assert.Nil(t, history)
	assert.Equal(t, models.AppointmentProposed, proposed.Status)

	// A PAID suggestion advances a confirmed appointment.
	confirmed := newTestAppointment(t, db, models.AppointmentConfirmed)
	history, err = ApplyLedgerSuggestion(db, confirmed, models.AppointmentPaid, 0, "payment received", nil)
	require.NoError(t, err)
	require.NotNil(t, history)
	assert.Equal(t, models.AppointmentPaid, confirmed.Status)
	assert.Equal(t, uint(0), history.ChangedBy)

	// But never moves an appointment that has not been confirmed yet.
	unconfirmed := newTestAppointment(t, db, models.AppointmentProposed)
	history, err = ApplyLedgerSuggestion(db, unconfirmed, models.AppointmentPaid, 0, "payment received", nil)
	require.NoError(t, err)
	assert.Nil(t, history)
	assert.Equal(t, models.AppointmentProposed, unconfirmed.Status)

	// Terminal appointments ignore suggestions entirely.
	cancelled := newTestAppointment(t, db, models.AppointmentCancelled)
	history, err = ApplyLedgerSuggestion(db, cancelled, models.AppointmentPaid, 0, "payment received", nil)
	require.NoError(t, err)
	assert.Nil(t, history)
	assert.Equal(t, models.AppointmentCancelled, cancelled.Status)
}
