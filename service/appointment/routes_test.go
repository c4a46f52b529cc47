package appointment

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/prolinkhq/prolink-server/cmd/models"
	"github.com/prolinkhq/prolink-server/cmd/utils"
	"github.com/prolinkhq/prolink-server/service/ledger"
)

func setupRoutesDB(t *testing.T, name string) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.Conversation{},
		&models.Message{},
		&models.Availability{},
		&models.TimeSlot{},
		&models.Appointment{},
		&models.ProposedDate{},
		&models.Payment{},
		&models.StatusHistory{},
		&models.Device{},
		&models.NotificationHistory{},
	))
	return db
}

func seedUsers(t *testing.T, db *gorm.DB) (pro, client models.User) {
	t.Helper()
	pro = models.User{FullName: "Paula Pro", Email: "paula@example.com", PasswordHash: "x", Role: models.RolePro}
	client = models.User{FullName: "Carl Client", Email: "carl@example.com", PasswordHash: "x", Role: models.RoleClient}
	require.NoError(t, db.Create(&pro).Error)
	require.NoError(t, db.Create(&client).Error)
	return pro, client
}

func seedOpenDay(t *testing.T, db *gorm.DB, proID uint, date time.Time) {
	t.Helper()
	avail := models.Availability{
		ProID:       proID,
		Date:        date,
		IsAvailable: true,
		TimeSlots:   []models.TimeSlot{{StartTime: "09:00", EndTime: "17:00", Available: true}},
	}
	require.NoError(t, db.Create(&avail).Error)
}

func authedRequest(method, target string, body []byte, userID uint, vars map[string]string) *http.Request {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	ctx := context.WithValue(req.Context(), utils.UserIDKey, userID)
	req = req.WithContext(ctx)
	if vars != nil {
		req = mux.SetURLVars(req, vars)
	}
	return req
}

func proposeBody(clientID uint, start time.Time, extra map[string]interface{}) []byte {
	body := map[string]interface{}{
		"client_id":      clientID,
		"title":          "Bathroom renovation quote",
		"price":          200.0,
		"duration":       60,
		"proposed_dates": []string{start.Format(time.RFC3339)},
	}
	for k, v := range extra {
		body[k] = v
	}
	raw, _ := json.Marshal(body)
	return raw
}

func TestProposeAppointment(t *testing.T) {
	db := setupRoutesDB(t, "routes_propose")
	pro, client := seedUsers(t, db)
	day := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	seedOpenDay(t, db, pro.ID, day)
	start := day.Add(10 * time.Hour)

	h := NewAppointmentHandler(db)

	rec := httptest.NewRecorder()
	h.ProposeAppointment(rec, authedRequest("POST", "/appointments/propose", proposeBody(client.ID, start, nil), pro.ID, nil))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var appt models.Appointment
	require.NoError(t, db.Preload("ProposedDates").First(&appt).Error)
	assert.Equal(t, models.AppointmentProposed, appt.Status)
	assert.Equal(t, pro.ID, appt.ProID)
	assert.Equal(t, client.ID, appt.ClientID)
	assert.True(t, appt.StartDate.Equal(start))
	assert.True(t, appt.EndDate.Equal(start.Add(time.Hour)))
	assert.Equal(t, "EUR", appt.Currency)
	require.Len(t, appt.ProposedDates, 1)

	var history models.StatusHistory
	require.NoError(t, db.Where("appointment_id = ?", appt.ID).First(&history).Error)
	assert.Equal(t, "", history.OldStatus)
	assert.Equal(t, models.AppointmentProposed, history.NewStatus)
	assert.Equal(t, pro.ID, history.ChangedBy)
}

func TestProposeAppointmentRejectsClientCaller(t *testing.T) {
	db := setupRoutesDB(t, "routes_propose_client")
	pro, client := seedUsers(t, db)
	day := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	seedOpenDay(t, db, pro.ID, day)

	h := NewAppointmentHandler(db)

	rec := httptest.NewRecorder()
	h.ProposeAppointment(rec, authedRequest("POST", "/appointments/propose", proposeBody(pro.ID, day.Add(10*time.Hour), nil), client.ID, nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestProposeAppointmentConflict(t *testing.T) {
	db := setupRoutesDB(t, "routes_propose_conflict")
	pro, client := seedUsers(t, db)
	day := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	seedOpenDay(t, db, pro.ID, day)
	start := day.Add(10 * time.Hour)

	h := NewAppointmentHandler(db)

	rec := httptest.NewRecorder()
	h.ProposeAppointment(rec, authedRequest("POST", "/appointments/propose", proposeBody(client.ID, start, nil), pro.ID, nil))
	require.Equal(t, http.StatusCreated, rec.Code)

	// Second proposal overlapping the first must fail and leave no rows.
	rec = httptest.NewRecorder()
	h.ProposeAppointment(rec, authedRequest("POST", "/appointments/propose", proposeBody(client.ID, start.Add(30*time.Minute), nil), pro.ID, nil))
	assert.Equal(t, http.StatusConflict, rec.Code)

	var resp utils.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "slot no longer available", resp.Error)

	var count int64
	require.NoError(t, db.Model(&models.Appointment{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func proposeForTest(t *testing.T, db *gorm.DB, h *AppointmentHandler, pro, client models.User, start time.Time, extra map[string]interface{}) *models.Appointment {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ProposeAppointment(rec, authedRequest("POST", "/appointments/propose", proposeBody(client.ID, start, extra), pro.ID, nil))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var appt models.Appointment
	require.NoError(t, db.Order("id DESC").First(&appt).Error)
	return &appt
}

func idVars(id uint) map[string]string {
	return map[string]string{"id": strconv.FormatUint(uint64(id), 10)}
}

func TestConfirmRequiresDeposit(t *testing.T) {
	db := setupRoutesDB(t, "routes_confirm_deposit")
	pro, client := seedUsers(t, db)
	day := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	seedOpenDay(t, db, pro.ID, day)

	h := NewAppointmentHandler(db)
	appt := proposeForTest(t, db, h, pro, client, day.Add(10*time.Hour), map[string]interface{}{
		"deposit_required": true,
		"deposit_amount":   50.0,
	})

	// Without the deposit the confirm is rejected and status is unchanged.
	rec := httptest.NewRecorder()
	h.ConfirmAppointment(rec, authedRequest("POST", "/appointments/1/confirm", nil, pro.ID, idVars(appt.ID)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var reloaded models.Appointment
	require.NoError(t, db.First(&reloaded, appt.ID).Error)
	assert.Equal(t, models.AppointmentProposed, reloaded.Status)

	// The client pays the deposit while the appointment is still PROPOSED;
	// the payment lands but the status does not move on its own.
	now := time.Now().UTC()
	_, err := ledger.RecordPayment(db, appt, "DEP-1", 50, "EUR", models.PaymentCompleted, &now)
	require.NoError(t, err)
	require.NoError(t, db.First(&reloaded, appt.ID).Error)
	assert.Equal(t, models.AppointmentProposed, reloaded.Status)

	// Now the professional's confirm succeeds.
	rec = httptest.NewRecorder()
	h.ConfirmAppointment(rec, authedRequest("POST", "/appointments/1/confirm", nil, pro.ID, idVars(appt.ID)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.NoError(t, db.First(&reloaded, appt.ID).Error)
	assert.Equal(t, models.AppointmentConfirmed, reloaded.Status)
}

func TestConfirmForbiddenForClient(t *testing.T) {
	db := setupRoutesDB(t, "routes_confirm_forbidden")
	pro, client := seedUsers(t, db)
	day := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	seedOpenDay(t, db, pro.ID, day)

	h := NewAppointmentHandler(db)
	appt := proposeForTest(t, db, h, pro, client, day.Add(10*time.Hour), nil)

	rec := httptest.NewRecorder()
	h.ConfirmAppointment(rec, authedRequest("POST", "/appointments/1/confirm", nil, client.ID, idVars(appt.ID)))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestConfirmIsIdempotent(t *testing.T) {
	db := setupRoutesDB(t, "routes_confirm_idempotent")
	pro, client := seedUsers(t, db)
	day := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	seedOpenDay(t, db, pro.ID, day)

	h := NewAppointmentHandler(db)
	appt := proposeForTest(t, db, h, pro, client, day.Add(10*time.Hour), nil)

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.ConfirmAppointment(rec, authedRequest("POST", "/appointments/1/confirm", nil, pro.ID, idVars(appt.ID)))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	// Exactly two history rows: the proposal and one confirm.
	var count int64
	require.NoError(t, db.Model(&models.StatusHistory{}).Where("appointment_id = ?", appt.ID).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestConfirmAdvancesToPaidWhenLedgerCoversPrice(t *testing.T) {
	db := setupRoutesDB(t, "routes_confirm_paid")
	pro, client := seedUsers(t, db)
	day := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	seedOpenDay(t, db, pro.ID, day)

	h := NewAppointmentHandler(db)
	appt := proposeForTest(t, db, h, pro, client, day.Add(10*time.Hour), nil)

	// The client paid the full price before the professional confirmed.
	now := time.Now().UTC()
	_, err := ledger.RecordPayment(db, appt, "FULL-1", 200, "EUR", models.PaymentCompleted, &now)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ConfirmAppointment(rec, authedRequest("POST", "/appointments/1/confirm", nil, pro.ID, idVars(appt.ID)))
	require.Equal(t, http.StatusOK, rec.Code)

	var reloaded models.Appointment
	require.NoError(t, db.First(&reloaded, appt.ID).Error)
	assert.Equal(t, models.AppointmentPaid, reloaded.Status)

	// PROPOSED -> CONFIRMED -> PAID, each with its own audit row.
	var history []models.StatusHistory
	require.NoError(t, db.Where("appointment_id = ?", appt.ID).Order("id ASC").Find(&history).Error)
	require.Len(t, history, 3)
	assert.Equal(t, models.AppointmentConfirmed, history[1].NewStatus)
	assert.Equal(t, models.AppointmentPaid, history[2].NewStatus)
}

func TestCancelAndTerminality(t *testing.T) {
	db := setupRoutesDB(t, "routes_cancel")
	pro, client := seedUsers(t, db)
	day := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	seedOpenDay(t, db, pro.ID, day)

	h := NewAppointmentHandler(db)
	appt := proposeForTest(t, db, h, pro, client, day.Add(10*time.Hour), nil)

	body, _ := json.Marshal(map[string]string{"reason": "client asked to reschedule"})
	rec := httptest.NewRecorder()
	h.CancelAppointment(rec, authedRequest("POST", "/appointments/1/cancel", body, client.ID, idVars(appt.ID)))
	require.Equal(t, http.StatusOK, rec.Code)

	var reloaded models.Appointment
	require.NoError(t, db.First(&reloaded, appt.ID).Error)
	assert.Equal(t, models.AppointmentCancelled, reloaded.Status)

	// CANCELLED is absorbing: a later confirm attempt is a conflict.
	rec = httptest.NewRecorder()
	h.ConfirmAppointment(rec, authedRequest("POST", "/appointments/1/confirm", nil, pro.ID, idVars(appt.ID)))
	assert.Equal(t, http.StatusConflict, rec.Code)

	// And the cancelled range can be booked again.
	rec = httptest.NewRecorder()
	h.ProposeAppointment(rec, authedRequest("POST", "/appointments/propose", proposeBody(client.ID, day.Add(10*time.Hour), nil), pro.ID, nil))
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestStartAndComplete(t *testing.T) {
	db := setupRoutesDB(t, "routes_start_complete")
	pro, client := seedUsers(t, db)
	day := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	seedOpenDay(t, db, pro.ID, day)

	h := NewAppointmentHandler(db)
	appt := proposeForTest(t, db, h, pro, client, day.Add(10*time.Hour), nil)

	// Starting from PROPOSED is illegal.
	rec := httptest.NewRecorder()
	h.StartAppointment(rec, authedRequest("POST", "/appointments/1/start", nil, pro.ID, idVars(appt.ID)))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = httptest.NewRecorder()
	h.ConfirmAppointment(rec, authedRequest("POST", "/appointments/1/confirm", nil, pro.ID, idVars(appt.ID)))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.StartAppointment(rec, authedRequest("POST", "/appointments/1/start", nil, pro.ID, idVars(appt.ID)))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.CompleteAppointment(rec, authedRequest("POST", "/appointments/1/complete", nil, pro.ID, idVars(appt.ID)))
	require.Equal(t, http.StatusOK, rec.Code)

	var reloaded models.Appointment
	require.NoError(t, db.First(&reloaded, appt.ID).Error)
	assert.Equal(t, models.AppointmentCompleted, reloaded.Status)
}

func TestGetAppointmentHistoryVisibility(t *testing.T) {
	db := setupRoutesDB(t, "routes_history")
	pro, client := seedUsers(t, db)
	stranger := models.User{FullName: "Sam Stranger", Email: "sam@example.com", PasswordHash: "x", Role: models.RoleClient}
	require.NoError(t, db.Create(&stranger).Error)

	day := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	seedOpenDay(t, db, pro.ID, day)

	h := NewAppointmentHandler(db)
	appt := proposeForTest(t, db, h, pro, client, day.Add(10*time.Hour), nil)

	rec := httptest.NewRecorder()
	h.GetAppointmentHistory(rec, authedRequest("GET", "/appointments/1/history", nil, client.ID, idVars(appt.ID)))
	require.Equal(t, http.StatusOK, rec.Code)

	var history []models.StatusHistory
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history, 1)
	assert.Equal(t, models.AppointmentProposed, history[0].NewStatus)

	rec = httptest.NewRecorder()
	h.GetAppointmentHistory(rec, authedRequest("GET", "/appointments/1/history", nil, stranger.ID, idVars(appt.ID)))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
