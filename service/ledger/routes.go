package ledger

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prolinkhq/prolink-server/cmd/models"
	"github.com/prolinkhq/prolink-server/cmd/utils"
	"gorm.io/gorm"
)

type LedgerHandler struct {
	db *gorm.DB
}

func NewLedgerHandler(db *gorm.DB) *LedgerHandler {
	return &LedgerHandler{db: db}
}

func (h *LedgerHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/appointments/{id}/payments", utils.AuthMiddleware(h.GetAppointmentPayments)).Methods("GET")
	router.HandleFunc("/appointments/{id}/balance", utils.AuthMiddleware(h.GetAppointmentBalance)).Methods("GET")
	router.HandleFunc("/pros/{proId}/payouts", utils.AuthMiddleware(h.GetPayouts)).Methods("GET")
}

// GetAppointmentPayments lists the payment history of one appointment,
// visible only to its two parties.
func (h *LedgerHandler) GetAppointmentPayments(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	appointmentID, err := strconv.ParseUint(vars["id"], 10, 64)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "Invalid appointment ID")
		return
	}

	callerID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		utils.RespondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var appt models.Appointment
	if err := h.db.First(&appt, appointmentID).Error; err != nil {
		utils.RespondError(w, http.StatusNotFound, "Appointment not found")
		return
	}
	if callerID != appt.ProID && callerID != appt.ClientID {
		utils.RespondError(w, http.StatusForbidden, "Not a party of this appointment")
		return
	}

	var payments []models.Payment
	if err := h.db.Where("appointment_id = ?", appointmentID).
		Order("created_at ASC").Find(&payments).Error; err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "Error retrieving payments")
		return
	}

	utils.RespondJSON(w, http.StatusOK, payments)
}

// GetAppointmentBalance returns the reconciled ledger view of one
// appointment: total paid, remaining balance and the derived status.
func (h *LedgerHandler) GetAppointmentBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	appointmentID, err := strconv.ParseUint(vars["id"], 10, 64)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "Invalid appointment ID")
		return
	}

	callerID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		utils.RespondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var appt models.Appointment
	if err := h.db.First(&appt, appointmentID).Error; err != nil {
		utils.RespondError(w, http.StatusNotFound, "Appointment not found")
		return
	}
	if callerID != appt.ProID && callerID != appt.ClientID {
		utils.RespondError(w, http.StatusForbidden, "Not a party of this appointment")
		return
	}

	summary, err := Reconcile(h.db, &appt)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "Error reconciling payments")
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"appointment_id":    appt.ID,
		"price":             appt.Price,
		"currency":          appt.Currency,
		"total_paid":        summary.TotalPaid,
		"remaining_balance": summary.RemainingBalance,
		"status":            appt.Status,
	})
}

// GetPayouts lists a professional's transfer/payout entries with the usual
// filters and pagination.
func (h *LedgerHandler) GetPayouts(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	proID, err := strconv.ParseUint(vars["proId"], 10, 64)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "Invalid professional ID")
		return
	}

	callerID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		utils.RespondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if callerID != uint(proID) {
		utils.RespondError(w, http.StatusForbidden, "Payouts are only visible to the professional")
		return
	}

	query := h.db.Model(&models.PayoutEntry{}).Where("pro_id = ?", proID)

	if kind := r.URL.Query().Get("kind"); kind != "" {
		query = query.Where("kind = ?", kind)
	}

	layout := "2006-01-02"
	if startDate := r.URL.Query().Get("start_date"); startDate != "" {
		parsed, err := time.Parse(layout, startDate)
		if err != nil {
			utils.RespondError(w, http.StatusBadRequest, "Invalid start_date format. Use YYYY-MM-DD")
			return
		}
		query = query.Where("created_at >= ?", parsed)
	}
	if endDate := r.URL.Query().Get("end_date"); endDate != "" {
		parsed, err := time.Parse(layout, endDate)
		if err != nil {
			utils.RespondError(w, http.StatusBadRequest, "Invalid end_date format. Use YYYY-MM-DD")
			return
		}
		query = query.Where("created_at < ?", parsed.Add(24*time.Hour))
	}

	page, perPage := utils.ParsePaginationParams(r)

	var total int64
	query.Count(&total)

	var entries []models.PayoutEntry
	if err := query.Offset((page - 1) * perPage).Limit(perPage).
		Order("created_at DESC").Find(&entries).Error; err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "Error retrieving payouts")
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"payouts":    entries,
		"pagination": utils.NewPaginationMeta(page, perPage, total),
	})
}
