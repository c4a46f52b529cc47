package appointment

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"gorm.io/gorm"

	"github.com/prolinkhq/prolink-server/cmd/models"
	"github.com/prolinkhq/prolink-server/cmd/utils"
	"github.com/prolinkhq/prolink-server/service/availability"
	"github.com/prolinkhq/prolink-server/service/dispatch"
	"github.com/prolinkhq/prolink-server/service/ledger"
)

type AppointmentHandler struct {
	db         *gorm.DB
	validate   *validator.Validate
	dispatcher *dispatch.Dispatcher
}

func NewAppointmentHandler(db *gorm.DB) *AppointmentHandler {
	return &AppointmentHandler{
		db:         db,
		validate:   validator.New(),
		dispatcher: dispatch.New(db),
	}
}

func (h *AppointmentHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/appointments/propose", utils.AuthMiddleware(h.ProposeAppointment)).Methods("POST")
	router.HandleFunc("/appointments/{id}/confirm", utils.AuthMiddleware(h.ConfirmAppointment)).Methods("POST")
	router.HandleFunc("/appointments/{id}/cancel", utils.AuthMiddleware(h.CancelAppointment)).Methods("POST")
	router.HandleFunc("/appointments/{id}/start", utils.AuthMiddleware(h.StartAppointment)).Methods("POST")
	router.HandleFunc("/appointments/{id}/complete", utils.AuthMiddleware(h.CompleteAppointment)).Methods("POST")
	router.HandleFunc("/appointments/{id}/history", utils.AuthMiddleware(h.GetAppointmentHistory)).Methods("GET")
	router.HandleFunc("/appointments/{id}", utils.AuthMiddleware(h.GetAppointment)).Methods("GET")
	router.HandleFunc("/appointments/pro/{proId}", utils.AuthMiddleware(h.GetProAppointments)).Methods("GET")
	router.HandleFunc("/appointments/client/{clientId}", utils.AuthMiddleware(h.GetClientAppointments)).Methods("GET")
}

type proposeRequest struct {
	ClientID        uint     `json:"client_id" validate:"required"`
	Title           string   `json:"title" validate:"required,max=255"`
	Notes           string   `json:"notes"`
	Price           float64  `json:"price" validate:"gte=0"`
	Currency        string   `json:"currency" validate:"omitempty,len=3"`
	Duration        int      `json:"duration" validate:"required,gt=0"`
	ProposedDates   []string `json:"proposed_dates" validate:"required,min=1,dive,required"`
	DepositRequired bool     `json:"deposit_required"`
	DepositAmount   float64  `json:"deposit_amount" validate:"gte=0"`
	ConversationID  *uint    `json:"conversation_id"`
}

// ProposeAppointment creates an appointment in PROPOSED for the calling
// professional. The first proposed date is the working start date; the full
// candidate list is stored alongside. The conflict check and the insert run
// in one transaction so two overlapping proposals cannot both succeed.
func (h *AppointmentHandler) ProposeAppointment(w http.ResponseWriter, r *http.Request) {
	callerID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		utils.RespondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req proposeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.DepositRequired && (req.DepositAmount <= 0 || req.DepositAmount > req.Price) {
		utils.RespondError(w, http.StatusBadRequest, "Deposit amount must be positive and not exceed the price")
		return
	}

	var caller models.User
	if err := h.db.First(&caller, callerID).Error; err != nil {
		utils.RespondError(w, http.StatusUnauthorized, "Unknown caller")
		return
	}
	if !caller.IsPro() {
		utils.RespondError(w, http.StatusForbidden, "Only professionals can propose appointments")
		return
	}
	if req.ClientID == callerID {
		utils.RespondError(w, http.StatusBadRequest, "A professional cannot book themselves")
		return
	}

	var client models.User
	if err := h.db.First(&client, req.ClientID).Error; err != nil {
		utils.RespondError(w, http.StatusNotFound, "Client not found")
		return
	}

	if req.ConversationID != nil {
		var conversation models.Conversation
		if err := h.db.First(&conversation, *req.ConversationID).Error; err != nil {
			utils.RespondError(w, http.StatusNotFound, "Conversation not found")
			return
		}
	}

	dates := make([]time.Time, 0, len(req.ProposedDates))
	for _, raw := range req.ProposedDates {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			utils.RespondError(w, http.StatusBadRequest, "Invalid proposed date. Use RFC3339")
			return
		}
		dates = append(dates, parsed.UTC())
	}

	startDate := dates[0]
	endDate := startDate.Add(time.Duration(req.Duration) * time.Minute)
	currency := req.Currency
	if currency == "" {
		currency = "EUR"
	}

	appointment := models.Appointment{
		ProID:           callerID,
		ClientID:        req.ClientID,
		ConversationID:  req.ConversationID,
		Title:           req.Title,
		Notes:           req.Notes,
		StartDate:       startDate,
		EndDate:         endDate,
		Duration:        req.Duration,
		Price:           req.Price,
		Currency:        currency,
		DepositRequired: req.DepositRequired,
		DepositAmount:   req.DepositAmount,
		Status:          models.AppointmentProposed,
	}

	var history models.StatusHistory
	err = h.db.Transaction(func(tx *gorm.DB) error {
		if err := LockPro(tx, callerID); err != nil {
			return err
		}

		bookable, reason, err := availability.CheckBookable(tx, callerID, startDate, endDate)
		if err != nil {
			return err
		}
		if !bookable {
			return &conflictError{reason: reason}
		}

		if err := tx.Create(&appointment).Error; err != nil {
			return err
		}

		for _, date := range dates {
			proposed := models.ProposedDate{AppointmentID: appointment.ID, Date: date}
			if err := tx.Create(&proposed).Error; err != nil {
				return err
			}
		}

		history = models.StatusHistory{
			AppointmentID: appointment.ID,
			OldStatus:     "",
			NewStatus:     models.AppointmentProposed,
			ChangedBy:     callerID,
			Reason:        "appointment proposed",
		}
		return tx.Create(&history).Error
	})
	if err != nil {
		var conflict *conflictError
		if errors.As(err, &conflict) {
			utils.RespondError(w, http.StatusConflict, conflict.reason)
			return
		}
		utils.RespondError(w, http.StatusInternalServerError, "Error creating appointment")
		return
	}

	h.dispatcher.AppointmentTransition(&appointment, &history)

	h.db.Preload("ProposedDates").Preload("Client").First(&appointment, appointment.ID)
	utils.RespondJSON(w, http.StatusCreated, appointment)
}

type conflictError struct {
	reason string
}

func (e *conflictError) Error() string {
	return e.reason
}

// ConfirmAppointment moves PROPOSED to CONFIRMED. Only the assigned
// professional may confirm, re-confirming is an idempotent success, and a
// required deposit must be covered by completed payments first. If the
// ledger already covers the full price the appointment advances straight on
// to PAID in the same transaction.
func (h *AppointmentHandler) ConfirmAppointment(w http.ResponseWriter, r *http.Request) {
	h.transitionEndpoint(w, r, func(tx *gorm.DB, appt *models.Appointment, callerID uint) ([]*models.StatusHistory, error) {
		if callerID != appt.ProID {
			return nil, ErrForbidden
		}
		if appt.Status != models.AppointmentProposed && appt.Status != models.AppointmentConfirmed {
			return nil, ErrInvalidTransition
		}

		satisfied, err := ledger.DepositSatisfied(tx, appt)
		if err != nil {
			return nil, err
		}
		if !satisfied {
			return nil, ErrPreconditionFailed
		}

		var transitions []*models.StatusHistory
		history, err := Transition(tx, appt, models.AppointmentConfirmed, callerID, "confirmed by professional", nil)
		if err != nil {
			return nil, err
		}
		if history != nil {
			transitions = append(transitions, history)
		}

		summary, err := ledger.Reconcile(tx, appt)
		if err != nil {
			return nil, err
		}
		paidHistory, err := ApplyLedgerSuggestion(tx, appt, summary.DerivedStatus, callerID, "ledger reached full price", map[string]interface{}{
			"total_paid": summary.TotalPaid,
		})
		if err != nil {
			return nil, err
		}
		if paidHistory != nil {
			transitions = append(transitions, paidHistory)
		}
		return transitions, nil
	})
}

// CancelAppointment cancels from PROPOSED, CONFIRMED or PAID. Either party
// may cancel.
func (h *AppointmentHandler) CancelAppointment(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	json.NewDecoder(r.Body).Decode(&body)

	h.transitionEndpoint(w, r, func(tx *gorm.DB, appt *models.Appointment, callerID uint) ([]*models.StatusHistory, error) {
		if callerID != appt.ProID && callerID != appt.ClientID {
			return nil, ErrForbidden
		}
		history, err := Transition(tx, appt, models.AppointmentCancelled, callerID, body.Reason, nil)
		if err != nil {
			return nil, err
		}
		if history == nil {
			return nil, nil
		}
		return []*models.StatusHistory{history}, nil
	})
}

// StartAppointment marks the work as begun. Professional only.
func (h *AppointmentHandler) StartAppointment(w http.ResponseWriter, r *http.Request) {
	h.transitionEndpoint(w, r, func(tx *gorm.DB, appt *models.Appointment, callerID uint) ([]*models.StatusHistory, error) {
		if callerID != appt.ProID {
			return nil, ErrForbidden
		}
		history, err := Transition(tx, appt, models.AppointmentInProgress, callerID, "work started", nil)
		if err != nil {
			return nil, err
		}
		if history == nil {
			return nil, nil
		}
		return []*models.StatusHistory{history}, nil
	})
}

// CompleteAppointment marks the work as done. Professional only.
func (h *AppointmentHandler) CompleteAppointment(w http.ResponseWriter, r *http.Request) {
	h.transitionEndpoint(w, r, func(tx *gorm.DB, appt *models.Appointment, callerID uint) ([]*models.StatusHistory, error) {
		if callerID != appt.ProID {
			return nil, ErrForbidden
		}
		history, err := Transition(tx, appt, models.AppointmentCompleted, callerID, "work completed", nil)
		if err != nil {
			return nil, err
		}
		if history == nil {
			return nil, nil
		}
		return []*models.StatusHistory{history}, nil
	})
}

// transitionEndpoint is the shared shell of the four mutating endpoints:
// resolve caller and appointment, run the transition callback inside one
// locked transaction, map sentinel errors, then dispatch side effects for
// every transition that actually committed.
func (h *AppointmentHandler) transitionEndpoint(w http.ResponseWriter, r *http.Request, fn func(tx *gorm.DB, appt *models.Appointment, callerID uint) ([]*models.StatusHistory, error)) {
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
	var transitions []*models.StatusHistory
	err = h.db.Transaction(func(tx *gorm.DB) error {
		if err := LockAppointment(tx, uint(appointmentID)); err != nil {
			return err
		}
		if err := tx.First(&appt, appointmentID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		transitions, err = fn(tx, &appt, callerID)
		return err
	})
	if err != nil {
		respondTransitionError(w, err)
		return
	}

	for _, history := range transitions {
		h.dispatcher.AppointmentTransition(&appt, history)
	}

	utils.RespondJSON(w, http.StatusOK, appt)
}

func respondTransitionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		utils.RespondError(w, http.StatusNotFound, "Appointment not found")
	case errors.Is(err, ErrForbidden):
		utils.RespondError(w, http.StatusForbidden, "Not allowed for this appointment")
	case errors.Is(err, ErrInvalidTransition):
		utils.RespondError(w, http.StatusConflict, "Appointment status does not allow this action")
	case errors.Is(err, ErrPreconditionFailed):
		utils.RespondError(w, http.StatusBadRequest, "Required deposit has not been paid")
	default:
		utils.RespondError(w, http.StatusInternalServerError, "Error updating appointment")
	}
}

func (h *AppointmentHandler) GetAppointment(w http.ResponseWriter, r *http.Request) {
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

	var appointment models.Appointment
	if err := h.db.Preload("Pro").Preload("Client").Preload("ProposedDates").Preload("Payments").
		First(&appointment, appointmentID).Error; err != nil {
		utils.RespondError(w, http.StatusNotFound, "Appointment not found")
		return
	}
	if callerID != appointment.ProID && callerID != appointment.ClientID {
		utils.RespondError(w, http.StatusForbidden, "Not a party of this appointment")
		return
	}

	utils.RespondJSON(w, http.StatusOK, appointment)
}

// GetAppointmentHistory lists the append-only audit trail of one
// appointment, oldest first.
func (h *AppointmentHandler) GetAppointmentHistory(w http.ResponseWriter, r *http.Request) {
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

	var appointment models.Appointment
	if err := h.db.First(&appointment, appointmentID).Error; err != nil {
		utils.RespondError(w, http.StatusNotFound, "Appointment not found")
		return
	}
	if callerID != appointment.ProID && callerID != appointment.ClientID {
		utils.RespondError(w, http.StatusForbidden, "Not a party of this appointment")
		return
	}

	var history []models.StatusHistory
	if err := h.db.Where("appointment_id = ?", appointmentID).
		Order("created_at ASC").Find(&history).Error; err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "Error retrieving history")
		return
	}

	utils.RespondJSON(w, http.StatusOK, history)
}

func (h *AppointmentHandler) GetProAppointments(w http.ResponseWriter, r *http.Request) {
	h.listAppointments(w, r, "pro_id", "proId")
}

func (h *AppointmentHandler) GetClientAppointments(w http.ResponseWriter, r *http.Request) {
	h.listAppointments(w, r, "client_id", "clientId")
}

func (h *AppointmentHandler) listAppointments(w http.ResponseWriter, r *http.Request, column, pathVar string) {
	vars := mux.Vars(r)
	userID, err := strconv.ParseUint(vars[pathVar], 10, 64)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "Invalid user ID")
		return
	}

	callerID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		utils.RespondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if callerID != uint(userID) {
		utils.RespondError(w, http.StatusForbidden, "Appointments are only visible to their owner")
		return
	}

	query := h.db.Model(&models.Appointment{}).Where(column+" = ?", userID).
		Preload("Pro").Preload("Client")

	if status := r.URL.Query().Get("status"); status != "" {
		query = query.Where("status = ?", status)
	}
	if date := r.URL.Query().Get("date"); date != "" {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			utils.RespondError(w, http.StatusBadRequest, "Invalid date format. Use YYYY-MM-DD")
			return
		}
		query = query.Where("start_date >= ? AND start_date < ?", parsed, parsed.Add(24*time.Hour))
	}

	page, perPage := utils.ParsePaginationParams(r)

	var total int64
	query.Count(&total)

	var appointments []models.Appointment
	if err := query.Offset((page - 1) * perPage).Limit(perPage).
		Order("start_date DESC").Find(&appointments).Error; err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "Error retrieving appointments")
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"appointments": appointments,
		"pagination":   utils.NewPaginationMeta(page, perPage, total),
	})
}
