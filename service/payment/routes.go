package payment

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"gorm.io/gorm"

	"github.com/prolinkhq/prolink-server/cmd/models"
	"github.com/prolinkhq/prolink-server/cmd/utils"
	"github.com/prolinkhq/prolink-server/service/appointment"
	"github.com/prolinkhq/prolink-server/service/dispatch"
	"github.com/prolinkhq/prolink-server/service/ledger"
)

// Gateway is the slice of the provider API the payment endpoints need.
type Gateway interface {
	InitializeTransaction(email string, amountMinor int64, currency, reference string, metadata map[string]interface{}) (*InitializeResult, error)
	VerifyTransaction(reference string) (*VerifyResult, error)
}

type PaymentHandler struct {
	db         *gorm.DB
	gateway    Gateway
	validate   *validator.Validate
	dispatcher *dispatch.Dispatcher
}

func NewPaymentHandler(db *gorm.DB) *PaymentHandler {
	return NewPaymentHandlerWithGateway(db, NewGatewayClient())
}

func NewPaymentHandlerWithGateway(db *gorm.DB, gateway Gateway) *PaymentHandler {
	return &PaymentHandler{
		db:         db,
		gateway:    gateway,
		validate:   validator.New(),
		dispatcher: dispatch.New(db),
	}
}

func (h *PaymentHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/appointments/{id}/payments/initialize", utils.AuthMiddleware(h.InitializePayment)).Methods("POST")
	router.HandleFunc("/payments/checkout/confirm", utils.AuthMiddleware(h.ConfirmCheckout)).Methods("POST")
}

type initializePaymentRequest struct {
	Amount   float64 `json:"amount" validate:"required,gt=0"`
	Currency string  `json:"currency" validate:"omitempty,len=3"`
}

// InitializePayment registers a payment intent with the gateway and creates
// the matching local PENDING payment in a single transaction. A gateway
// failure rolls the local row back so no half-created payment survives.
func (h *PaymentHandler) InitializePayment(w http.ResponseWriter, r *http.Request) {
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

	var req initializePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	var appt models.Appointment
	if err := h.db.First(&appt, appointmentID).Error; err != nil {
		utils.RespondError(w, http.StatusNotFound, "Appointment not found")
		return
	}
	if callerID != appt.ClientID {
		utils.RespondError(w, http.StatusForbidden, "Only the client can pay for an appointment")
		return
	}
	if appt.Terminal() {
		utils.RespondError(w, http.StatusConflict, "Appointment is no longer payable")
		return
	}

	currency := req.Currency
	if currency == "" {
		currency = appt.Currency
	}

	summary, err := ledger.Reconcile(h.db, &appt)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "Error reconciling payments")
		return
	}
	if req.Amount > summary.RemainingBalance {
		utils.RespondError(w, http.StatusBadRequest, "Amount exceeds the remaining balance")
		return
	}

	var client models.User
	if err := h.db.First(&client, appt.ClientID).Error; err != nil {
		utils.RespondError(w, http.StatusNotFound, "Client not found")
		return
	}

	reference := "APT-" + strconv.FormatUint(uint64(appt.ID), 10) + "-" + uuid.New().String()

	var payment *models.Payment
	var initResult *InitializeResult
	err = h.db.Transaction(func(tx *gorm.DB) error {
		if err := appointment.LockAppointment(tx, appt.ID); err != nil {
			return err
		}

		payment, err = ledger.RecordPayment(tx, &appt, reference, req.Amount, currency, models.PaymentPending, nil)
		if err != nil {
			return err
		}

		initResult, err = h.gateway.InitializeTransaction(
			client.Email,
			int64(req.Amount*100),
			currency,
			reference,
			map[string]interface{}{
				"appointment_id":  appt.ID,
				"conversation_id": appt.ConversationID,
				"pro_id":          appt.ProID,
				"client_id":       appt.ClientID,
			},
		)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrGatewayUnavailable) {
			utils.RespondError(w, http.StatusServiceUnavailable, "Payment gateway unavailable, try again later")
			return
		}
		utils.RespondError(w, http.StatusInternalServerError, "Error initializing payment")
		return
	}

	utils.RespondJSON(w, http.StatusCreated, map[string]interface{}{
		"authorization_url": initResult.AuthorizationURL,
		"access_code":       initResult.AccessCode,
		"reference":         reference,
		"payment":           payment,
	})
}

type confirmCheckoutRequest struct {
	Reference string `json:"reference" validate:"required"`
}

// ConfirmCheckout is the synchronous fallback for clients returning from
// the gateway before the webhook lands. It verifies the session with the
// provider and then funnels through the exact same ledger/state-machine
// path the webhook uses, so replays and races converge on one outcome.
func (h *PaymentHandler) ConfirmCheckout(w http.ResponseWriter, r *http.Request) {
	var req confirmCheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	var payment models.Payment
	if err := h.db.Where("gateway_reference = ?", req.Reference).First(&payment).Error; err != nil {
		utils.RespondError(w, http.StatusNotFound, "Unknown payment reference")
		return
	}

	verified, err := h.gateway.VerifyTransaction(req.Reference)
	if err != nil {
		if errors.Is(err, ErrGatewayUnavailable) {
			utils.RespondError(w, http.StatusServiceUnavailable, "Payment gateway unavailable, try again later")
			return
		}
		utils.RespondError(w, http.StatusInternalServerError, "Error verifying payment")
		return
	}
	if verified == nil {
		utils.RespondError(w, http.StatusNotFound, "Session not found at the gateway")
		return
	}
	if verified.Status != "success" {
		utils.RespondError(w, http.StatusBadRequest, "Checkout session is not complete")
		return
	}

	var appt models.Appointment
	var history *models.StatusHistory
	err = h.db.Transaction(func(tx *gorm.DB) error {
		if err := appointment.LockAppointment(tx, payment.AppointmentID); err != nil {
			return err
		}
		if err := tx.First(&appt, payment.AppointmentID).Error; err != nil {
			return err
		}
		now := time.Now().UTC()
		_, history, err = ApplySuccessfulCharge(tx, &appt, req.Reference, verified.Amount/100, verified.Currency, now)
		return err
	})
	if err != nil {
		if errors.Is(err, ledger.ErrOverpayment) {
			utils.RespondError(w, http.StatusConflict, "Charge would exceed the appointment price")
			return
		}
		utils.RespondError(w, http.StatusInternalServerError, "Error reconciling payment")
		return
	}

	h.dispatcher.AppointmentTransition(&appt, history)

	summary, err := ledger.Reconcile(h.db, &appt)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "Error reconciling payments")
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"appointment_id":    appt.ID,
		"status":            appt.Status,
		"total_paid":        summary.TotalPaid,
		"remaining_balance": summary.RemainingBalance,
	})
}

// ApplySuccessfulCharge records a gateway-confirmed payment and lets the
// state machine act on the recomputed ledger. Both the webhook reconciler
// and the synchronous checkout fallback call this, and only this.
//
// The completed total may never exceed the price. The reference-keyed
// upsert only guards same-reference replays, so a charge under a fresh
// reference is checked against the rest of the ledger here, inside the
// appointment lock; a charge that would overshoot is refused with
// ledger.ErrOverpayment and nothing is recorded.
func ApplySuccessfulCharge(tx *gorm.DB, appt *models.Appointment, reference string, amount float64, currency string, when time.Time) (*models.Payment, *models.StatusHistory, error) {
	priorTotal, err := ledger.CompletedTotalExcluding(tx, appt.ID, reference)
	if err != nil {
		return nil, nil, err
	}
	if priorTotal+amount > appt.Price {
		return nil, nil, ledger.ErrOverpayment
	}

	payment, err := ledger.RecordPayment(tx, appt, reference, amount, currency, models.PaymentCompleted, &when)
	if err != nil {
		return nil, nil, err
	}

	summary, err := ledger.Reconcile(tx, appt)
	if err != nil {
		return nil, nil, err
	}

	history, err := appointment.ApplyLedgerSuggestion(tx, appt, summary.DerivedStatus, 0, "payment received", map[string]interface{}{
		"gateway_reference": reference,
		"total_paid":        summary.TotalPaid,
	})
	if err != nil {
		return nil, nil, err
	}

	return payment, history, nil
}
