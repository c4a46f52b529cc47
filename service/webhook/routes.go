package webhook

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/prolinkhq/prolink-server/cmd/models"
	"github.com/prolinkhq/prolink-server/cmd/utils"
	"github.com/prolinkhq/prolink-server/service/appointment"
	"github.com/prolinkhq/prolink-server/service/dispatch"
	"github.com/prolinkhq/prolink-server/service/ledger"
	"github.com/prolinkhq/prolink-server/service/payment"
)

const provider = "paystack"

// Event kinds the reconciler consumes. Anything else is acknowledged and
// ignored for forward compatibility.
const (
	eventChargeSuccess   = "charge.success"
	eventChargeFailed    = "charge.failed"
	eventRefundProcessed = "refund.processed"
	eventTransferCreated = "transfer.created"
	eventPayoutPaid      = "payout.paid"
)

type WebhookHandler struct {
	db         *gorm.DB
	dispatcher *dispatch.Dispatcher
	logger     zerolog.Logger
}

func NewWebhookHandler(db *gorm.DB) *WebhookHandler {
	return &WebhookHandler{
		db:         db,
		dispatcher: dispatch.New(db),
		logger:     log.With().Str("component", "webhook").Logger(),
	}
}

func (h *WebhookHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/webhooks/gateway", h.HandleGatewayEvent).Methods("POST")
}

type eventPayload struct {
	ID    string `json:"id"`
	Event string `json:"event"`
	Data  struct {
		Reference string  `json:"reference"`
		Status    string  `json:"status"`
		Amount    float64 `json:"amount"` // minor units
		Currency  string  `json:"currency"`
		Metadata  struct {
			AppointmentID  uint  `json:"appointment_id,omitempty"`
			ConversationID *uint `json:"conversation_id,omitempty"`
			ProID          uint  `json:"pro_id,omitempty"`
			ClientID       uint  `json:"client_id,omitempty"`
		} `json:"metadata"`
	} `json:"data"`
}

// HandleGatewayEvent verifies, deduplicates and applies one gateway
// notification. Delivery is at-least-once: the event row's unique
// (provider, event id) pair short-circuits replays, and every mutation
// below it is an idempotent upsert keyed by the gateway reference.
func (h *WebhookHandler) HandleGatewayEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "Error reading request body")
		return
	}

	signature := r.Header.Get("X-Gateway-Signature")
	if !verifySignature(body, signature) {
		h.logger.Warn().Msg("rejected webhook with invalid signature")
		utils.RespondError(w, http.StatusBadRequest, "Invalid signature")
		return
	}

	var payload eventPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "Error parsing webhook payload")
		return
	}

	eventID := payload.ID
	if eventID == "" {
		// Older gateway versions omit the event id; the kind plus the
		// charge reference is the next-best dedupe key.
		eventID = payload.Event + ":" + payload.Data.Reference
	}

	var event models.WebhookEvent
	err = h.db.Where("provider = ? AND provider_event_id = ?", provider, eventID).First(&event).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		utils.RespondError(w, http.StatusInternalServerError, "Error recording event")
		return
	}
	if err == nil && event.ProcessedAt != nil {
		h.logger.Info().Str("event_id", eventID).Msg("duplicate event acknowledged")
		utils.RespondJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		event = models.WebhookEvent{
			Provider:        provider,
			ProviderEventID: eventID,
			EventType:       payload.Event,
			Payload:         string(body),
		}
		if err := h.db.Create(&event).Error; err != nil {
			// A concurrent delivery won the insert race; let the gateway
			// retry against the winner's outcome.
			utils.RespondJSON(w, http.StatusOK, map[string]bool{"received": true})
			return
		}
	}

	var appt *models.Appointment
	var history *models.StatusHistory
	err = h.db.Transaction(func(tx *gorm.DB) error {
		var txErr error
		appt, history, txErr = h.applyEvent(tx, &payload)
		if txErr != nil {
			return txErr
		}
		now := time.Now().UTC()
		return tx.Model(&event).Update("processed_at", &now).Error
	})
	if err != nil {
		if errors.Is(err, ledger.ErrOverpayment) {
			// The charge is real money at the gateway but recording it
			// would push the completed total past the price. Keep the
			// payload flagged for manual review and acknowledge, since a
			// redelivery can never succeed.
			h.logger.Warn().Str("event_id", eventID).Str("reference", payload.Data.Reference).Msg("overpaying charge flagged")
			now := time.Now().UTC()
			h.db.Model(&event).Updates(map[string]interface{}{
				"processing_error": err.Error(),
				"processed_at":     &now,
			})
			utils.RespondJSON(w, http.StatusOK, map[string]bool{"received": true})
			return
		}
		h.logger.Error().Err(err).Str("event", payload.Event).Str("event_id", eventID).Msg("event processing failed")
		h.db.Model(&event).Update("processing_error", err.Error())
		utils.RespondError(w, http.StatusInternalServerError, "Error processing event")
		return
	}

	if appt != nil {
		h.dispatcher.AppointmentTransition(appt, history)
	}

	utils.RespondJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// applyEvent routes one verified event into the ledger and state machine.
func (h *WebhookHandler) applyEvent(tx *gorm.DB, payload *eventPayload) (*models.Appointment, *models.StatusHistory, error) {
	switch payload.Event {
	case eventChargeSuccess:
		return h.applyChargeSuccess(tx, payload)

	case eventChargeFailed:
		_, err := ledger.MarkFailed(tx, payload.Data.Reference)
		if errors.Is(err, ledger.ErrPaymentNotFound) {
			// Nothing local to fail; acknowledge and move on.
			return nil, nil, nil
		}
		return nil, nil, err

	case eventRefundProcessed:
		_, err := ledger.MarkRefunded(tx, payload.Data.Reference)
		if errors.Is(err, ledger.ErrPaymentNotFound) {
			return nil, nil, nil
		}
		return nil, nil, err

	case eventTransferCreated, eventPayoutPaid:
		return nil, nil, h.recordPayout(tx, payload)

	default:
		h.logger.Info().Str("event", payload.Event).Msg("unhandled event kind acknowledged")
		return nil, nil, nil
	}
}

// applyChargeSuccess is the heart of the reconciler: find or create the
// payment behind the reference, complete it, and let the shared funnel
// advance the appointment if the ledger now covers the price.
func (h *WebhookHandler) applyChargeSuccess(tx *gorm.DB, payload *eventPayload) (*models.Appointment, *models.StatusHistory, error) {
	var existing models.Payment
	err := tx.Where("gateway_reference = ?", payload.Data.Reference).First(&existing).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, err
	}

	appointmentID := payload.Data.Metadata.AppointmentID
	if err == nil {
		appointmentID = existing.AppointmentID
	}
	if appointmentID == 0 {
		// Charge for something we do not track; acknowledge it.
		return nil, nil, nil
	}

	if err := appointment.LockAppointment(tx, appointmentID); err != nil {
		return nil, nil, err
	}

	var appt models.Appointment
	if err := tx.First(&appt, appointmentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, nil
		}
		return nil, nil, err
	}

	now := time.Now().UTC()
	currency := payload.Data.Currency
	if currency == "" {
		currency = appt.Currency
	}

	_, history, err := payment.ApplySuccessfulCharge(tx, &appt, payload.Data.Reference, payload.Data.Amount/100, currency, now)
	if err != nil {
		return nil, nil, err
	}
	return &appt, history, nil
}

// recordPayout upserts a transfer/payout ledger entry for the professional.
// Payout events never touch appointment state.
func (h *WebhookHandler) recordPayout(tx *gorm.DB, payload *eventPayload) error {
	proID := payload.Data.Metadata.ProID
	if proID == 0 {
		return nil
	}

	kind := "transfer"
	if payload.Event == eventPayoutPaid {
		kind = "payout"
	}

	var entry models.PayoutEntry
	err := tx.Where("gateway_reference = ?", payload.Data.Reference).First(&entry).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	entry = models.PayoutEntry{
		ProID:            proID,
		GatewayReference: payload.Data.Reference,
		Amount:           payload.Data.Amount / 100,
		Currency:         payload.Data.Currency,
		Kind:             kind,
	}
	return tx.Create(&entry).Error
}

func verifySignature(body []byte, signature string) bool {
	mac := hmac.New(sha512.New, []byte(os.Getenv("GATEWAY_SECRET_KEY")))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}
