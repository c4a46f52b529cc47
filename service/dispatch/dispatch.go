package dispatch

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	expo "github.com/oliveroneill/exponent-server-sdk-golang/sdk"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/gomail.v2"
	"gorm.io/gorm"

	"github.com/prolinkhq/prolink-server/cmd/models"
)

// Dispatcher fans out the side effects of a committed appointment
// transition: a system message on the appointment's conversation, a push
// notification to the counter-party and a best-effort email. Side effects
// never roll back the transition; failures are logged and dropped.
type Dispatcher struct {
	db         *gorm.DB
	expoClient *expo.PushClient
	logger     zerolog.Logger
}

func New(db *gorm.DB) *Dispatcher {
	return &Dispatcher{
		db:         db,
		expoClient: expo.NewPushClient(nil),
		logger:     log.With().Str("component", "dispatch").Logger(),
	}
}

// AppointmentTransition runs after a transition has committed. A nil history
// row means the transition was an idempotent no-op and nothing is sent.
func (d *Dispatcher) AppointmentTransition(appt *models.Appointment, history *models.StatusHistory) {
	if history == nil {
		return
	}

	text := transitionMessage(appt, history)

	d.appendSystemMessage(appt, text)

	for _, userID := range d.recipients(appt, history) {
		d.notifyUser(userID, "Appointment update", text, map[string]interface{}{
			"appointment_id": appt.ID,
			"status":         appt.Status,
		})
		d.emailUser(userID, "Appointment update", text)
	}
}

func transitionMessage(appt *models.Appointment, history *models.StatusHistory) string {
	switch history.NewStatus {
	case models.AppointmentProposed:
		return fmt.Sprintf("New appointment proposed: %s", appt.Title)
	case models.AppointmentConfirmed:
		return fmt.Sprintf("Appointment %q confirmed for %s", appt.Title, appt.StartDate.Format("Mon, 02 Jan 2006 15:04"))
	case models.AppointmentPaid:
		return fmt.Sprintf("Appointment %q is fully paid", appt.Title)
	case models.AppointmentInProgress:
		return fmt.Sprintf("Appointment %q has started", appt.Title)
	case models.AppointmentCompleted:
		return fmt.Sprintf("Appointment %q is completed", appt.Title)
	case models.AppointmentCancelled:
		if history.Reason != "" {
			return fmt.Sprintf("Appointment %q was cancelled: %s", appt.Title, history.Reason)
		}
		return fmt.Sprintf("Appointment %q was cancelled", appt.Title)
	default:
		return fmt.Sprintf("Appointment %q status changed to %s", appt.Title, history.NewStatus)
	}
}

func (d *Dispatcher) recipients(appt *models.Appointment, history *models.StatusHistory) []uint {
	switch history.ChangedBy {
	case appt.ProID:
		return []uint{appt.ClientID}
	case appt.ClientID:
		return []uint{appt.ProID}
	default:
		// System/webhook driven transitions notify both parties.
		return []uint{appt.ProID, appt.ClientID}
	}
}

// appendSystemMessage writes the status change into the appointment's
// conversation, if one is linked.
func (d *Dispatcher) appendSystemMessage(appt *models.Appointment, text string) {
	if appt.ConversationID == nil {
		return
	}
	message := models.Message{
		ConversationID: *appt.ConversationID,
		Kind:           models.MessageKindSystem,
		Content:        text,
	}
	if err := d.db.Create(&message).Error; err != nil {
		d.logger.Error().Err(err).
			Uint("appointment_id", appt.ID).
			Uint("conversation_id", *appt.ConversationID).
			Msg("failed to append system message")
	}
}

// notifyUser pushes to every registered device of the user and records the
// attempt in the notification history.
func (d *Dispatcher) notifyUser(userID uint, title, body string, data map[string]interface{}) {
	var devices []models.Device
	if err := d.db.Where("user_id = ?", userID).Find(&devices).Error; err != nil {
		d.logger.Error().Err(err).Uint("user_id", userID).Msg("failed to load devices")
		return
	}

	status := "sent"
	if len(devices) > 0 {
		var tokens []expo.ExponentPushToken
		for _, device := range devices {
			token, err := expo.NewExponentPushToken(device.Token)
			if err != nil {
				continue
			}
			tokens = append(tokens, token)
		}
		if len(tokens) > 0 {
			_, err := d.expoClient.Publish(&expo.PushMessage{
				To:       tokens,
				Title:    title,
				Body:     body,
				Data:     stringifyData(data),
				Sound:    "default",
				Priority: expo.DefaultPriority,
			})
			if err != nil {
				status = "failed"
				d.logger.Error().Err(err).Uint("user_id", userID).Msg("push delivery failed")
			}
		}
	}

	raw, _ := json.Marshal(data)
	historyEntry := models.NotificationHistory{
		UserID: userID,
		Title:  title,
		Body:   body,
		Data:   string(raw),
		Status: status,
		SentAt: time.Now(),
	}
	if err := d.db.Create(&historyEntry).Error; err != nil {
		d.logger.Error().Err(err).Uint("user_id", userID).Msg("failed to record notification history")
	}
}

// emailUser sends a plain notification mail when SMTP is configured.
func (d *Dispatcher) emailUser(userID uint, subject, body string) {
	smtpHost := os.Getenv("SMTP_HOST")
	if smtpHost == "" {
		return
	}

	var user models.User
	if err := d.db.First(&user, userID).Error; err != nil {
		d.logger.Error().Err(err).Uint("user_id", userID).Msg("failed to load user for email")
		return
	}

	smtpPort, err := strconv.Atoi(os.Getenv("SMTP_PORT"))
	if err != nil {
		smtpPort = 587
	}

	m := gomail.NewMessage()
	m.SetHeader("From", os.Getenv("SMTP_FROM"))
	m.SetHeader("To", user.Email)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)

	dialer := gomail.NewDialer(smtpHost, smtpPort, os.Getenv("SMTP_USER"), os.Getenv("SMTP_PASSWORD"))
	if err := dialer.DialAndSend(m); err != nil {
		d.logger.Error().Err(err).Str("email", user.Email).Msg("email delivery failed")
	}
}

func stringifyData(data map[string]interface{}) map[string]string {
	out := make(map[string]string, len(data))
	for key, value := range data {
		out[key] = fmt.Sprintf("%v", value)
	}
	return out
}
