package notifications

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	expo "github.com/oliveroneill/exponent-server-sdk-golang/sdk"
	"gorm.io/gorm"

	"github.com/prolinkhq/prolink-server/cmd/models"
	"github.com/prolinkhq/prolink-server/cmd/utils"
)

// NotificationHandler owns device registration and the notification
// history read side. Actual delivery happens in the side-effect
// dispatcher; this service only manages the targets it delivers to.
type NotificationHandler struct {
	db *gorm.DB
}

func NewNotificationHandler(db *gorm.DB) *NotificationHandler {
	return &NotificationHandler{db: db}
}

func (h *NotificationHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/devices", utils.AuthMiddleware(h.RegisterDevice)).Methods("POST")
	router.HandleFunc("/devices/{id}", utils.AuthMiddleware(h.DeleteDevice)).Methods("DELETE")
	router.HandleFunc("/users/{userId}/devices", utils.AuthMiddleware(h.GetUserDevices)).Methods("GET")
	router.HandleFunc("/users/{userId}/notifications", utils.AuthMiddleware(h.GetUserNotificationHistory)).Methods("GET")
}

// RegisterDevice registers a push target for the calling user. Re-posting
// the same token updates the existing registration.
func (h *NotificationHandler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	callerID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		utils.RespondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var device models.Device
	if err := json.NewDecoder(r.Body).Decode(&device); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	device.UserID = callerID

	if device.Token == "" {
		utils.RespondError(w, http.StatusBadRequest, "Token is required")
		return
	}
	if _, err := expo.NewExponentPushToken(device.Token); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "Invalid Expo push token format")
		return
	}

	var existing models.Device
	result := h.db.Where("token = ? AND user_id = ?", device.Token, device.UserID).First(&existing)
	if result.Error == nil {
		existing.UpdatedAt = time.Now()
		existing.DeviceType = device.DeviceType
		existing.DeviceName = device.DeviceName
		if err := h.db.Save(&existing).Error; err != nil {
			utils.RespondError(w, http.StatusInternalServerError, "Error updating device")
			return
		}
		device = existing
	} else {
		if err := h.db.Create(&device).Error; err != nil {
			utils.RespondError(w, http.StatusInternalServerError, "Error creating device")
			return
		}
	}

	utils.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Device registered successfully",
		"device":  device,
	})
}

func (h *NotificationHandler) GetUserDevices(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	userID, err := strconv.ParseUint(vars["userId"], 10, 64)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "Invalid user ID")
		return
	}

	callerID, err := utils.GetUserIDFromContext(r)
	if err != nil || callerID != uint(userID) {
		utils.RespondError(w, http.StatusForbidden, "Devices are only visible to their owner")
		return
	}

	var devices []models.Device
	if err := h.db.Where("user_id = ?", userID).Find(&devices).Error; err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "Error retrieving devices")
		return
	}

	utils.RespondJSON(w, http.StatusOK, devices)
}

func (h *NotificationHandler) GetUserNotificationHistory(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	userID, err := strconv.ParseUint(vars["userId"], 10, 64)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "Invalid user ID")
		return
	}

	callerID, err := utils.GetUserIDFromContext(r)
	if err != nil || callerID != uint(userID) {
		utils.RespondError(w, http.StatusForbidden, "Notifications are only visible to their owner")
		return
	}

	page, perPage := utils.ParsePaginationParams(r)

	query := h.db.Model(&models.NotificationHistory{}).Where("user_id = ?", userID)

	var total int64
	query.Count(&total)

	var history []models.NotificationHistory
	if err := query.Offset((page - 1) * perPage).Limit(perPage).
		Order("sent_at DESC").Find(&history).Error; err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "Error retrieving notifications")
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": history,
		"pagination":    utils.NewPaginationMeta(page, perPage, total),
	})
}

func (h *NotificationHandler) DeleteDevice(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	deviceID, err := strconv.ParseUint(vars["id"], 10, 64)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "Invalid device ID")
		return
	}

	callerID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		utils.RespondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	result := h.db.Where("id = ? AND user_id = ?", deviceID, callerID).Delete(&models.Device{})
	if result.Error != nil {
		utils.RespondError(w, http.StatusInternalServerError, "Error deleting device")
		return
	}
	if result.RowsAffected == 0 {
		utils.RespondError(w, http.StatusNotFound, "Device not found")
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]string{
		"message": "Device deleted successfully",
	})
}
