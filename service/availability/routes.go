package availability

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prolinkhq/prolink-server/cmd/models"
	"github.com/prolinkhq/prolink-server/cmd/utils"
	"gorm.io/gorm"
)

type AvailabilityHandler struct {
	db       *gorm.DB
	validate *validator.Validate
}

func NewAvailabilityHandler(db *gorm.DB) *AvailabilityHandler {
	return &AvailabilityHandler{db: db, validate: validator.New()}
}

func (h *AvailabilityHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/pros/{proId}/availability", utils.AuthMiddleware(h.SetAvailability)).Methods("PUT")
	router.HandleFunc("/pros/{proId}/availability", h.GetAvailabilities).Methods("GET")
	router.HandleFunc("/pros/{proId}/availability/dates", h.GetAvailableDates).Methods("GET")
	router.HandleFunc("/pros/{proId}/availability/slots/{date}", h.GetDaySlots).Methods("GET")
}

type timeSlotRequest struct {
	StartTime string `json:"start_time" validate:"required,len=5"`
	EndTime   string `json:"end_time" validate:"required,len=5"`
	Available bool   `json:"available"`
}

type setAvailabilityRequest struct {
	Date        string            `json:"date" validate:"required"`
	IsAvailable bool              `json:"is_available"`
	TimeSlots   []timeSlotRequest `json:"time_slots" validate:"dive"`
}

// SetAvailability upserts the professional's configuration for one date.
// At most one availability record exists per (pro, date); repeated calls
// replace the day's slots.
func (h *AvailabilityHandler) SetAvailability(w http.ResponseWriter, r *http.Request) {
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
		utils.RespondError(w, http.StatusForbidden, "Only the professional can edit their availability")
		return
	}

	var req setAvailabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	date, err := time.Parse("2006-01-02", req.Date)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "Invalid date format. Use YYYY-MM-DD")
		return
	}

	for _, slot := range req.TimeSlots {
		slotStart, err := SlotTime(date, slot.StartTime)
		if err != nil {
			utils.RespondError(w, http.StatusBadRequest, err.Error())
			return
		}
		slotEnd, err := SlotTime(date, slot.EndTime)
		if err != nil {
			utils.RespondError(w, http.StatusBadRequest, err.Error())
			return
		}
		if !slotEnd.After(slotStart) {
			utils.RespondError(w, http.StatusBadRequest, "Slot end time must be after start time")
			return
		}
	}

	var availability models.Availability
	err = h.db.Transaction(func(tx *gorm.DB) error {
		result := tx.Where("pro_id = ? AND date = ?", proID, DayOf(date)).First(&availability)
		if result.Error != nil && result.Error != gorm.ErrRecordNotFound {
			return result.Error
		}

		if result.Error == gorm.ErrRecordNotFound {
			availability = models.Availability{
				ProID:       uint(proID),
				Date:        DayOf(date),
				IsAvailable: req.IsAvailable,
			}
			if err := tx.Create(&availability).Error; err != nil {
				return err
			}
		} else {
			availability.IsAvailable = req.IsAvailable
			if err := tx.Save(&availability).Error; err != nil {
				return err
			}
			if err := tx.Where("availability_id = ?", availability.ID).
				Delete(&models.TimeSlot{}).Error; err != nil {
				return err
			}
		}

		for _, slot := range req.TimeSlots {
			ts := models.TimeSlot{
				AvailabilityID: availability.ID,
				StartTime:      slot.StartTime,
				EndTime:        slot.EndTime,
				Available:      slot.Available,
			}
			if err := tx.Create(&ts).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "Error saving availability")
		return
	}

	h.db.Preload("TimeSlots").First(&availability, availability.ID)
	utils.RespondJSON(w, http.StatusOK, availability)
}

func (h *AvailabilityHandler) GetAvailabilities(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	proID, err := strconv.ParseUint(vars["proId"], 10, 64)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "Invalid professional ID")
		return
	}

	query := h.db.Model(&models.Availability{}).Where("pro_id = ?", proID).Preload("TimeSlots")

	if startDate := r.URL.Query().Get("start_date"); startDate != "" {
		query = query.Where("date >= ?", startDate)
	}
	if endDate := r.URL.Query().Get("end_date"); endDate != "" {
		query = query.Where("date <= ?", endDate)
	}

	var availabilities []models.Availability
	if err := query.Order("date ASC").Find(&availabilities).Error; err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "Error retrieving availabilities")
		return
	}

	utils.RespondJSON(w, http.StatusOK, availabilities)
}

// GetAvailableDates lists the dates within the horizon that still have at
// least one bookable slot. Defaults to 30 days starting today.
func (h *AvailabilityHandler) GetAvailableDates(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	proID, err := strconv.ParseUint(vars["proId"], 10, 64)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "Invalid professional ID")
		return
	}

	from := time.Now().UTC()
	if fromStr := r.URL.Query().Get("from"); fromStr != "" {
		from, err = time.Parse("2006-01-02", fromStr)
		if err != nil {
			utils.RespondError(w, http.StatusBadRequest, "Invalid from date. Use YYYY-MM-DD")
			return
		}
	}

	horizon := DefaultHorizonDays
	if days := r.URL.Query().Get("days"); days != "" {
		horizon, err = strconv.Atoi(days)
		if err != nil || horizon < 1 || horizon > 365 {
			utils.RespondError(w, http.StatusBadRequest, "Invalid days parameter")
			return
		}
	}

	dates, err := ProjectAvailableDates(h.db, uint(proID), from, horizon)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "Error computing availability")
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"pro_id": proID,
		"dates":  dates,
	})
}

// GetDaySlots returns the per-hour availability projection for one date.
func (h *AvailabilityHandler) GetDaySlots(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	proID, err := strconv.ParseUint(vars["proId"], 10, 64)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "Invalid professional ID")
		return
	}

	date, err := time.Parse("2006-01-02", vars["date"])
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "Invalid date format. Use YYYY-MM-DD")
		return
	}

	slots, err := ProjectDaySlots(h.db, uint(proID), date)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "Error computing availability")
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"pro_id": proID,
		"date":   date.Format("2006-01-02"),
		"slots":  slots,
	})
}
