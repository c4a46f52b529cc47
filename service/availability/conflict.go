package availability

import (
	"errors"
	"fmt"
	"time"

	"github.com/prolinkhq/prolink-server/cmd/models"
	"gorm.io/gorm"
)

// Defaults for the read-side slot projection.
const (
	DefaultHorizonDays  = 30
	DefaultDayStartHour = 9
	DefaultDayEndHour   = 18
)

// Overlaps reports whether the half-open intervals [aStart, aEnd) and
// [bStart, bEnd) intersect. Catches partial, containing and contained
// overlaps with a single symmetric test.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

// DayOf truncates t to midnight UTC, the key availability records are stored
// under.
func DayOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// SlotTime resolves an "HH:MM" slot boundary against its date.
func SlotTime(date time.Time, hhmm string) (time.Time, error) {
	parsed, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid slot time %q: %w", hhmm, err)
	}
	day := DayOf(date)
	return day.Add(time.Duration(parsed.Hour())*time.Hour + time.Duration(parsed.Minute())*time.Minute), nil
}

// CheckBookable decides whether [start, end) can be booked for the
// professional: the covering date must be configured open, the range must
// fall inside an available time slot, and no active appointment may overlap
// it. The returned reason is empty when the range is bookable.
func CheckBookable(tx *gorm.DB, proID uint, start, end time.Time) (bool, string, error) {
	if !end.After(start) {
		return false, "end must be after start", nil
	}

	var avail models.Availability
	err := tx.Preload("TimeSlots").
		Where("pro_id = ? AND date = ?", proID, DayOf(start)).
		First(&avail).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, "no availability configured for this date", nil
	}
	if err != nil {
		return false, "", err
	}
	if !avail.IsAvailable {
		return false, "professional is not available on this date", nil
	}

	within := false
	for _, slot := range avail.TimeSlots {
		if !slot.Available {
			continue
		}
		slotStart, err := SlotTime(avail.Date, slot.StartTime)
		if err != nil {
			return false, "", err
		}
		slotEnd, err := SlotTime(avail.Date, slot.EndTime)
		if err != nil {
			return false, "", err
		}
		if !start.Before(slotStart) && !end.After(slotEnd) {
			within = true
			break
		}
	}
	if !within {
		return false, "requested range is outside the professional's open slots", nil
	}

	var overlapping int64
	err = tx.Model(&models.Appointment{}).
		Where("pro_id = ? AND status IN ? AND start_date < ? AND end_date > ?",
			proID, models.ActiveAppointmentStatuses, end, start).
		Count(&overlapping).Error
	if err != nil {
		return false, "", err
	}
	if overlapping > 0 {
		return false, "slot no longer available", nil
	}

	return true, "", nil
}

// HourSlot is one entry of the per-hour availability projection.
type HourSlot struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Available bool   `json:"available"`
}

// projectHours evaluates one preloaded availability record against the
// appointments already booked on it, applying the same rules CheckBookable
// enforces, without touching the database.
func projectHours(avail *models.Availability, appts []models.Appointment) ([]HourSlot, error) {
	day := DayOf(avail.Date)

	slots := make([]HourSlot, 0, DefaultDayEndHour-DefaultDayStartHour)
	for hour := DefaultDayStartHour; hour < DefaultDayEndHour; hour++ {
		start := day.Add(time.Duration(hour) * time.Hour)
		end := start.Add(time.Hour)

		bookable := avail.IsAvailable
		if bookable {
			within := false
			for _, slot := range avail.TimeSlots {
				if !slot.Available {
					continue
				}
				slotStart, err := SlotTime(avail.Date, slot.StartTime)
				if err != nil {
					return nil, err
				}
				slotEnd, err := SlotTime(avail.Date, slot.EndTime)
				if err != nil {
					return nil, err
				}
				if !start.Before(slotStart) && !end.After(slotEnd) {
					within = true
					break
				}
			}
			bookable = within
		}
		if bookable {
			for _, appt := range appts {
				if Overlaps(start, end, appt.StartDate, appt.EndDate) {
					bookable = false
					break
				}
			}
		}

		slots = append(slots, HourSlot{
			StartTime: start.Format("15:04"),
			EndTime:   end.Format("15:04"),
			Available: bookable,
		})
	}
	return slots, nil
}

// ProjectDaySlots returns hour-granular availability for one date, applying
// the same rule CheckBookable enforces. A date without an availability
// record projects to an empty set.
func ProjectDaySlots(tx *gorm.DB, proID uint, date time.Time) ([]HourSlot, error) {
	day := DayOf(date)

	var avail models.Availability
	err := tx.Preload("TimeSlots").
		Where("pro_id = ? AND date = ?", proID, day).
		First(&avail).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return []HourSlot{}, nil
	}
	if err != nil {
		return nil, err
	}

	var appts []models.Appointment
	err = tx.Where("pro_id = ? AND status IN ? AND start_date < ? AND end_date > ?",
		proID, models.ActiveAppointmentStatuses, day.AddDate(0, 0, 1), day).
		Find(&appts).Error
	if err != nil {
		return nil, err
	}

	return projectHours(&avail, appts)
}

// ProjectAvailableDates lists the dates within the horizon that still have
// at least one bookable hour slot. The whole horizon is loaded in two
// queries and evaluated in memory rather than queried day by day.
func ProjectAvailableDates(tx *gorm.DB, proID uint, from time.Time, horizonDays int) ([]string, error) {
	if horizonDays <= 0 {
		horizonDays = DefaultHorizonDays
	}
	first := DayOf(from)
	limit := first.AddDate(0, 0, horizonDays)

	var avails []models.Availability
	err := tx.Preload("TimeSlots").
		Where("pro_id = ? AND date >= ? AND date < ?", proID, first, limit).
		Find(&avails).Error
	if err != nil {
		return nil, err
	}
	if len(avails) == 0 {
		return []string{}, nil
	}

	var appts []models.Appointment
	err = tx.Where("pro_id = ? AND status IN ? AND start_date < ? AND end_date > ?",
		proID, models.ActiveAppointmentStatuses, limit, first).
		Find(&appts).Error
	if err != nil {
		return nil, err
	}

	byDay := make(map[time.Time]*models.Availability, len(avails))
	for i := range avails {
		byDay[DayOf(avails[i].Date)] = &avails[i]
	}
	apptsByDay := make(map[time.Time][]models.Appointment)
	for _, appt := range appts {
		for d := DayOf(appt.StartDate); d.Before(appt.EndDate); d = d.AddDate(0, 0, 1) {
			apptsByDay[d] = append(apptsByDay[d], appt)
		}
	}

	dates := []string{}
	for day := first; day.Before(limit); day = day.AddDate(0, 0, 1) {
		avail, ok := byDay[day]
		if !ok {
			continue
		}
		slots, err := projectHours(avail, apptsByDay[day])
		if err != nil {
			return nil, err
		}
		for _, slot := range slots {
			if slot.Available {
				dates = append(dates, day.Format("2006-01-02"))
				break
			}
		}
	}
	return dates, nil
}
