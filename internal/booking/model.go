// Package booking stores bookable services, their availability windows,
// and capacity-enforced appointments.
package booking

import "time"

// AppointmentStatus is the appointment state machine.
type AppointmentStatus string

const (
	StatusPending   AppointmentStatus = "pending"
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusDone      AppointmentStatus = "done"
	StatusCanceled  AppointmentStatus = "canceled"
	StatusNoShow    AppointmentStatus = "no_show"
)

// validTransitions encodes the allowed state moves.
var validTransitions = map[AppointmentStatus][]AppointmentStatus{
	StatusPending:   {StatusConfirmed, StatusCanceled},
	StatusConfirmed: {StatusDone, StatusCanceled, StatusNoShow},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to AppointmentStatus) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Window defines either a recurring weekday or a specific date, a time
// range, a capacity, and a time zone.
type Window struct {
	ID        string     `json:"id"`
	TenantID  string     `json:"tenant_id"`
	ServiceID string     `json:"service_id"`
	Weekday   *int       `json:"weekday,omitempty"` // 0=Sunday, nil for date windows
	Date      *time.Time `json:"date,omitempty"`
	StartTime string     `json:"start_time"` // HH:MM local
	EndTime   string     `json:"end_time"`
	Capacity  int        `json:"capacity"`
	Timezone  string     `json:"timezone"`
}

// CoversDate reports whether the window applies on a given local date.
func (w Window) CoversDate(d time.Time) bool {
	if w.Date != nil {
		return w.Date.Year() == d.Year() && w.Date.YearDay() == d.YearDay()
	}
	return w.Weekday != nil && int(d.Weekday()) == *w.Weekday
}

// Appointment references a service and customer and falls in one window.
type Appointment struct {
	ID         string            `json:"id"`
	TenantID   string            `json:"tenant_id"`
	ServiceID  string            `json:"service_id"`
	CustomerID string            `json:"customer_id"`
	WindowID   string            `json:"window_id"`
	Status     AppointmentStatus `json:"status"`
	StartsAt   time.Time         `json:"starts_at"`
	CreatedAt  time.Time         `json:"created_at"`
}
