package appointment

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

type TimeWindow string

const (
	WindowAny       TimeWindow = ""
	WindowMorning   TimeWindow = "morning"
	WindowAfternoon TimeWindow = "afternoon"
	WindowEvening   TimeWindow = "evening"
)

const (
	noon    = 12 * 60
	evening = 18 * 60
)

// clip narrows [opening, closing) to the window. ok is false when nothing is left.
func (w TimeWindow) clip(opening, closing int) (int, int, bool) {
	switch w {
	case WindowMorning:
		closing = min(closing, noon)
	case WindowAfternoon:
		opening, closing = max(opening, noon), min(closing, evening)
	case WindowEvening:
		opening = max(opening, evening)
	}
	return opening, closing, opening < closing
}

// AvailabilityInput is everything the calculator needs. Existing must be the
// active appointments of the listed practitioners for the date.
type AvailabilityInput struct {
	Date            time.Time // any instant on the target day in Location
	Location        *time.Location
	ClinicHours     BusinessHours
	Practitioners   []Practitioner
	Existing        []Appointment
	Window          TimeWindow
	SlotMinutes     int
	DurationMinutes int // slot length; defaults to SlotMinutes
	Now             time.Time
}

type AvailabilityResult struct {
	Date          string   `json:"date"`
	Timezone      string   `json:"timezone"`
	BusinessHours DayHours `json:"business_hours"`
	Slots         []Slot   `json:"slots"`
}

// ComputeAvailability enumerates free slots. It is a pure function of its
// input and is advisory only: the booking transaction re-checks conflicts.
func ComputeAvailability(in AvailabilityInput) AvailabilityResult {
	loc := in.Location
	if loc == nil {
		loc = time.UTC
	}
	day := in.Date.In(loc)
	res := AvailabilityResult{
		Date:     day.Format("2006-01-02"),
		Timezone: loc.String(),
		Slots:    []Slot{},
	}

	hours := in.ClinicHours.ForDay(day.Weekday())
	if hours == nil {
		return res
	}
	opening, closing, err := hours.minutes()
	if err != nil || opening >= closing {
		return res
	}
	res.BusinessHours = DayHours{Open: formatClock(opening), Close: formatClock(closing)}

	step := in.SlotMinutes
	if step <= 0 {
		step = 30
	}
	length := in.DurationMinutes
	if length <= 0 {
		length = step
	}

	busy := make(map[uuid.UUID][]Appointment)
	for _, a := range in.Existing {
		if a.Status.IsActive() {
			busy[a.PractitionerID] = append(busy[a.PractitionerID], a)
		}
	}

	for _, p := range in.Practitioners {
		if !p.Active {
			continue
		}
		pOpen, pClose, ok := practitionerWindow(p, day.Weekday(), opening, closing)
		if !ok {
			continue
		}
		wOpen, wClose, ok := in.Window.clip(pOpen, pClose)
		if !ok {
			continue
		}
		for m := wOpen; m+length <= wClose; m += step {
			start := time.Date(day.Year(), day.Month(), day.Day(), m/60, m%60, 0, 0, loc)
			end := start.Add(time.Duration(length) * time.Minute)
			if !end.After(in.Now) {
				continue
			}
			if intersectsAny(start, end, busy[p.ID]) {
				continue
			}
			res.Slots = append(res.Slots, Slot{
				StartTime:        start,
				EndTime:          end,
				PractitionerID:   p.ID,
				PractitionerName: p.Name,
				DurationMinutes:  length,
			})
		}
	}

	sort.SliceStable(res.Slots, func(i, j int) bool {
		return res.Slots[i].StartTime.Before(res.Slots[j].StartTime)
	})
	return res
}

// practitionerWindow intersects clinic hours with the practitioner's own
// schedule. An empty schedule follows the clinic.
func practitionerWindow(p Practitioner, weekday time.Weekday, opening, closing int) (int, int, bool) {
	if p.Schedule.IsZero() {
		return opening, closing, true
	}
	ph := p.Schedule.ForDay(weekday)
	if ph == nil {
		return 0, 0, false
	}
	pOpen, pClose, err := ph.minutes()
	if err != nil {
		return 0, 0, false
	}
	opening, closing = max(opening, pOpen), min(closing, pClose)
	return opening, closing, opening < closing
}

func intersectsAny(start, end time.Time, existing []Appointment) bool {
	for _, a := range existing {
		if overlaps(start, end, a.StartUTC, a.EndUTC) {
			return true
		}
	}
	return false
}
