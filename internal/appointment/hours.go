package appointment

import (
	"fmt"
	"time"
)

// DayHours represents the opening hours for a single day in 24h "HH:MM".
type DayHours struct {
	Open  string `json:"open"`
	Close string `json:"close"`
}

// BusinessHours maps weekdays to their hours. A nil day is closed.
type BusinessHours struct {
	Monday    *DayHours `json:"monday,omitempty"`
	Tuesday   *DayHours `json:"tuesday,omitempty"`
	Wednesday *DayHours `json:"wednesday,omitempty"`
	Thursday  *DayHours `json:"thursday,omitempty"`
	Friday    *DayHours `json:"friday,omitempty"`
	Saturday  *DayHours `json:"saturday,omitempty"`
	Sunday    *DayHours `json:"sunday,omitempty"`
}

func (b BusinessHours) ForDay(weekday time.Weekday) *DayHours {
	switch weekday {
	case time.Monday:
		return b.Monday
	case time.Tuesday:
		return b.Tuesday
	case time.Wednesday:
		return b.Wednesday
	case time.Thursday:
		return b.Thursday
	case time.Friday:
		return b.Friday
	case time.Saturday:
		return b.Saturday
	case time.Sunday:
		return b.Sunday
	}
	return nil
}

// IsZero reports whether no day has hours configured.
func (b BusinessHours) IsZero() bool {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if b.ForDay(d) != nil {
			return false
		}
	}
	return true
}

// minutes returns opening/closing as minutes after midnight.
func (d DayHours) minutes() (opening, closing int, err error) {
	if opening, err = clockMinutes(d.Open); err != nil {
		return 0, 0, err
	}
	if closing, err = clockMinutes(d.Close); err != nil {
		return 0, 0, err
	}
	return opening, closing, nil
}

func clockMinutes(hhmm string) (int, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q", hhmm)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func formatClock(minutes int) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}
