package chat

import (
	"regexp"
	"strings"

	"github.com/hackgods/dental-chat-scheduling/internal/nlu"
	"github.com/hackgods/dental-chat-scheduling/internal/validation"
)

// Slots is the closed set of values a conversation can collect. Each intent
// accepts only the fields listed in intentFields.
type Slots struct {
	Date           string `json:"date,omitempty"`
	Time           string `json:"time,omitempty"`
	ServiceType    string `json:"service_type,omitempty"`
	PatientEmail   string `json:"patient_email,omitempty"`
	PatientName    string `json:"patient_name,omitempty"`
	PatientPhone   string `json:"patient_phone,omitempty"`
	PractitionerID string `json:"practitioner_id,omitempty"`
	AppointmentID  string `json:"appointment_id,omitempty"`
	TimeWindow     string `json:"time_window,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

var intentFields = map[nlu.Intent][]string{
	nlu.IntentCheckAvailability: {nlu.SlotDate, nlu.SlotServiceType, nlu.SlotPractitionerID, nlu.SlotTimeWindow},
	nlu.IntentBookAppointment: {nlu.SlotDate, nlu.SlotTime, nlu.SlotServiceType, nlu.SlotPatientEmail,
		nlu.SlotPatientName, nlu.SlotPatientPhone, nlu.SlotPractitionerID},
	nlu.IntentRescheduleAppointment: {nlu.SlotAppointmentID, nlu.SlotPatientEmail, nlu.SlotDate, nlu.SlotTime},
	nlu.IntentCancelAppointment:     {nlu.SlotAppointmentID, nlu.SlotPatientEmail, nlu.SlotReason},
}

// requiredFields per intent, checked in promptOrder.
var requiredFields = map[nlu.Intent][]string{
	nlu.IntentCheckAvailability:     {nlu.SlotDate, nlu.SlotServiceType},
	nlu.IntentBookAppointment:       {nlu.SlotPatientEmail, nlu.SlotPractitionerID, nlu.SlotServiceType, nlu.SlotDate, nlu.SlotTime},
	nlu.IntentRescheduleAppointment: {nlu.SlotAppointmentID, nlu.SlotDate, nlu.SlotTime},
	nlu.IntentCancelAppointment:     {nlu.SlotAppointmentID},
}

var promptOrder = []string{
	nlu.SlotDate, nlu.SlotTime, nlu.SlotServiceType, nlu.SlotPatientEmail, nlu.SlotPractitionerID, nlu.SlotAppointmentID,
}

var (
	serviceTypeRe = regexp.MustCompile(`^[\p{L}][\p{L} _\-]{0,63}$`)
	phoneCharsRe  = regexp.MustCompile(`^\+?[\d\s\-().]{7,32}$`)
)

func accepts(intent nlu.Intent, field string) bool {
	for _, f := range intentFields[intent] {
		if f == field {
			return true
		}
	}
	return false
}

// Merge copies the values intent accepts from raw, replacing existing ones.
// Values that fail validation are skipped and reported as rejected.
func (s *Slots) Merge(intent nlu.Intent, raw map[string]string) (accepted, rejected []string) {
	for _, field := range intentFields[intent] {
		v, ok := raw[field]
		if !ok {
			continue
		}
		norm, valid := normalizeSlot(field, v)
		if !valid {
			rejected = append(rejected, field)
			continue
		}
		s.set(field, norm)
		accepted = append(accepted, field)
	}
	return accepted, rejected
}

func normalizeSlot(field, v string) (string, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", false
	}
	switch field {
	case nlu.SlotDate:
		return v, validation.IsDate(v)
	case nlu.SlotTime:
		return v, validation.IsTime(v)
	case nlu.SlotPatientEmail:
		v = strings.ToLower(v)
		return v, validation.IsEmail(v)
	case nlu.SlotPractitionerID, nlu.SlotAppointmentID:
		v = strings.ToLower(v)
		return v, validation.IsUUID(v)
	case nlu.SlotTimeWindow:
		v = strings.ToLower(v)
		return v, v == "morning" || v == "afternoon" || v == "evening"
	case nlu.SlotServiceType:
		v = strings.ToLower(v)
		return v, serviceTypeRe.MatchString(v)
	case nlu.SlotPatientPhone:
		return v, phoneCharsRe.MatchString(v)
	case nlu.SlotPatientName:
		return v, len(v) <= 100
	case nlu.SlotReason:
		return v, len(v) <= 500
	}
	return "", false
}

func (s *Slots) set(field, v string) {
	switch field {
	case nlu.SlotDate:
		s.Date = v
	case nlu.SlotTime:
		s.Time = v
	case nlu.SlotServiceType:
		s.ServiceType = v
	case nlu.SlotPatientEmail:
		s.PatientEmail = v
	case nlu.SlotPatientName:
		s.PatientName = v
	case nlu.SlotPatientPhone:
		s.PatientPhone = v
	case nlu.SlotPractitionerID:
		s.PractitionerID = v
	case nlu.SlotAppointmentID:
		s.AppointmentID = v
	case nlu.SlotTimeWindow:
		s.TimeWindow = v
	case nlu.SlotReason:
		s.Reason = v
	}
}

func (s Slots) Get(field string) string {
	switch field {
	case nlu.SlotDate:
		return s.Date
	case nlu.SlotTime:
		return s.Time
	case nlu.SlotServiceType:
		return s.ServiceType
	case nlu.SlotPatientEmail:
		return s.PatientEmail
	case nlu.SlotPatientName:
		return s.PatientName
	case nlu.SlotPatientPhone:
		return s.PatientPhone
	case nlu.SlotPractitionerID:
		return s.PractitionerID
	case nlu.SlotAppointmentID:
		return s.AppointmentID
	case nlu.SlotTimeWindow:
		return s.TimeWindow
	case nlu.SlotReason:
		return s.Reason
	}
	return ""
}

// Missing returns the first required field of intent that is still empty,
// in prompt priority order.
func (s Slots) Missing(intent nlu.Intent) (string, bool) {
	req := requiredFields[intent]
	for _, field := range promptOrder {
		for _, r := range req {
			if r == field && s.Get(field) == "" {
				return field, true
			}
		}
	}
	return "", false
}
