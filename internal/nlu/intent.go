// Package nlu turns a user message into an intent, a confidence score and
// raw slot values. The dialogue layer decides what to do with them.
package nlu

import (
	"context"
	"strings"
	"time"
)

type Intent string

const (
	IntentGreeting              Intent = "greeting"
	IntentCheckAvailability     Intent = "check_availability"
	IntentBookAppointment       Intent = "book_appointment"
	IntentRescheduleAppointment Intent = "reschedule_appointment"
	IntentCancelAppointment     Intent = "cancel_appointment"
	IntentListPractitioners     Intent = "list_practitioners"
	IntentClinicInfo            Intent = "clinic_info"
	IntentEmergency             Intent = "emergency"
	IntentHelp                  Intent = "help"
	IntentGoodbye               Intent = "goodbye"
	IntentFallback              Intent = "fallback"
)

// Intents lists the closed set in a stable order.
var Intents = []Intent{
	IntentGreeting, IntentCheckAvailability, IntentBookAppointment, IntentRescheduleAppointment,
	IntentCancelAppointment, IntentListPractitioners, IntentClinicInfo, IntentEmergency,
	IntentHelp, IntentGoodbye, IntentFallback,
}

func (i Intent) Valid() bool {
	for _, v := range Intents {
		if i == v {
			return true
		}
	}
	return false
}

// Mutating reports whether handling the intent can write appointments.
func (i Intent) Mutating() bool {
	switch i {
	case IntentBookAppointment, IntentRescheduleAppointment, IntentCancelAppointment:
		return true
	}
	return false
}

// ParseIntent maps free-form labels onto the closed set. Anything unknown is
// a fallback.
func ParseIntent(s string) Intent {
	i := Intent(strings.ToLower(strings.TrimSpace(s)))
	if i.Valid() {
		return i
	}
	return IntentFallback
}

// Slot keys understood by the dialogue layer.
const (
	SlotDate             = "date"
	SlotTime             = "time"
	SlotServiceType      = "service_type"
	SlotPatientEmail     = "patient_email"
	SlotPatientName      = "patient_name"
	SlotPatientPhone     = "patient_phone"
	SlotPractitionerID   = "practitioner_id"
	SlotPractitionerName = "practitioner_name"
	SlotAppointmentID    = "appointment_id"
	SlotTimeWindow       = "time_window"
	SlotReason           = "reason"
)

type Entity struct {
	Type       string  `json:"type"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// Context is what the extractor may know about the conversation so far.
type Context struct {
	TenantID      string
	UserID        string
	PreviousState string
	CurrentIntent Intent
	Now           time.Time
	Location      *time.Location
}

type Result struct {
	Intent     Intent            `json:"intent"`
	Confidence float64           `json:"confidence"`
	Slots      map[string]string `json:"slots"`
	Entities   []Entity          `json:"entities"`
	RawText    string            `json:"raw_text"`
}

type Extractor interface {
	Extract(ctx context.Context, text string, c Context) (*Result, error)
}

func clampConfidence(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}
