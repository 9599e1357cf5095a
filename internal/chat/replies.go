package chat

import (
	"github.com/hackgods/dental-chat-scheduling/internal/nlu"
)

const (
	msgBlocked          = "I can help with booking, changing or cancelling dental appointments and with questions about the clinic. What would you like to do?"
	msgStartNew         = "This conversation has ended. Please start a new conversation if you need anything else."
	msgInternalError    = "Sorry, something went wrong on our side. I'm connecting you with a member of our team."
	msgPermissionDenied = "I'm not able to make changes to appointments for this account. A member of our team will follow up with you."
	msgHumanRequested   = "Of course. I'm connecting you with a member of our team now."
	msgEmergency        = "If this is a dental emergency, please call the clinic right away, or your local emergency number if you have severe bleeding, swelling or trouble breathing. I've alerted our team so someone can help you immediately."
	msgHelp             = "I can check free appointment times, book, reschedule or cancel an appointment, list our dentists, and share clinic hours and contact details. Just tell me what you need."
	msgGoodbye          = "Thanks for chatting with us. Take care of that smile!"
	msgClarify          = "Sorry, I didn't quite get that. Here is what I can help with:"
	msgTooManyFallbacks = "I'm having trouble understanding. Let me connect you with a member of our team."
	msgNotFoundEscalate = "I couldn't find an active appointment matching those details. I'm passing this to our team so they can help."
	msgConflict         = "Sorry, that time is no longer available. Would you like to see other free slots?"
	msgChangeRequested  = "No problem. What would you like to change?"
	msgNoSlots          = "There are no free slots for that day. Would you like to try another day or time of day?"
	msgSessionMismatch  = "This conversation belongs to another clinic. Please start a new conversation."
)

var (
	menuReplies     = []string{"Book an appointment", "Check availability", "Reschedule", "Cancel an appointment", "Clinic hours"}
	blockedReplies  = []string{"Book an appointment", "Check availability", "Talk to a person"}
	conflictReplies = []string{"See other slots", "Try another day", "Talk to a person"}
	noSlotReplies   = []string{"Tomorrow", "Next week", "Morning", "Afternoon"}
	confirmOptions  = []ReplyOption{{ID: "confirm", Label: "Yes, confirm"}, {ID: "change", Label: "No, change something"}}
)

// clarifyOptions are the most common intents offered when the message was
// not understood.
var clarifyOptions = []ReplyOption{
	{ID: string(nlu.IntentBookAppointment), Label: "Book an appointment"},
	{ID: string(nlu.IntentCheckAvailability), Label: "Check availability"},
	{ID: string(nlu.IntentRescheduleAppointment), Label: "Reschedule an appointment"},
	{ID: string(nlu.IntentCancelAppointment), Label: "Cancel an appointment"},
	{ID: string(nlu.IntentClinicInfo), Label: "Clinic information"},
}

type slotPrompt struct {
	text  string
	input InputType
}

var defaultPrompts = map[string]slotPrompt{
	nlu.SlotDate:           {"What date would you like? (YYYY-MM-DD)", InputDate},
	nlu.SlotTime:           {"What time works for you? (HH:MM)", InputTime},
	nlu.SlotServiceType:    {"What kind of visit do you need, for example a cleaning, checkup or filling?", InputText},
	nlu.SlotPatientEmail:   {"What email address should we use for the appointment?", InputText},
	nlu.SlotPractitionerID: {"Which dentist would you like to see?", InputSelect},
	nlu.SlotAppointmentID:  {"Which appointment is this about? You can share the appointment ID or the email you booked with.", InputText},
}

// intentPrompts override defaultPrompts where the wording depends on the
// intent.
var intentPrompts = map[nlu.Intent]map[string]slotPrompt{
	nlu.IntentCheckAvailability: {
		nlu.SlotDate:        {"Which day should I check? (YYYY-MM-DD)", InputDate},
		nlu.SlotServiceType: {"What kind of visit should I check availability for?", InputText},
	},
	nlu.IntentRescheduleAppointment: {
		nlu.SlotDate: {"What new date would you like? (YYYY-MM-DD)", InputDate},
		nlu.SlotTime: {"What new time would you like? (HH:MM)", InputTime},
	},
	nlu.IntentCancelAppointment: {
		nlu.SlotAppointmentID: {"Which appointment would you like to cancel? Share the appointment ID or the email you booked with.", InputText},
	},
}

func promptFor(intent nlu.Intent, field string) slotPrompt {
	if p, ok := intentPrompts[intent][field]; ok {
		return p
	}
	return defaultPrompts[field]
}
