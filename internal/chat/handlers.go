package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hackgods/dental-chat-scheduling/internal/appointment"
	"github.com/hackgods/dental-chat-scheduling/internal/nlu"
)

const maxOfferedSlots = 5

func (o *Orchestrator) prompt(ctx context.Context, t *turn, field string) *ChatResponse {
	p := promptFor(t.intent, field)
	resp := &ChatResponse{Message: p.text, RequiresInput: true, InputType: p.input}
	if field != nlu.SlotPractitionerID {
		return resp
	}
	list, err := o.cabinet.ListPractitioners(ctx, t.conv.TenantID)
	if err != nil || len(list) == 0 {
		resp.InputType = InputText
		return resp
	}
	choices := make([]Choice, 0, len(list))
	for _, p := range list {
		id := p.ID.String()
		resp.Options = append(resp.Options, ReplyOption{ID: id, Label: p.Name})
		choices = append(choices, Choice{ID: id, Label: p.Name, PractitionerID: id})
	}
	t.conv.Choices = choices
	return resp
}

func (o *Orchestrator) handleGreeting(t *turn) *ChatResponse {
	hour := t.now.In(t.loc).Hour()
	salutation := "Good evening"
	switch {
	case hour < 12:
		salutation = "Good morning"
	case hour < 18:
		salutation = "Good afternoon"
	}
	return &ChatResponse{
		Message:          salutation + "! I'm the clinic's scheduling assistant. How can I help you today?",
		SuggestedReplies: menuReplies,
	}
}

func (o *Orchestrator) handleAvailability(ctx context.Context, t *turn) *ChatResponse {
	s := t.conv.Slots
	if field, ok := s.Missing(t.intent); ok {
		return o.prompt(ctx, t, field)
	}
	res, err := o.scheduler.CheckAvailability(ctx, appointment.AvailabilityRequest{
		TenantID:       t.conv.TenantID,
		Date:           s.Date,
		ServiceType:    s.ServiceType,
		PractitionerID: s.PractitionerID,
		TimeWindow:     s.TimeWindow,
		Timezone:       t.cc.Timezone,
	})
	if err != nil {
		return o.fail(ctx, t, err)
	}
	if len(res.Slots) == 0 {
		return &ChatResponse{Message: msgNoSlots, SuggestedReplies: noSlotReplies, RequiresInput: true, InputType: InputText, Data: res}
	}

	names := o.practitionerNames(ctx, t.conv.TenantID)
	offered := res.Slots
	if len(offered) > maxOfferedSlots {
		offered = offered[:maxOfferedSlots]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Here are the first free times on %s:", displayDate(s.Date))
	choices := make([]Choice, 0, len(offered))
	options := make([]ReplyOption, 0, len(offered))
	for i, slot := range offered {
		clock := slot.StartTime.Format("15:04")
		label := clock
		if name := names[slot.PractitionerID.String()]; name != "" {
			label += " with " + name
		}
		fmt.Fprintf(&b, "\n%d. %s", i+1, label)
		id := fmt.Sprintf("slot-%d", i+1)
		choices = append(choices, Choice{
			ID:             id,
			Label:          label,
			PractitionerID: slot.PractitionerID.String(),
			Date:           slot.StartTime.Format("2006-01-02"),
			Time:           clock,
		})
		options = append(options, ReplyOption{ID: id, Label: label})
	}
	b.WriteString("\nReply with a number to book one of them.")
	t.conv.Choices = choices
	return &ChatResponse{Message: b.String(), RequiresInput: true, InputType: InputSelect, Options: options, Data: res}
}

func (o *Orchestrator) handleBook(ctx context.Context, t *turn) *ChatResponse {
	s := t.conv.Slots
	if field, ok := s.Missing(t.intent); ok {
		return o.prompt(ctx, t, field)
	}
	who := o.practitionerNames(ctx, t.conv.TenantID)[s.PractitionerID]
	if who == "" {
		who = "your dentist"
	}
	t.conv.ConfirmationPending = true
	return &ChatResponse{
		Message: fmt.Sprintf("Please confirm: %s with %s on %s at %s, booked for %s. Shall I book it?",
			serviceLabel(s.ServiceType), who, displayDate(s.Date), s.Time, s.PatientEmail),
		RequiresInput: true,
		InputType:     InputConfirmation,
		Options:       confirmOptions,
		Data:          s,
	}
}

func (o *Orchestrator) commitBooking(ctx context.Context, t *turn) *ChatResponse {
	s := t.conv.Slots
	if _, ok := s.Missing(t.intent); ok {
		t.conv.ConfirmationPending = false
		return o.handleBook(ctx, t)
	}
	detail, err := o.scheduler.BookAppointment(ctx, appointment.BookRequest{
		TenantID:       t.conv.TenantID,
		PatientEmail:   s.PatientEmail,
		PatientName:    s.PatientName,
		PatientPhone:   s.PatientPhone,
		PractitionerID: s.PractitionerID,
		ServiceType:    s.ServiceType,
		Date:           s.Date,
		Time:           s.Time,
		Timezone:       t.cc.Timezone,
		BookedBy:       actor(t.conv),
	})
	t.conv.ConfirmationPending = false
	if err != nil {
		var cerr *appointment.ConflictError
		if errors.As(err, &cerr) {
			t.conv.Slots.Time = ""
			return &ChatResponse{Message: msgConflict, SuggestedReplies: conflictReplies, RequiresInput: true, InputType: InputTime, Data: cerr.Conflicts}
		}
		return o.fail(ctx, t, err)
	}
	t.conv.State = StateCompleted
	o.logger.Info("appointment booked via chat", "event", "business", "tenant_id", t.conv.TenantID,
		"session_id", t.conv.SessionID, "appointment_id", detail.ID)
	return &ChatResponse{
		Message: fmt.Sprintf("You're booked for %s with %s on %s at %s. Your appointment ID is %s. A confirmation email is on its way.",
			serviceLabel(detail.ServiceType), detail.PractitionerName, displayDate(s.Date), s.Time, detail.ID),
		Completed: true,
		Data:      detail,
	}
}

// resolveAppointment fills AppointmentID from the patient's email when it is
// not known yet. A non-nil response means the turn ends there.
func (o *Orchestrator) resolveAppointment(ctx context.Context, t *turn) *ChatResponse {
	s := &t.conv.Slots
	if s.AppointmentID != "" || s.PatientEmail == "" {
		return nil
	}
	appts, err := o.scheduler.FindPatientAppointments(ctx, t.conv.TenantID, s.PatientEmail, appointment.CancellableStatuses...)
	if err != nil {
		return o.fail(ctx, t, err)
	}
	switch len(appts) {
	case 0:
		s.PatientEmail = ""
		return o.escalate(t, "not_found", msgNotFoundEscalate)
	case 1:
		s.AppointmentID = appts[0].ID.String()
		t.conv.Resolved = &Resolved{ID: s.AppointmentID, Summary: appointmentSummary(appts[0])}
		return nil
	}

	var b strings.Builder
	b.WriteString("I found several upcoming appointments. Which one do you mean?")
	choices := make([]Choice, 0, len(appts))
	options := make([]ReplyOption, 0, len(appts))
	for i, a := range appts {
		label := appointmentSummary(a)
		fmt.Fprintf(&b, "\n%d. %s", i+1, label)
		id := a.ID.String()
		choices = append(choices, Choice{ID: id, Label: label, AppointmentID: id})
		options = append(options, ReplyOption{ID: id, Label: label})
	}
	t.conv.Choices = choices
	return &ChatResponse{Message: b.String(), RequiresInput: true, InputType: InputSelect, Options: options}
}

func (o *Orchestrator) handleReschedule(ctx context.Context, t *turn) *ChatResponse {
	if resp := o.resolveAppointment(ctx, t); resp != nil {
		return resp
	}
	s := t.conv.Slots
	if field, ok := s.Missing(t.intent); ok {
		return o.prompt(ctx, t, field)
	}
	detail, err := o.scheduler.RescheduleAppointment(ctx, appointment.RescheduleRequest{
		TenantID:      t.conv.TenantID,
		AppointmentID: s.AppointmentID,
		NewDate:       s.Date,
		NewTime:       s.Time,
		Timezone:      t.cc.Timezone,
		RescheduledBy: actor(t.conv),
	})
	if err != nil {
		var cerr *appointment.ConflictError
		if errors.As(err, &cerr) {
			t.conv.Slots.Time = ""
			return &ChatResponse{Message: msgConflict, SuggestedReplies: conflictReplies, RequiresInput: true, InputType: InputTime, Data: cerr.Conflicts}
		}
		if errors.Is(err, appointment.ErrAppointmentNotFound) {
			return o.escalate(t, "not_found", msgNotFoundEscalate)
		}
		return o.fail(ctx, t, err)
	}
	t.conv.State = StateCompleted
	o.logger.Info("appointment rescheduled via chat", "event", "business", "tenant_id", t.conv.TenantID,
		"session_id", t.conv.SessionID, "appointment_id", detail.ID)
	return &ChatResponse{
		Message:   fmt.Sprintf("Done! Your appointment is now on %s at %s with %s.", displayDate(s.Date), s.Time, detail.PractitionerName),
		Completed: true,
		Data:      detail,
	}
}

func (o *Orchestrator) handleCancel(ctx context.Context, t *turn) *ChatResponse {
	if resp := o.resolveAppointment(ctx, t); resp != nil {
		return resp
	}
	s := t.conv.Slots
	if field, ok := s.Missing(t.intent); ok {
		return o.prompt(ctx, t, field)
	}
	what := "appointment " + s.AppointmentID
	if r := t.conv.Resolved; r != nil && r.ID == s.AppointmentID {
		what = r.Summary
	}
	t.conv.ConfirmationPending = true
	return &ChatResponse{
		Message:       fmt.Sprintf("Please confirm that you want to cancel %s.", what),
		RequiresInput: true,
		InputType:     InputConfirmation,
		Options:       confirmOptions,
	}
}

func (o *Orchestrator) commitCancel(ctx context.Context, t *turn) *ChatResponse {
	s := t.conv.Slots
	t.conv.ConfirmationPending = false
	if s.AppointmentID == "" {
		return o.handleCancel(ctx, t)
	}
	err := o.scheduler.CancelAppointment(ctx, appointment.CancelRequest{
		TenantID:      t.conv.TenantID,
		AppointmentID: s.AppointmentID,
		Reason:        s.Reason,
		CancelledBy:   actor(t.conv),
	})
	if err != nil {
		if errors.Is(err, appointment.ErrNotFound) {
			return o.escalate(t, "not_found", msgNotFoundEscalate)
		}
		return o.fail(ctx, t, err)
	}
	t.conv.State = StateCompleted
	o.logger.Info("appointment cancelled via chat", "event", "business", "tenant_id", t.conv.TenantID,
		"session_id", t.conv.SessionID, "appointment_id", s.AppointmentID)
	return &ChatResponse{Message: "Your appointment has been cancelled. We hope to see you again soon.", Completed: true}
}

func (o *Orchestrator) handleListPractitioners(ctx context.Context, t *turn) *ChatResponse {
	list, err := o.cabinet.ListPractitioners(ctx, t.conv.TenantID)
	if err != nil {
		return o.fail(ctx, t, err)
	}
	if len(list) == 0 {
		return &ChatResponse{Message: "I don't have our team list available right now. Please call the clinic for details.", SuggestedReplies: menuReplies}
	}
	var b strings.Builder
	b.WriteString("Our dentists:")
	for _, p := range list {
		b.WriteString("\n- " + p.Name)
		if p.Specialization != "" {
			b.WriteString(" (" + p.Specialization + ")")
		}
	}
	return &ChatResponse{Message: b.String(), SuggestedReplies: menuReplies, Data: list}
}

func (o *Orchestrator) handleClinicInfo(ctx context.Context, t *turn) *ChatResponse {
	info, err := o.cabinet.ClinicInfo(ctx, t.conv.TenantID)
	if errors.Is(err, appointment.ErrClinicNotConfigured) {
		return &ChatResponse{Message: "I don't have the clinic details yet. Please call the clinic directly.", SuggestedReplies: menuReplies}
	}
	if err != nil {
		return o.fail(ctx, t, err)
	}
	var b strings.Builder
	b.WriteString(info.Name)
	if info.Address != "" {
		b.WriteString("\nAddress: " + info.Address)
	}
	if info.Phone != "" {
		b.WriteString("\nPhone: " + info.Phone)
	}
	if info.Email != "" {
		b.WriteString("\nEmail: " + info.Email)
	}
	b.WriteString("\nOpening hours:")
	for _, d := range []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday, time.Sunday} {
		h := info.BusinessHours.ForDay(d)
		if h == nil {
			fmt.Fprintf(&b, "\n%s: closed", d)
			continue
		}
		fmt.Fprintf(&b, "\n%s: %s-%s", d, h.Open, h.Close)
	}
	return &ChatResponse{Message: b.String(), SuggestedReplies: menuReplies, Data: info}
}

func (o *Orchestrator) handleEmergency(t *turn) *ChatResponse {
	o.logger.Warn("dental emergency reported", "event", "business", "tenant_id", t.conv.TenantID,
		"session_id", t.conv.SessionID, "user_id", t.conv.UserID)
	o.metrics.ObserveEscalation("emergency")
	t.conv.State = StateCompleted
	t.conv.Escalated = true
	t.conv.ConfirmationPending = false
	return &ChatResponse{Message: msgEmergency, Escalate: true, Completed: true}
}

// practitionerNames maps practitioner ids to display names. Lookup failures
// yield an empty map; names are cosmetic.
func (o *Orchestrator) practitionerNames(ctx context.Context, tenantID string) map[string]string {
	names := make(map[string]string)
	list, err := o.cabinet.ListPractitioners(ctx, tenantID)
	if err != nil {
		o.logger.Warn("failed to list practitioners", "tenant_id", tenantID, "error", err)
		return names
	}
	for _, p := range list {
		names[p.ID.String()] = p.Name
	}
	return names
}

func actor(conv *ConversationContext) string {
	if conv.UserID == "" {
		return "chat"
	}
	return "chat:" + conv.UserID
}

func displayDate(ymd string) string {
	d, err := time.Parse("2006-01-02", ymd)
	if err != nil {
		return ymd
	}
	return d.Format("Mon, Jan 2")
}

func appointmentSummary(a appointment.AppointmentDetail) string {
	return fmt.Sprintf("%s on %s at %s with %s", serviceLabel(a.ServiceType),
		a.ScheduledAt.Format("Mon, Jan 2"), a.ScheduledAt.Format("15:04"), a.PractitionerName)
}

func serviceLabel(serviceType string) string {
	label := strings.ReplaceAll(serviceType, "_", " ")
	if label == "" {
		return "an appointment"
	}
	switch label[0] {
	case 'a', 'e', 'i', 'o', 'u':
		return "an " + label
	}
	return "a " + label
}
