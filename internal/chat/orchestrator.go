// Package chat drives scheduling conversations: it screens each message,
// asks the extractor what the user wants, collects the values an intent
// needs and calls the scheduling service once they are complete.
package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hackgods/dental-chat-scheduling/internal/appointment"
	"github.com/hackgods/dental-chat-scheduling/internal/metrics"
	"github.com/hackgods/dental-chat-scheduling/internal/nlu"
	redisclient "github.com/hackgods/dental-chat-scheduling/internal/redis"
	"github.com/hackgods/dental-chat-scheduling/internal/validation"
	"github.com/hackgods/dental-chat-scheduling/pkg/logging"
)

var tracer = otel.Tracer("dental.internal.chat")

// ErrSessionBusy is returned when another message for the same session is
// still being handled.
var ErrSessionBusy = errors.New("chat: session is busy")

const maxMessageLength = 2000

// Scheduler is the part of the scheduling service the dialogue calls.
type Scheduler interface {
	CheckAvailability(ctx context.Context, req appointment.AvailabilityRequest) (*appointment.AvailabilityResult, error)
	BookAppointment(ctx context.Context, req appointment.BookRequest) (*appointment.AppointmentDetail, error)
	RescheduleAppointment(ctx context.Context, req appointment.RescheduleRequest) (*appointment.AppointmentDetail, error)
	CancelAppointment(ctx context.Context, req appointment.CancelRequest) error
	FindPatientAppointments(ctx context.Context, tenantID, email string, statuses ...appointment.AppointmentStatus) ([]appointment.AppointmentDetail, error)
}

// Cabinet answers informational questions about a clinic.
type Cabinet interface {
	ListPractitioners(ctx context.Context, tenantID string) ([]appointment.Practitioner, error)
	ClinicInfo(ctx context.Context, tenantID string) (*appointment.ClinicInfo, error)
}

// Authorizer decides whether a user may run a mutating action in a tenant.
// Actions are "book", "reschedule" and "cancel".
type Authorizer interface {
	CanMutate(ctx context.Context, userID, tenantID, action string) (bool, error)
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, userID, tenantID, action string) (bool, error)

func (f AuthorizerFunc) CanMutate(ctx context.Context, userID, tenantID, action string) (bool, error) {
	return f(ctx, userID, tenantID, action)
}

// AuthenticatedOnly allows any identified user.
var AuthenticatedOnly = AuthorizerFunc(func(_ context.Context, userID, _, _ string) (bool, error) {
	return strings.TrimSpace(userID) != "", nil
})

type Locker interface {
	WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error
}

type Deps struct {
	Extractor nlu.Extractor
	Scheduler Scheduler
	// Cabinet defaults to Scheduler when it also implements Cabinet.
	Cabinet  Cabinet
	Sessions SessionStore
}

type Orchestrator struct {
	extractor nlu.Extractor
	scheduler Scheduler
	cabinet   Cabinet
	sessions  SessionStore
	filter    SecurityFilter
	authz     Authorizer
	locker    Locker
	logger    *logging.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
	threshold float64
	defaultTZ string
}

type Option func(*Orchestrator)

func WithLogger(l *logging.Logger) Option { return func(o *Orchestrator) { o.logger = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }
func WithSecurityFilter(f SecurityFilter) Option { return func(o *Orchestrator) { o.filter = f } }
func WithAuthorizer(a Authorizer) Option { return func(o *Orchestrator) { o.authz = a } }
func WithLocker(l Locker) Option { return func(o *Orchestrator) { o.locker = l } }
func WithDefaultTimezone(tz string) Option { return func(o *Orchestrator) { o.defaultTZ = tz } }
func WithConfidenceThreshold(t float64) Option { return func(o *Orchestrator) { o.threshold = t } }

func NewOrchestrator(deps Deps, opts ...Option) *Orchestrator {
	if deps.Extractor == nil {
		panic("chat: extractor cannot be nil")
	}
	if deps.Scheduler == nil {
		panic("chat: scheduler cannot be nil")
	}
	if deps.Sessions == nil {
		panic("chat: session store cannot be nil")
	}
	cabinet := deps.Cabinet
	if cabinet == nil {
		c, ok := deps.Scheduler.(Cabinet)
		if !ok {
			panic("chat: cabinet cannot be nil")
		}
		cabinet = c
	}
	o := &Orchestrator{
		extractor: deps.Extractor,
		scheduler: deps.Scheduler,
		cabinet:   cabinet,
		sessions:  deps.Sessions,
		filter:    NewPatternGuard(),
		authz:     AuthenticatedOnly,
		logger:    logging.Default(),
		now:       time.Now,
		threshold: 0.55,
		defaultTZ: "UTC",
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// turn carries what is known about the message being handled.
type turn struct {
	conv       *ConversationContext
	cc         ChatContext
	text       string
	intent     nlu.Intent
	confidence float64
	loc        *time.Location
	now        time.Time
}

// HandleMessage runs one conversational turn. Errors are returned only for
// malformed input or a busy session; every downstream failure becomes a
// reply with Escalate set.
func (o *Orchestrator) HandleMessage(ctx context.Context, text string, cc ChatContext) (*ChatResponse, error) {
	if fe := validation.Struct(cc); fe != nil {
		return nil, &appointment.ValidationError{Field: fe.Field, Message: fe.Message}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, &appointment.ValidationError{Field: "message", Message: "is required"}
	}
	if len(text) > maxMessageLength {
		return nil, &appointment.ValidationError{Field: "message", Message: fmt.Sprintf("must be at most %d characters", maxMessageLength)}
	}

	ctx, span := tracer.Start(ctx, "chat.handle_message", trace.WithAttributes(
		attribute.String("tenant_id", cc.TenantID),
		attribute.String("session_id", cc.SessionID),
	))
	defer span.End()

	if o.locker == nil {
		return o.handle(ctx, text, cc), nil
	}
	var resp *ChatResponse
	err := o.locker.WithLock(ctx, "chat:"+cc.SessionID, func(ctx context.Context) error {
		resp = o.handle(ctx, text, cc)
		return nil
	})
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return nil, ErrSessionBusy
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return resp, nil
}

func (o *Orchestrator) handle(ctx context.Context, text string, cc ChatContext) *ChatResponse {
	now := o.now()
	log := o.logger.With("tenant_id", cc.TenantID, "session_id", cc.SessionID)

	conv, err := o.sessions.Load(ctx, cc.SessionID)
	switch {
	case errors.Is(err, ErrSessionNotFound):
		conv = newConversation(cc, now)
	case err != nil:
		log.Error("failed to load chat session", "error", err)
		o.metrics.ObserveChatTurn("", "error")
		o.metrics.ObserveEscalation("internal_error")
		return &ChatResponse{Message: msgInternalError, Escalate: true}
	}

	if conv.TenantID != cc.TenantID {
		log.Warn("session used with another tenant", "event", "security", "session_tenant", conv.TenantID)
		return &ChatResponse{Message: msgSessionMismatch, Completed: true}
	}
	if conv.State.Terminal() {
		return &ChatResponse{Message: msgStartNew, Completed: true}
	}

	t := &turn{conv: conv, cc: cc, text: text, loc: o.location(cc), now: now}
	resp := o.process(ctx, t)

	if !conv.State.Terminal() {
		if resp.RequiresInput {
			conv.State = StateWaitingForInput
		} else {
			conv.State = StateActive
		}
	}
	conv.appendTurn(text, resp.Message, t.intent, t.confidence, now)

	if err := o.sessions.Save(ctx, conv); err != nil {
		log.Error("failed to save chat session", "error", err)
		o.metrics.ObserveChatTurn(string(t.intent), "error")
		o.metrics.ObserveEscalation("internal_error")
		return &ChatResponse{Message: msgInternalError, Escalate: true}
	}
	o.metrics.ObserveChatTurn(string(t.intent), turnOutcome(resp))
	return resp
}

func turnOutcome(resp *ChatResponse) string {
	switch {
	case resp.Escalate:
		return "escalated"
	case resp.Completed:
		return "completed"
	case resp.RequiresInput:
		return "awaiting_input"
	}
	return "ok"
}

func (o *Orchestrator) process(ctx context.Context, t *turn) *ChatResponse {
	conv := t.conv

	if o.filter.IsUnsafe(t.text) {
		o.logger.Warn("message blocked by security filter", "event", "security",
			"tenant_id", conv.TenantID, "session_id", conv.SessionID, "user_id", conv.UserID)
		return &ChatResponse{Message: msgBlocked, SuggestedReplies: blockedReplies, RequiresInput: true, InputType: InputText}
	}

	if conv.ConfirmationPending {
		switch classifyConfirmation(t.text) {
		case confirmYes:
			t.intent, t.confidence = conv.CurrentIntent, 1
			return o.commit(ctx, t)
		case confirmNo:
			conv.ConfirmationPending = false
			t.intent, t.confidence = conv.CurrentIntent, 1
			return &ChatResponse{Message: msgChangeRequested, RequiresInput: true, InputType: InputText}
		}
		// anything else goes back through slot filling
		conv.ConfirmationPending = false
	}

	if len(conv.Choices) > 0 {
		choice, ok := matchChoice(conv.Choices, t.text)
		conv.Choices = nil
		if ok {
			t.intent, t.confidence = o.applyChoice(conv, choice), 1
			return o.route(ctx, t)
		}
	}

	// option ids from the clarification menu name an intent directly
	if id := nlu.Intent(strings.ToLower(t.text)); id.Valid() && id != nlu.IntentFallback {
		t.intent, t.confidence = id, 1
		conv.CurrentIntent = id
		return o.route(ctx, t)
	}

	res, err := o.extractor.Extract(ctx, t.text, nlu.Context{
		TenantID:      conv.TenantID,
		UserID:        conv.UserID,
		PreviousState: string(conv.State),
		CurrentIntent: conv.CurrentIntent,
		Now:           t.now,
		Location:      t.loc,
	})
	if err != nil {
		return o.fail(ctx, t, fmt.Errorf("extract intent: %w", err))
	}
	t.intent, t.confidence = res.Intent, res.Confidence

	if res.Confidence < o.threshold {
		if wantsHuman(t.text) {
			return o.escalate(t, "human_requested", msgHumanRequested)
		}
		t.intent = nlu.IntentFallback
		return o.clarify(t)
	}

	o.mergeSlots(ctx, t, res)
	if t.intent != nlu.IntentFallback {
		conv.CurrentIntent = t.intent
	}
	return o.route(ctx, t)
}

func (o *Orchestrator) route(ctx context.Context, t *turn) *ChatResponse {
	if t.intent.Mutating() && !o.authorize(ctx, t) {
		return o.escalate(t, "permission_denied", msgPermissionDenied)
	}

	switch t.intent {
	case nlu.IntentGreeting:
		return o.handleGreeting(t)
	case nlu.IntentCheckAvailability:
		return o.handleAvailability(ctx, t)
	case nlu.IntentBookAppointment:
		return o.handleBook(ctx, t)
	case nlu.IntentRescheduleAppointment:
		return o.handleReschedule(ctx, t)
	case nlu.IntentCancelAppointment:
		return o.handleCancel(ctx, t)
	case nlu.IntentListPractitioners:
		return o.handleListPractitioners(ctx, t)
	case nlu.IntentClinicInfo:
		return o.handleClinicInfo(ctx, t)
	case nlu.IntentEmergency:
		return o.handleEmergency(t)
	case nlu.IntentHelp:
		return &ChatResponse{Message: msgHelp, SuggestedReplies: menuReplies}
	case nlu.IntentGoodbye:
		t.conv.State = StateCompleted
		return &ChatResponse{Message: msgGoodbye, Completed: true}
	default:
		t.intent = nlu.IntentFallback
		return o.handleFallback(t)
	}
}

// commit runs the action a confirmation was pending for.
func (o *Orchestrator) commit(ctx context.Context, t *turn) *ChatResponse {
	if !o.authorize(ctx, t) {
		t.conv.ConfirmationPending = false
		return o.escalate(t, "permission_denied", msgPermissionDenied)
	}
	switch t.intent {
	case nlu.IntentBookAppointment:
		return o.commitBooking(ctx, t)
	case nlu.IntentCancelAppointment:
		return o.commitCancel(ctx, t)
	}
	t.conv.ConfirmationPending = false
	return o.route(ctx, t)
}

func (o *Orchestrator) authorize(ctx context.Context, t *turn) bool {
	action := mutatingAction(t.intent)
	ok, err := o.authz.CanMutate(ctx, t.conv.UserID, t.conv.TenantID, action)
	if err != nil {
		o.logger.Error("authorization check failed", "tenant_id", t.conv.TenantID, "user_id", t.conv.UserID, "error", err)
		ok = false
	}
	if !ok {
		o.logger.Warn("mutating action denied", "event", "security", "action", action,
			"tenant_id", t.conv.TenantID, "session_id", t.conv.SessionID, "user_id", t.conv.UserID)
	}
	return ok
}

func mutatingAction(intent nlu.Intent) string {
	switch intent {
	case nlu.IntentBookAppointment:
		return "book"
	case nlu.IntentRescheduleAppointment:
		return "reschedule"
	case nlu.IntentCancelAppointment:
		return "cancel"
	}
	return string(intent)
}

func (o *Orchestrator) escalate(t *turn, reason, message string) *ChatResponse {
	t.conv.State = StateEscalated
	t.conv.Escalated = true
	t.conv.ConfirmationPending = false
	o.metrics.ObserveEscalation(reason)
	o.logger.Info("conversation escalated", "event", "business", "reason", reason,
		"tenant_id", t.conv.TenantID, "session_id", t.conv.SessionID)
	return &ChatResponse{Message: message, Escalate: true}
}

// fail converts a downstream error into a reply. Detail stays in the logs.
func (o *Orchestrator) fail(ctx context.Context, t *turn, err error) *ChatResponse {
	var verr *appointment.ValidationError
	switch {
	case errors.Is(err, appointment.ErrConflict):
		t.conv.ConfirmationPending = false
		t.conv.Slots.Time = ""
		return &ChatResponse{Message: msgConflict, SuggestedReplies: conflictReplies, RequiresInput: true, InputType: InputTime}
	case errors.Is(err, appointment.ErrServiceNotFound):
		t.conv.Slots.ServiceType = ""
		return o.reprompt(ctx, t, "Sorry, we don't offer that service online.")
	case errors.Is(err, appointment.ErrPractitionerNotFound):
		t.conv.Slots.PractitionerID = ""
		return o.reprompt(ctx, t, "Sorry, I couldn't find that dentist.")
	case errors.As(err, &verr) && clearSlot(&t.conv.Slots, verr.Field):
		return o.reprompt(ctx, t, "Sorry, that "+strings.ReplaceAll(verr.Field, "_", " ")+" doesn't work: "+verr.Message+".")
	case errors.Is(err, appointment.ErrNotFound):
		o.logger.Warn("chat lookup failed", "tenant_id", t.conv.TenantID, "session_id", t.conv.SessionID, "error", err)
		return o.escalate(t, "not_found", msgNotFoundEscalate)
	default:
		o.logger.Error("chat turn failed", "tenant_id", t.conv.TenantID, "session_id", t.conv.SessionID,
			"intent", t.intent, "error", err)
		return o.escalate(t, "internal_error", msgInternalError)
	}
}

// clearSlot empties the slot named by a validation error field.
func clearSlot(s *Slots, field string) bool {
	switch field {
	case "new_date":
		field = nlu.SlotDate
	case "new_time":
		field = nlu.SlotTime
	}
	if s.Get(field) == "" {
		return false
	}
	s.set(field, "")
	return true
}

func (o *Orchestrator) reprompt(ctx context.Context, t *turn, prefix string) *ChatResponse {
	t.conv.ConfirmationPending = false
	field, ok := t.conv.Slots.Missing(t.intent)
	if !ok {
		return o.escalate(t, "internal_error", msgInternalError)
	}
	resp := o.prompt(ctx, t, field)
	resp.Message = prefix + " " + resp.Message
	return resp
}

func (o *Orchestrator) clarify(t *turn) *ChatResponse {
	if t.conv.consecutiveFallbacks() >= 2 {
		return o.escalate(t, "repeated_fallback", msgTooManyFallbacks)
	}
	return &ChatResponse{
		Message:          msgClarify,
		SuggestedReplies: menuReplies,
		RequiresInput:    true,
		InputType:        InputSelect,
		Options:          clarifyOptions,
	}
}

func (o *Orchestrator) handleFallback(t *turn) *ChatResponse {
	if wantsHuman(t.text) {
		return o.escalate(t, "human_requested", msgHumanRequested)
	}
	return o.clarify(t)
}

// mergeSlots applies extracted values the current intent accepts. A dentist
// named instead of identified is looked up among the clinic's practitioners.
func (o *Orchestrator) mergeSlots(ctx context.Context, t *turn, res *nlu.Result) {
	raw := make(map[string]string, len(res.Slots))
	for k, v := range res.Slots {
		raw[k] = v
	}
	if name := raw[nlu.SlotPractitionerName]; name != "" && !validation.IsUUID(raw[nlu.SlotPractitionerID]) && accepts(t.intent, nlu.SlotPractitionerID) {
		if id, ok := o.practitionerByName(ctx, t.conv.TenantID, name); ok {
			raw[nlu.SlotPractitionerID] = id
		}
	}
	accepted, rejected := t.conv.Slots.Merge(t.intent, raw)
	if len(rejected) > 0 {
		o.logger.Debug("dropped invalid slot values", "session_id", t.conv.SessionID, "intent", t.intent,
			"accepted", accepted, "rejected", rejected)
	}
}

func (o *Orchestrator) practitionerByName(ctx context.Context, tenantID, name string) (string, bool) {
	list, err := o.cabinet.ListPractitioners(ctx, tenantID)
	if err != nil {
		o.logger.Warn("failed to list practitioners", "tenant_id", tenantID, "error", err)
		return "", false
	}
	want := strings.ToLower(strings.TrimSpace(name))
	var found string
	for _, p := range list {
		if strings.Contains(strings.ToLower(p.Name), want) {
			if found != "" {
				return "", false
			}
			found = p.ID.String()
		}
	}
	return found, found != ""
}

func (o *Orchestrator) location(cc ChatContext) *time.Location {
	for _, name := range []string{cc.Timezone, o.defaultTZ} {
		if name == "" {
			continue
		}
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	return time.UTC
}

// applyChoice copies a picked choice into the slots and returns the intent
// that should continue.
func (o *Orchestrator) applyChoice(conv *ConversationContext, c Choice) nlu.Intent {
	if c.AppointmentID != "" {
		conv.Slots.AppointmentID = c.AppointmentID
		conv.Resolved = &Resolved{ID: c.AppointmentID, Summary: c.Label}
		return conv.CurrentIntent
	}
	if c.PractitionerID != "" {
		conv.Slots.PractitionerID = c.PractitionerID
	}
	if c.Date != "" {
		conv.Slots.Date = c.Date
	}
	if c.Time != "" {
		conv.Slots.Time = c.Time
		// picking a free slot means booking it
		conv.CurrentIntent = nlu.IntentBookAppointment
	}
	return conv.CurrentIntent
}

var choiceNumberRe = regexp.MustCompile(`^(?:#|no\.?\s*|number\s+|option\s+)?(\d{1,2})[.)]?$`)

func matchChoice(choices []Choice, text string) (Choice, bool) {
	norm := strings.ToLower(strings.TrimSpace(text))
	for _, c := range choices {
		if norm == strings.ToLower(c.ID) || norm == strings.ToLower(c.Label) {
			return c, true
		}
	}
	if m := choiceNumberRe.FindStringSubmatch(norm); m != nil {
		n, _ := strconv.Atoi(m[1])
		if n >= 1 && n <= len(choices) {
			return choices[n-1], true
		}
	}
	return Choice{}, false
}

type confirmation int

const (
	confirmUnclear confirmation = iota
	confirmYes
	confirmNo
)

var (
	affirmatives = map[string]bool{
		"yes": true, "y": true, "yeah": true, "yep": true, "yup": true, "sure": true, "ok": true, "okay": true,
		"confirm": true, "confirmed": true, "correct": true, "that's right": true, "go ahead": true,
		"yes please": true, "please do": true, "do it": true, "yes confirm": true, "sounds good": true,
	}
	negatives = map[string]bool{
		"no": true, "n": true, "nope": true, "change": true, "not yet": true, "no thanks": true,
		"wait": true, "hold on": true, "no change something": true, "wrong": true,
	}
	confirmStripRe = regexp.MustCompile(`[^\p{L}\p{N}' ]+`)
)

// classifyConfirmation accepts only whole-message affirmatives or negatives,
// including the confirm/change option ids.
func classifyConfirmation(text string) confirmation {
	norm := strings.ToLower(confirmStripRe.ReplaceAllString(text, " "))
	norm = strings.Join(strings.Fields(norm), " ")
	switch {
	case affirmatives[norm]:
		return confirmYes
	case negatives[norm]:
		return confirmNo
	}
	return confirmUnclear
}

var humanRe = regexp.MustCompile(`(?i)\b(human|real person|live agent|operator|receptionist|representative|someone at the (clinic|office)|talk to (a |an )?(person|agent|someone)|speak (to|with) (a |an )?(person|agent|someone|staff))\b`)

func wantsHuman(text string) bool {
	return humanRe.MatchString(text)
}
