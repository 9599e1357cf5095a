package chat

import (
	"time"

	"github.com/hackgods/dental-chat-scheduling/internal/nlu"
)

// ChatContext identifies who is talking, to which clinic, in which session.
type ChatContext struct {
	TenantID  string `json:"tenant_id" validate:"required"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id" validate:"required"`
	Timezone  string `json:"timezone" validate:"omitempty,timezone"`
}

type InputType string

const (
	InputText         InputType = "text"
	InputDate         InputType = "date"
	InputTime         InputType = "time"
	InputSelect       InputType = "select"
	InputConfirmation InputType = "confirmation"
)

// ReplyOption is one selectable answer offered with a response.
type ReplyOption struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

type ChatResponse struct {
	Message          string        `json:"message"`
	SuggestedReplies []string      `json:"suggested_replies,omitempty"`
	RequiresInput    bool          `json:"requires_input,omitempty"`
	InputType        InputType     `json:"input_type,omitempty"`
	Options          []ReplyOption `json:"options,omitempty"`
	Completed        bool          `json:"completed,omitempty"`
	Escalate         bool          `json:"escalate,omitempty"`
	Data             any           `json:"data,omitempty"`
}

type State string

const (
	StateActive          State = "active"
	StateWaitingForInput State = "waiting_for_input"
	StateCompleted       State = "completed"
	StateEscalated       State = "escalated"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateEscalated
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one history entry. Assistant entries carry the intent and
// confidence of the turn that produced them.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Intent     nlu.Intent `json:"intent,omitempty"`
	Confidence float64    `json:"confidence,omitempty"`
	At         time.Time  `json:"at"`
}

// Choice is a pending selection offered to the user: either one of the
// patient's appointments or a free slot.
type Choice struct {
	ID             string `json:"id"`
	Label          string `json:"label"`
	AppointmentID  string `json:"appointment_id,omitempty"`
	PractitionerID string `json:"practitioner_id,omitempty"`
	Date           string `json:"date,omitempty"`
	Time           string `json:"time,omitempty"`
}

// Resolved remembers the appointment an email lookup settled on, so the
// confirmation can describe it. Only valid while ID matches Slots.AppointmentID.
type Resolved struct {
	ID      string `json:"id"`
	Summary string `json:"summary"`
}

// ConversationContext is the persisted per-session state.
type ConversationContext struct {
	SessionID           string     `json:"session_id"`
	TenantID            string     `json:"tenant_id"`
	UserID              string     `json:"user_id"`
	State               State      `json:"state"`
	CurrentIntent       nlu.Intent `json:"current_intent,omitempty"`
	Slots               Slots      `json:"slots"`
	ConfirmationPending bool       `json:"confirmation_pending"`
	Choices             []Choice   `json:"choices,omitempty"`
	Resolved            *Resolved  `json:"resolved,omitempty"`
	Escalated           bool       `json:"escalated,omitempty"`
	History             []Message  `json:"history"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// maxHistory bounds the persisted history; fallback counting only needs the
// most recent turns.
const maxHistory = 50

func newConversation(cc ChatContext, now time.Time) *ConversationContext {
	return &ConversationContext{
		SessionID: cc.SessionID,
		TenantID:  cc.TenantID,
		UserID:    cc.UserID,
		State:     StateActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (c *ConversationContext) appendTurn(user string, reply string, intent nlu.Intent, confidence float64, now time.Time) {
	c.History = append(c.History,
		Message{Role: RoleUser, Content: user, At: now},
		Message{Role: RoleAssistant, Content: reply, Intent: intent, Confidence: confidence, At: now},
	)
	if len(c.History) > maxHistory {
		c.History = append([]Message(nil), c.History[len(c.History)-maxHistory:]...)
	}
	c.UpdatedAt = now
}

// consecutiveFallbacks counts fallback-tagged assistant replies at the tail
// of the history.
func (c *ConversationContext) consecutiveFallbacks() int {
	n := 0
	for i := len(c.History) - 1; i >= 0; i-- {
		m := c.History[i]
		if m.Role != RoleAssistant {
			continue
		}
		if m.Intent != nlu.IntentFallback {
			break
		}
		n++
	}
	return n
}
