package nlu

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("dental.internal.nlu")

const extractorSystemPrompt = `You classify messages sent to a dental clinic's scheduling assistant.
Reply with one JSON object and nothing else:
{"intent": string, "confidence": number between 0 and 1, "slots": {string: string}, "entities": [{"type": string, "value": string, "confidence": number}]}
intent is one of: greeting, check_availability, book_appointment, reschedule_appointment, cancel_appointment,
list_practitioners, clinic_info, emergency, help, goodbye, fallback.
Allowed slot keys: date (YYYY-MM-DD), time (HH:MM, 24h), service_type, patient_email, patient_name, patient_phone,
practitioner_id, practitioner_name, appointment_id, time_window (morning|afternoon|evening), reason.
Resolve relative dates against the current date given below. Omit slots the user did not state.
If the message only answers a previous question, keep the current intent.`

type chatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIExtractor asks a chat model for a JSON classification.
type OpenAIExtractor struct {
	client  chatClient
	model   string
	timeout time.Duration
}

func NewOpenAIExtractor(client chatClient, model string, timeout time.Duration) *OpenAIExtractor {
	if client == nil {
		panic("nlu: chat client cannot be nil")
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &OpenAIExtractor{client: client, model: model, timeout: timeout}
}

type completionPayload struct {
	Intent     string         `json:"intent"`
	Confidence float64        `json:"confidence"`
	Slots      map[string]any `json:"slots"`
	Entities   []Entity       `json:"entities"`
}

func (e *OpenAIExtractor) Extract(ctx context.Context, text string, c Context) (*Result, error) {
	ctx, span := tracer.Start(ctx, "nlu.openai_extract")
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.client.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model:       e.model,
		Temperature: 0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: extractorSystemPrompt},
			{Role: openai.ChatMessageRoleSystem, Content: describeContext(c)},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("nlu: openai completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		err := errors.New("nlu: openai returned no choices")
		span.RecordError(err)
		return nil, err
	}

	res, err := decodeCompletion(resp.Choices[0].Message.Content)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	res.RawText = text
	span.SetAttributes(
		attribute.String("nlu.intent", string(res.Intent)),
		attribute.Float64("nlu.confidence", res.Confidence),
	)
	return res, nil
}

func decodeCompletion(content string) (*Result, error) {
	var payload completionPayload
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &payload); err != nil {
		return nil, fmt.Errorf("nlu: decode completion: %w", err)
	}
	res := &Result{
		Intent:     ParseIntent(payload.Intent),
		Confidence: clampConfidence(payload.Confidence),
		Slots:      make(map[string]string, len(payload.Slots)),
		Entities:   payload.Entities,
	}
	for k, v := range payload.Slots {
		switch val := v.(type) {
		case nil:
		case string:
			if s := strings.TrimSpace(val); s != "" {
				res.Slots[k] = s
			}
		case float64:
			res.Slots[k] = fmt.Sprintf("%g", val)
		case bool:
			res.Slots[k] = fmt.Sprintf("%t", val)
		}
		// nested objects are not slot values
	}
	return res, nil
}

func describeContext(c Context) string {
	now := c.Now
	if now.IsZero() {
		now = time.Now()
	}
	if c.Location != nil {
		now = now.In(c.Location)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Current date: %s (%s)\n", now.Format("2006-01-02 15:04"), now.Weekday())
	if c.CurrentIntent != "" {
		fmt.Fprintf(&b, "Current intent: %s\n", c.CurrentIntent)
	}
	if c.PreviousState != "" {
		fmt.Fprintf(&b, "Conversation state: %s\n", c.PreviousState)
	}
	return b.String()
}
