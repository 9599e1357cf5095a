package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/dental-chat-scheduling/pkg/logging"
)

type recordingSender struct {
	sent []EmailMessage
	err  error
}

func (s *recordingSender) Send(_ context.Context, msg EmailMessage) error {
	s.sent = append(s.sent, msg)
	return s.err
}

func TestRenderVariants(t *testing.T) {
	job := sampleJob(KindConfirmation)
	job.Payload.Timezone = "America/New_York"

	subject, body := Render(job)
	assert.Equal(t, "Your appointment is confirmed", subject)
	assert.Contains(t, body, "Hello Ana,")
	assert.Contains(t, body, "cleaning appointment with Dr. Patel")
	assert.Contains(t, body, "Monday, January 15, 2024 at 14:00 EST")
	assert.Contains(t, body, "Appointment reference: "+job.Payload.AppointmentID.String())

	job.Payload.Rescheduled = true
	subject, body = Render(job)
	assert.Equal(t, "Your appointment has been rescheduled", subject)
	assert.Contains(t, body, "has been moved to")

	job.Kind = KindReminder
	subject, _ = Render(job)
	assert.Equal(t, "Reminder: upcoming dental appointment", subject)

	job.Kind = KindCancellation
	job.Payload.Reason = "patient request"
	subject, body = Render(job)
	assert.Equal(t, "Your appointment has been cancelled", subject)
	assert.Contains(t, body, "Reason: patient request")
}

func TestRenderWithoutNameOrTimezone(t *testing.T) {
	job := sampleJob(KindReminder)
	job.Payload.PatientName = ""
	job.Payload.Timezone = ""
	job.Payload.ServiceType = "root_canal"

	_, body := Render(job)
	assert.Contains(t, body, "Hello,\n")
	assert.Contains(t, body, "root canal appointment")
	assert.Contains(t, body, "at 14:00 UTC")
}

func TestEmailDeliverySendsRenderedMessage(t *testing.T) {
	sender := &recordingSender{}
	d := NewEmailDelivery(sender)
	job := sampleJob(KindConfirmation)

	require.NoError(t, d.Deliver(context.Background(), job))
	require.Len(t, sender.sent, 1)
	msg := sender.sent[0]
	assert.Equal(t, "ana@example.com", msg.To)
	assert.Equal(t, "Ana", msg.ToName)
	assert.Equal(t, "Your appointment is confirmed", msg.Subject)
}

func TestEmailDeliveryWithoutRecipientIsPermanent(t *testing.T) {
	sender := &recordingSender{}
	job := sampleJob(KindReminder)
	job.Payload.PatientEmail = ""

	err := NewEmailDelivery(sender).Deliver(context.Background(), job)
	assert.ErrorIs(t, err, ErrPermanent)
	assert.Empty(t, sender.sent)
}

func TestEmailDeliveryPropagatesSenderError(t *testing.T) {
	boom := errors.New("relay down")
	err := NewEmailDelivery(&recordingSender{err: boom}).Deliver(context.Background(), sampleJob(KindReminder))
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrPermanent)
}

func TestNewSendGridSenderNeedsKey(t *testing.T) {
	assert.Nil(t, NewSendGridSender(SendGridConfig{}, logging.Discard()))
	s := NewSendGridSender(SendGridConfig{APIKey: "SG.test", FromEmail: "clinic@example.com"}, logging.Discard())
	require.NotNil(t, s)
	assert.Equal(t, "Dental Scheduling", s.fromName)
}

func TestBuildSMTPMessageHeaders(t *testing.T) {
	m := buildSMTPMessage("clinic@example.com", EmailMessage{To: "ana@example.com", ToName: "Ana", Subject: "Hi", Body: "body"})
	assert.Equal(t, []string{"clinic@example.com"}, m.GetHeader("From"))
	assert.Equal(t, []string{`"Ana" <ana@example.com>`}, m.GetHeader("To"))
	assert.Equal(t, []string{"Hi"}, m.GetHeader("Subject"))

	m = buildSMTPMessage("clinic@example.com", EmailMessage{To: "bo@example.com"})
	assert.Equal(t, []string{"bo@example.com"}, m.GetHeader("To"))
}

func TestSMTPSenderHonoursContext(t *testing.T) {
	// nothing listens on port 1, the send either fails fast or hits the deadline
	s := NewSMTPSender(SMTPConfig{Host: "127.0.0.1", Port: 1, From: "clinic@example.com", Timeout: 200 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := s.Send(ctx, EmailMessage{To: "ana@example.com", Subject: "x", Body: "y"})
	assert.Error(t, err)
}

func TestLogDeliveryNeverFails(t *testing.T) {
	job := sampleJob(KindCancellation)
	job.ID = uuid.New()
	assert.NoError(t, NewLogDelivery(logging.Discard()).Deliver(context.Background(), job))
}
