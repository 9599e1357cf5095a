package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"gopkg.in/gomail.v2"

	"github.com/hackgods/dental-chat-scheduling/pkg/logging"
)

// EmailSender sends one message. Implementations can be swapped without
// changing the delivery.
type EmailSender interface {
	Send(ctx context.Context, msg EmailMessage) error
}

type EmailMessage struct {
	To      string
	ToName  string
	Subject string
	Body    string
}

// SendGridSender sends through the SendGrid v3 API.
type SendGridSender struct {
	client    *sendgrid.Client
	fromEmail string
	fromName  string
	logger    *logging.Logger
}

type SendGridConfig struct {
	APIKey    string
	FromEmail string
	FromName  string
}

// NewSendGridSender returns nil when no API key is configured.
func NewSendGridSender(cfg SendGridConfig, logger *logging.Logger) *SendGridSender {
	if cfg.APIKey == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.FromName == "" {
		cfg.FromName = "Dental Scheduling"
	}
	return &SendGridSender{
		client:    sendgrid.NewSendClient(cfg.APIKey),
		fromEmail: cfg.FromEmail,
		fromName:  cfg.FromName,
		logger:    logger,
	}
}

func (s *SendGridSender) Send(ctx context.Context, msg EmailMessage) error {
	from := mail.NewEmail(s.fromName, s.fromEmail)
	to := mail.NewEmail(msg.ToName, msg.To)
	message := mail.NewV3MailInit(from, msg.Subject, to, mail.NewContent("text/plain", msg.Body))

	response, err := s.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("notify: sendgrid send failed: %w", err)
	}
	switch {
	case response.StatusCode >= 500 || response.StatusCode == 429:
		return fmt.Errorf("notify: sendgrid returned status %d", response.StatusCode)
	case response.StatusCode >= 400:
		s.logger.Error("sendgrid rejected message", "status", response.StatusCode, "body", response.Body)
		return fmt.Errorf("%w: sendgrid returned status %d", ErrPermanent, response.StatusCode)
	}
	s.logger.Info("email sent via sendgrid", "subject", msg.Subject, "status", response.StatusCode)
	return nil
}

// SMTPSender sends through an SMTP relay.
type SMTPSender struct {
	dialer  *gomail.Dialer
	from    string
	timeout time.Duration
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &SMTPSender{
		dialer:  gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:    cfg.From,
		timeout: cfg.Timeout,
	}
}

func buildSMTPMessage(from string, msg EmailMessage) *gomail.Message {
	m := gomail.NewMessage()
	m.SetHeader("From", from)
	if msg.ToName != "" {
		m.SetAddressHeader("To", msg.To, msg.ToName)
	} else {
		m.SetHeader("To", msg.To)
	}
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Body)
	return m
}

// Send dials per message. gomail has no context support, so the send runs
// in a goroutine bounded by ctx and the configured timeout.
func (s *SMTPSender) Send(ctx context.Context, msg EmailMessage) error {
	m := buildSMTPMessage(s.from, msg)

	done := make(chan error, 1)
	go func() { done <- s.dialer.DialAndSend(m) }()

	wait := s.timeout
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d > 0 && d < wait {
			wait = d
		}
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("notify: smtp send failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return context.DeadlineExceeded
	}
}

// StubEmailSender logs instead of sending.
type StubEmailSender struct {
	logger *logging.Logger
}

func NewStubEmailSender(logger *logging.Logger) *StubEmailSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &StubEmailSender{logger: logger}
}

func (s *StubEmailSender) Send(_ context.Context, msg EmailMessage) error {
	s.logger.Info("stub email sender: would send email", "subject", msg.Subject)
	return nil
}

// EmailDelivery renders jobs as plain-text emails.
type EmailDelivery struct {
	sender EmailSender
}

func NewEmailDelivery(sender EmailSender) *EmailDelivery {
	if sender == nil {
		panic("notify: email sender cannot be nil")
	}
	return &EmailDelivery{sender: sender}
}

func (d *EmailDelivery) Deliver(ctx context.Context, job Job) error {
	if job.Payload.PatientEmail == "" {
		return fmt.Errorf("%w: job %s has no recipient", ErrPermanent, job.ID)
	}
	subject, body := Render(job)
	return d.sender.Send(ctx, EmailMessage{
		To:      job.Payload.PatientEmail,
		ToName:  job.Payload.PatientName,
		Subject: subject,
		Body:    body,
	})
}

// Render builds the subject and plain-text body for a job. Times are shown
// in the appointment's own timezone.
func Render(job Job) (subject, body string) {
	n := job.Payload
	when := n.ScheduledAt
	if loc, err := time.LoadLocation(n.Timezone); err == nil && n.Timezone != "" {
		when = time.Date(when.Year(), when.Month(), when.Day(), when.Hour(), when.Minute(), 0, 0, loc)
	}
	whenText := when.Format("Monday, January 2, 2006 at 15:04 MST")
	service := strings.ReplaceAll(n.ServiceType, "_", " ")
	if service == "" {
		service = "dental"
	}
	greeting := "Hello,"
	if n.PatientName != "" {
		greeting = fmt.Sprintf("Hello %s,", n.PatientName)
	}

	var b strings.Builder
	b.WriteString(greeting + "\n\n")
	switch job.Kind {
	case KindConfirmation:
		if n.Rescheduled {
			subject = "Your appointment has been rescheduled"
			fmt.Fprintf(&b, "Your %s appointment with %s has been moved to %s.\n", service, n.PractitionerName, whenText)
		} else {
			subject = "Your appointment is confirmed"
			fmt.Fprintf(&b, "Your %s appointment with %s is booked for %s.\n", service, n.PractitionerName, whenText)
		}
	case KindReminder:
		subject = "Reminder: upcoming dental appointment"
		fmt.Fprintf(&b, "This is a reminder of your %s appointment with %s on %s.\n", service, n.PractitionerName, whenText)
	case KindCancellation:
		subject = "Your appointment has been cancelled"
		fmt.Fprintf(&b, "Your %s appointment with %s on %s has been cancelled.\n", service, n.PractitionerName, whenText)
		if n.Reason != "" {
			fmt.Fprintf(&b, "Reason: %s\n", n.Reason)
		}
	default:
		subject = "Update about your appointment"
		fmt.Fprintf(&b, "There is an update about your appointment on %s.\n", whenText)
	}
	fmt.Fprintf(&b, "\nAppointment reference: %s\n", n.AppointmentID)
	b.WriteString("\nIf you need to make changes, just reply in the chat or call the clinic.\n")
	return subject, b.String()
}

// LogDelivery only logs jobs. Used when no transport is configured.
type LogDelivery struct {
	logger *logging.Logger
}

func NewLogDelivery(logger *logging.Logger) *LogDelivery {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogDelivery{logger: logger}
}

func (d *LogDelivery) Deliver(_ context.Context, job Job) error {
	subject, _ := Render(job)
	d.logger.Info("notification", "job_id", job.ID, "kind", job.Kind, "tenant_id", job.TenantID,
		"appointment_id", job.Payload.AppointmentID, "subject", subject)
	return nil
}
