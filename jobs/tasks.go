package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/smtp"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/provisio-io/provisio/internal/jobs"
)

const (
	// QueueDefault carries auxiliary jobs such as notification mail.
	QueueDefault = "default"
	// TaskTypeSendEmail is the task type for sending transactional emails.
	TaskTypeSendEmail = "mail:send"
)

// SendEmailPayload describes the information required to send an email.
type SendEmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// NewSendEmailTask constructs an Asynq task.
func NewSendEmailTask(payload SendEmailPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSendEmail, data), nil
}

// Mailer delivers mail over SMTP.
type Mailer struct {
	addr    string
	from    string
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
	send    func(addr, from string, to []string, msg []byte) error
}

// NewMailer constructs a Mailer for the given SMTP endpoint.
func NewMailer(host string, port int, from string, logger *slog.Logger, metrics *jobmetrics.Metrics) *Mailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mailer{
		addr:    fmt.Sprintf("%s:%d", host, port),
		from:    from,
		logger:  logger,
		metrics: metrics,
		send: func(addr, from string, to []string, msg []byte) error {
			return smtp.SendMail(addr, nil, from, to, msg)
		},
	}
}

// Send delivers one message.
func (m *Mailer) Send(ctx context.Context, payload SendEmailPayload) error {
	msg := []byte("From: " + m.from + "\r\n" +
		"To: " + payload.To + "\r\n" +
		"Subject: " + payload.Subject + "\r\n" +
		"\r\n" + payload.Body + "\r\n")
	return m.send(m.addr, m.from, []string{payload.To}, msg)
}

// HandleSendEmail processes TaskTypeSendEmail tasks.
func (m *Mailer) HandleSendEmail(ctx context.Context, t *asynq.Task) error {
	tracker := m.metrics.Track("send_email")
	var payload SendEmailPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return tracker.End(fmt.Errorf("decode mail payload: %v: %w", err, asynq.SkipRetry))
	}
	if err := m.Send(ctx, payload); err != nil {
		m.logger.Error("send mail", slog.String("to", payload.To), slog.Any("error", err))
		return tracker.End(err)
	}
	m.logger.Info("mail sent", slog.String("to", payload.To), slog.String("subject", payload.Subject))
	return tracker.End(nil)
}
