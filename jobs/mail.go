package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/gatherly/eventsite/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// Sender delivers one email.
type Sender interface {
	Send(ctx context.Context, msg SendEmailPayload) error
}

// MailJob handles TaskTypeSendEmail tasks.
type MailJob struct {
	Sender  Sender
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewMailJob wires dependencies for the send-email handler.
func NewMailJob(sender Sender, logger *slog.Logger, metrics *jobmetrics.Metrics) *MailJob {
	return &MailJob{Sender: sender, Logger: logger, Metrics: metrics}
}

// Handle delivers the email in the task payload. Malformed payloads are not retried.
func (j *MailJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Sender == nil {
		return errors.New("mail: handler not configured")
	}
	var payload SendEmailPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("mail: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if err := payload.Validate(); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	tracker := j.metrics().Track(TaskTypeSendEmail)
	defer func() {
		err = tracker.End(err)
	}()

	logger := j.logger().With(slog.String("to", payload.To))
	if err := j.Sender.Send(ctx, payload); err != nil {
		logger.Error("send email", slog.Any("error", err))
		return err
	}
	logger.Info("email sent", slog.String("subject", payload.Subject))
	return nil
}

func (j *MailJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *MailJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

// SMTPSender delivers mail through a plain SMTP relay such as Mailpit.
type SMTPSender struct {
	Host    string
	Port    int
	From    string
	Auth    smtp.Auth
	Timeout time.Duration
}

// Send implements Sender.
func (s *SMTPSender) Send(ctx context.Context, msg SendEmailPayload) error {
	addr := net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("smtp: dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}
	client, err := smtp.NewClient(conn, s.Host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp: handshake: %w", err)
	}
	defer client.Close()

	if s.Auth != nil {
		if err := client.Auth(s.Auth); err != nil {
			return fmt.Errorf("smtp: auth: %w", err)
		}
	}
	if err := client.Mail(s.From); err != nil {
		return fmt.Errorf("smtp: mail from: %w", err)
	}
	if err := client.Rcpt(msg.To); err != nil {
		return fmt.Errorf("smtp: rcpt: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp: data: %w", err)
	}
	if _, err := w.Write(BuildMessage(s.From, msg, time.Now())); err != nil {
		_ = w.Close()
		return fmt.Errorf("smtp: write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp: close data: %w", err)
	}
	return client.Quit()
}

// BuildMessage renders a plain-text RFC 5322 message.
func BuildMessage(from string, msg SendEmailPayload, now time.Time) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + msg.To + "\r\n")
	b.WriteString("Subject: " + msg.Subject + "\r\n")
	b.WriteString("Date: " + now.UTC().Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	body := strings.ReplaceAll(msg.Body, "\r\n", "\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}
