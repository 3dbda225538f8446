package jobs

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
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

// Validate rejects payloads that can never be delivered.
func (p SendEmailPayload) Validate() error {
	if strings.TrimSpace(p.To) == "" {
		return errors.New("mail: recipient required")
	}
	if strings.ContainsAny(p.To, "\r\n") || strings.ContainsAny(p.Subject, "\r\n") {
		return errors.New("mail: header values must not contain line breaks")
	}
	return nil
}

// NewSendEmailTask constructs an Asynq task.
func NewSendEmailTask(payload SendEmailPayload) (*asynq.Task, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSendEmail, data), nil
}
