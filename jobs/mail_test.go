package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/gatherly/eventsite/internal/jobs"
)

type captureSender struct {
	sent []SendEmailPayload
	err  error
}

func (s *captureSender) Send(_ context.Context, msg SendEmailPayload) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

type captureEnqueuer struct {
	tasks []*asynq.Task
}

func (c *captureEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	c.tasks = append(c.tasks, task)
	return &asynq.TaskInfo{Type: task.Type(), Queue: QueueDefault}, nil
}

func (c *captureEnqueuer) Close() error { return nil }

func newMailJob(sender Sender) *MailJob {
	return NewMailJob(sender, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
}

func TestClientEnqueuesMailTaskThatWorkerDelivers(t *testing.T) {
	enq := &captureEnqueuer{}
	client := NewClientWith(enq)
	require.NoError(t, client.EnqueueSendEmail(context.Background(), "ada@example.com", "Verify", "hello"))
	require.Len(t, enq.tasks, 1)
	assert.Equal(t, TaskTypeSendEmail, enq.tasks[0].Type())

	sender := &captureSender{}
	require.NoError(t, newMailJob(sender).Handle(context.Background(), enq.tasks[0]))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, SendEmailPayload{To: "ada@example.com", Subject: "Verify", Body: "hello"}, sender.sent[0])
}

func TestEnqueueRejectsHeaderInjection(t *testing.T) {
	client := NewClientWith(&captureEnqueuer{})
	err := client.EnqueueSendEmail(context.Background(), "a@example.com\r\nBcc: x@example.com", "s", "b")
	assert.Error(t, err)
	err = client.EnqueueSendEmail(context.Background(), " ", "s", "b")
	assert.Error(t, err)
}

func TestMailJobSkipsRetryOnBadPayload(t *testing.T) {
	job := newMailJob(&captureSender{})
	err := job.Handle(context.Background(), asynq.NewTask(TaskTypeSendEmail, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	data, _ := json.Marshal(SendEmailPayload{Subject: "no recipient"})
	err = job.Handle(context.Background(), asynq.NewTask(TaskTypeSendEmail, data))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestMailJobReturnsSenderErrorForRetry(t *testing.T) {
	boom := errors.New("connection refused")
	task, err := NewSendEmailTask(SendEmailPayload{To: "a@example.com", Subject: "s", Body: "b"})
	require.NoError(t, err)
	err = newMailJob(&captureSender{err: boom}).Handle(context.Background(), task)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
}

func TestBuildMessage(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	raw := string(BuildMessage("site@example.com", SendEmailPayload{To: "a@example.com", Subject: "Hi", Body: "line1\nline2"}, at))
	assert.True(t, strings.HasPrefix(raw, "From: site@example.com\r\nTo: a@example.com\r\nSubject: Hi\r\n"))
	assert.Contains(t, raw, "Date: Sun, 01 Mar 2026 09:00:00 +0000\r\n")
	assert.True(t, strings.HasSuffix(raw, "\r\n\r\nline1\r\nline2"))
}

type stubInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (s stubInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) { return s.info, s.err }

func TestHealthEndpoint(t *testing.T) {
	cases := []struct {
		name      string
		inspector QueueInspector
		status    int
		pending   int
	}{
		{name: "no inspector", inspector: nil, status: http.StatusOK},
		{name: "queue info", inspector: stubInspector{info: &asynq.QueueInfo{Queue: QueueDefault, Pending: 3}}, status: http.StatusOK, pending: 3},
		{name: "redis down", inspector: stubInspector{err: errors.New("dial tcp")}, status: http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := chi.NewRouter()
			NewHandler(tc.inspector, nil).MountRoutes(r)
			rr := httptest.NewRecorder()
			r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
			require.Equal(t, tc.status, rr.Code)
			if tc.status != http.StatusOK {
				return
			}
			var body queueHealth
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
			assert.Equal(t, QueueDefault, body.Queue)
			assert.Equal(t, tc.pending, body.Pending)
		})
	}
}
