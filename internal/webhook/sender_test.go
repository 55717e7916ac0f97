package webhook

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/printd/internal/config"
	"github.com/orrn/printd/internal/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type received struct {
	header  http.Header
	body    []byte
	payload Payload
}

type recorder struct {
	mu   sync.Mutex
	reqs []received
}

func (r *recorder) add(req *http.Request) {
	body, _ := io.ReadAll(req.Body)
	var p Payload
	_ = json.Unmarshal(body, &p)
	r.mu.Lock()
	r.reqs = append(r.reqs, received{header: req.Header.Clone(), body: body, payload: p})
	r.mu.Unlock()
}

func (r *recorder) all() []received {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]received(nil), r.reqs...)
}

func printedJob() *models.Job {
	now := time.Now()
	dest := "d1"
	return &models.Job{ID: "job-1", UserID: "u1", QueueName: "lab", Pages: 3, ColorPages: 1, Destination: &dest, Printed: &now}
}

func failedJob() *models.Job {
	j := &models.Job{ID: "job-2", UserID: "u1"}
	j.Fail("QUOTA_EXCEEDED", "Quota exceeded", time.Now())
	return j
}

func TestJobFinishedDeliversSignedPayload(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.add(r)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewSender(&config.WebhooksConfig{
		Endpoints:  []config.WebhookEndpoint{{URL: srv.URL, Secret: "s3cret"}},
		RetryDelay: 10 * time.Millisecond,
	}, discardLogger())
	s.Start()
	defer s.Stop()

	s.JobFinished(printedJob())
	s.JobFinished(failedJob())

	require.Eventually(t, func() bool { return len(rec.all()) == 2 }, 2*time.Second, 10*time.Millisecond)

	byEvent := map[string]received{}
	for _, r := range rec.all() {
		byEvent[r.payload.Event] = r
	}

	printed := byEvent[string(EventJobPrinted)]
	require.NotNil(t, printed.payload.Data)
	assert.Equal(t, "job-1", printed.payload.Data.JobID)
	assert.Equal(t, "d1", printed.payload.Data.Destination)
	assert.Equal(t, 3, printed.payload.Data.Pages)
	assert.Equal(t, Sign(printed.body, "s3cret"), printed.header.Get("X-Webhook-Signature"))
	assert.Equal(t, printed.payload.ID, printed.header.Get("X-Webhook-Delivery"))
	assert.NotEmpty(t, printed.payload.ID)

	failed := byEvent[string(EventJobFailed)]
	require.NotNil(t, failed.payload.Data)
	assert.Equal(t, "QUOTA_EXCEEDED", failed.payload.Data.ErrorKind)
	assert.Equal(t, "Quota exceeded", failed.payload.Data.Error)
}

func TestEventFilter(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.add(r)
	}))
	defer srv.Close()

	s := NewSender(&config.WebhooksConfig{
		Endpoints: []config.WebhookEndpoint{{URL: srv.URL, Events: []string{"job_failed"}}},
	}, discardLogger())
	s.Start()
	defer s.Stop()

	s.JobFinished(printedJob())
	s.JobFinished(failedJob())
	s.JobFinished(&models.Job{ID: "in-flight"})

	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	all := rec.all()
	require.Len(t, all, 1)
	assert.Equal(t, "job_failed", all[0].payload.Event)
	assert.Empty(t, all[0].header.Get("X-Webhook-Signature"))
}

func TestRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewSender(&config.WebhooksConfig{
		Endpoints:  []config.WebhookEndpoint{{URL: srv.URL}},
		RetryCount: 3,
		RetryDelay: time.Millisecond,
	}, discardLogger())

	err := s.sendWithRetry(&task{endpoint: s.endpoints[0], payload: &Payload{ID: "x", Event: "job_printed"}})
	require.NoError(t, err)
	assert.Equal(t, int32(3), hits.Load())
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	s := NewSender(&config.WebhooksConfig{
		Endpoints:  []config.WebhookEndpoint{{URL: srv.URL}},
		RetryCount: 5,
		RetryDelay: time.Millisecond,
	}, discardLogger())

	err := s.sendWithRetry(&task{endpoint: s.endpoints[0], payload: &Payload{ID: "x", Event: "job_failed"}})
	require.Error(t, err)
	assert.True(t, isClientError(err))
	assert.Equal(t, int32(1), hits.Load())
}

func TestFullQueueDrops(t *testing.T) {
	s := NewSender(&config.WebhooksConfig{
		Endpoints: []config.WebhookEndpoint{{URL: "http://127.0.0.1:1"}},
		QueueSize: 1,
	}, discardLogger())

	// Not started, so nothing drains the queue.
	s.JobFinished(printedJob())
	s.JobFinished(printedJob())
	assert.Len(t, s.queue, 1)
}
