package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orrn/printd/internal/config"
	"github.com/orrn/printd/internal/models"
)

type Event string

const (
	EventJobPrinted Event = "job_printed"
	EventJobFailed  Event = "job_failed"
)

type Payload struct {
	ID        string    `json:"id"`
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      *JobData  `json:"data"`
}

type JobData struct {
	JobID       string `json:"job_id"`
	UserID      string `json:"user_id"`
	QueueName   string `json:"queue_name,omitempty"`
	Destination string `json:"destination,omitempty"`
	Pages       int    `json:"pages"`
	ColorPages  int    `json:"color_pages"`
	Error       string `json:"error,omitempty"`
	ErrorKind   string `json:"error_kind,omitempty"`
}

type task struct {
	endpoint config.WebhookEndpoint
	payload  *Payload
	attempt  int
}

// statusError carries the HTTP status of a rejected delivery.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("http error: %d", e.code)
}

// Sender delivers job events to the configured endpoints.
type Sender struct {
	endpoints  []config.WebhookEndpoint
	httpClient *http.Client
	retryCount int
	retryDelay time.Duration
	workers    int
	logger     *slog.Logger

	queue  chan *task
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewSender(cfg *config.WebhooksConfig, logger *slog.Logger) *Sender {
	c := config.WebhooksConfig{}
	if cfg != nil {
		c = *cfg
	}
	if c.RetryCount <= 0 {
		c.RetryCount = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Sender{
		endpoints:  c.Endpoints,
		httpClient: &http.Client{Timeout: c.Timeout},
		retryCount: c.RetryCount,
		retryDelay: c.RetryDelay,
		workers:    c.Workers,
		logger:     logger.With("component", "webhook"),
		queue:      make(chan *task, c.QueueSize),
		stopCh:     make(chan struct{}),
	}
}

func (s *Sender) Start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

// Stop abandons pending deliveries and waits for in-flight ones.
func (s *Sender) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// JobFinished enqueues job_printed or job_failed for a terminal job.
func (s *Sender) JobFinished(job *models.Job) {
	switch job.Status() {
	case models.JobStatusPrinted:
		s.enqueue(EventJobPrinted, jobData(job))
	case models.JobStatusFailed:
		s.enqueue(EventJobFailed, jobData(job))
	}
}

func jobData(job *models.Job) *JobData {
	d := &JobData{
		JobID:      job.ID,
		UserID:     job.UserID,
		QueueName:  job.QueueName,
		Pages:      job.Pages,
		ColorPages: job.ColorPages,
		ErrorKind:  job.ErrorKind,
	}
	if job.Destination != nil {
		d.Destination = *job.Destination
	}
	if job.Error != nil {
		d.Error = *job.Error
	}
	return d
}

func (s *Sender) enqueue(event Event, data *JobData) {
	for _, ep := range s.endpoints {
		if !subscribed(ep, event) {
			continue
		}

		t := &task{
			endpoint: ep,
			payload: &Payload{
				ID:        uuid.NewString(),
				Event:     string(event),
				Timestamp: time.Now().UTC(),
				Data:      data,
			},
		}

		select {
		case s.queue <- t:
		default:
			s.logger.Warn("queue full, dropping webhook", "url", ep.URL, "event", event, "job_id", data.JobID)
		}
	}
}

// subscribed reports whether ep wants event. No events means all of them.
func subscribed(ep config.WebhookEndpoint, event Event) bool {
	if len(ep.Events) == 0 {
		return true
	}
	for _, e := range ep.Events {
		if e == string(event) {
			return true
		}
	}
	return false
}

func (s *Sender) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case t := <-s.queue:
			if err := s.sendWithRetry(t); err != nil {
				s.logger.Error("webhook delivery failed",
					"worker", id, "url", t.endpoint.URL, "event", t.payload.Event,
					"delivery_id", t.payload.ID, "attempts", t.attempt, "error", err)
			}
		}
	}
}

func (s *Sender) sendWithRetry(t *task) error {
	var lastErr error
	for t.attempt < s.retryCount {
		t.attempt++

		err := s.send(t.endpoint, t.payload)
		if err == nil {
			return nil
		}
		lastErr = err

		if isClientError(err) {
			return err
		}

		if t.attempt < s.retryCount {
			backoff := s.retryDelay * time.Duration(1<<(t.attempt-1))
			s.logger.Warn("retrying webhook", "attempt", t.attempt, "url", t.endpoint.URL, "backoff", backoff, "error", err)

			select {
			case <-s.stopCh:
				return fmt.Errorf("shutdown requested: %w", lastErr)
			case <-time.After(backoff):
			}
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (s *Sender) send(ep config.WebhookEndpoint, payload *Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.httpClient.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", payload.Event)
	req.Header.Set("X-Webhook-Delivery", payload.ID)
	if ep.Secret != "" {
		req.Header.Set("X-Webhook-Signature", Sign(body, ep.Secret))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func isClientError(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.code >= 400 && se.code < 500
}
