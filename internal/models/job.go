package models

import "time"

type JobStatus string

const (
	JobStatusSubmitted JobStatus = "submitted"
	JobStatusReceived  JobStatus = "received"
	JobStatusProcessed JobStatus = "processed"
	JobStatusAssigned  JobStatus = "assigned"
	JobStatusPrinted   JobStatus = "printed"
	JobStatusFailed    JobStatus = "failed"
)

// Job is a single print request. Timestamps are stamped by the pipeline
// stages in order; Printed and Failed are mutually exclusive.
type Job struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	QueueName   string     `json:"queue_name"`
	File        string     `json:"file,omitempty"`
	Started     time.Time  `json:"started"`
	Received    *time.Time `json:"received,omitempty"`
	Processed   *time.Time `json:"processed,omitempty"`
	Printed     *time.Time `json:"printed,omitempty"`
	Failed      *time.Time `json:"failed,omitempty"`
	Pages       int        `json:"pages"`
	ColorPages  int        `json:"color_pages"`
	Destination *string    `json:"destination,omitempty"`
	Error       *string    `json:"error,omitempty"`
	ErrorKind   string     `json:"error_kind,omitempty"`
}

func (j *Job) Status() JobStatus {
	switch {
	case j.Failed != nil || j.Error != nil:
		return JobStatusFailed
	case j.Printed != nil:
		return JobStatusPrinted
	case j.Destination != nil:
		return JobStatusAssigned
	case j.Processed != nil:
		return JobStatusProcessed
	case j.Received != nil:
		return JobStatusReceived
	default:
		return JobStatusSubmitted
	}
}

func (j *Job) IsTerminal() bool {
	s := j.Status()
	return s == JobStatusPrinted || s == JobStatusFailed
}

// Fail stamps the job as failed. Callers are expected to check IsTerminal
// first; Fail itself does not guard against overwriting a printed job.
func (j *Job) Fail(kind, message string, at time.Time) {
	j.Failed = &at
	j.Error = &message
	j.ErrorKind = kind
}

// Cost is the quota weight of the job: color pages count double on top of
// their standard page.
func (j *Job) Cost() int {
	return j.Pages + 2*j.ColorPages
}

// JobEvent is one row of a job's append-only status history.
type JobEvent struct {
	JobID   string    `json:"job_id"`
	Status  JobStatus `json:"status"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}
