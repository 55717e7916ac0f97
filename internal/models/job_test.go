package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJobStatus(t *testing.T) {
	now := time.Now()
	dest := "printer-1"
	msg := "Timed out"

	tests := []struct {
		name string
		job  Job
		want JobStatus
	}{
		{"new", Job{}, JobStatusSubmitted},
		{"received", Job{Received: &now}, JobStatusReceived},
		{"processed", Job{Received: &now, Processed: &now}, JobStatusProcessed},
		{"assigned", Job{Processed: &now, Destination: &dest}, JobStatusAssigned},
		{"printed", Job{Destination: &dest, Printed: &now}, JobStatusPrinted},
		{"failed", Job{Destination: &dest, Failed: &now, Error: &msg}, JobStatusFailed},
		{"error without timestamp", Job{Error: &msg}, JobStatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.job.Status())
		})
	}
}

func TestJobFail(t *testing.T) {
	j := &Job{ID: "j1"}
	assert.False(t, j.IsTerminal())

	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	j.Fail("TIMED_OUT", "Timed out", at)

	assert.True(t, j.IsTerminal())
	assert.Equal(t, JobStatusFailed, j.Status())
	assert.Equal(t, "TIMED_OUT", j.ErrorKind)
	if assert.NotNil(t, j.Error) {
		assert.Equal(t, "Timed out", *j.Error)
	}
	assert.Equal(t, at, *j.Failed)
	assert.Nil(t, j.Printed)
}

func TestJobCost(t *testing.T) {
	assert.Equal(t, 3, (&Job{Pages: 3}).Cost())
	assert.Equal(t, 7, (&Job{Pages: 3, ColorPages: 2}).Cost())
}

func TestDestinationHost(t *testing.T) {
	d := &Destination{Path: "print.example.org/queue-1"}
	assert.Equal(t, "print.example.org", d.Host())
	assert.False(t, d.IsDummy())

	d = &Destination{Path: "//print.example.org/queue-1"}
	assert.Equal(t, "print.example.org", d.Host())

	assert.True(t, (&Destination{Path: "  "}).IsDummy())
}
