package models

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	JobQueued   JobStatus = "queued"
	JobStarted  JobStatus = "started"
	JobFinished JobStatus = "finished"
	JobFailed   JobStatus = "failed"
)

func (s JobStatus) String() string {
	return string(s)
}

// IsTerminal reports whether no further transition is possible.
func (s JobStatus) IsTerminal() bool {
	return s == JobFinished || s == JobFailed
}

// IsPending is true for jobs a caller still has to wait for.
func (s JobStatus) IsPending() bool {
	return s == JobQueued || s == JobStarted
}

type Transition struct {
	From JobStatus
	To   JobStatus
}

// ValidTransitions keeps job status monotonic: nothing leaves finished or failed.
var ValidTransitions = []Transition{
	{From: JobQueued, To: JobStarted},
	{From: JobQueued, To: JobFailed},
	{From: JobStarted, To: JobFinished},
	{From: JobStarted, To: JobFailed},
}

func IsValidTransition(from, to JobStatus) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// JobMeta is caller-supplied metadata; the worker never needs it to process the job.
type JobMeta struct {
	UserSlug string `json:"user_slug"`
	Title    string `json:"title"`
	FileName string `json:"file_name"`
	Size     int64  `json:"size"`
}

// Job is one unit of asynchronous OCR work tracked by the broker.
type Job struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Func       string          `json:"func"`
	Args       []string        `json:"args"`
	Timeout    time.Duration   `json:"timeout"`
	Status     JobStatus       `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	ExcInfo    string          `json:"exc_info,omitempty"`
	Meta       JobMeta         `json:"meta"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	StartedAt  time.Time       `json:"started_at,omitempty"`
	EndedAt    time.Time       `json:"ended_at,omitempty"`
}

// StagedPath is the job's single argument.
func (j *Job) StagedPath() string {
	if j == nil || len(j.Args) == 0 {
		return ""
	}
	return j.Args[0]
}
