package worker

import "ocrgate/internal/models"

type TaskType int

const (
	Process TaskType = iota
	Stop
)

func (t TaskType) String() string {
	switch t {
	case Process:
		return "process"
	case Stop:
		return "stop"
	default:
		return "unknown"
	}
}

// Task is the unit handed from the dispatcher to a pooled worker.
type Task struct {
	Type TaskType
	Job  *models.Job
}

// tenant groups tasks for fair scheduling; jobs without a user share one lane.
func (t Task) tenant() string {
	if t.Job == nil {
		return ""
	}
	return t.Job.Meta.UserSlug
}

func (t Task) jobID() string {
	if t.Job == nil {
		return ""
	}
	return t.Job.ID
}
