package model

import (
	"encoding/json"
	"time"
)

// TaskStatus is the lifecycle of a queued task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Task is a unit of queued work. At most one pending task exists per
// DedupeKey.
type Task struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	DedupeKey   string          `json:"dedupe_key"`
	Payload     json.RawMessage `json:"payload"`
	Status      TaskStatus      `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	RunAfter    time.Time       `json:"run_after"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// TaskPayload is the payload of every stage task. Batch is informational;
// the resume offset is read from the job.
type TaskPayload struct {
	ImportFileID string `json:"import_file_id,omitempty"`
	ImportJobID  string `json:"import_job_id,omitempty"`
	ScheduleID   string `json:"schedule_id,omitempty"`
	Batch        int    `json:"batch,omitempty"`
}

// JobTaskKey is the dedupe key of a stage task for a job or file.
func JobTaskKey(id string, stage Stage) string {
	return id + ":" + string(stage)
}

// ScheduleTaskKey is the dedupe key of a schedule fetch task.
func ScheduleTaskKey(scheduleID string) string {
	return "schedule:" + scheduleID
}

// TaskScheduledFetch is the task that fetches a scheduled source.
const TaskScheduledFetch = "scheduled-import-fetch"
