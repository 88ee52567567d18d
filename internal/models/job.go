package models

import "time"

type JobType string

const (
	JobTypeUpdate  JobType = "UPDATE"
	JobTypeManual  JobType = "MANUAL"
	JobTypeRetry   JobType = "RETRY"
	JobTypeCleanup JobType = "CLEANUP"
)

func ParseJobType(s string) (JobType, bool) {
	switch JobType(s) {
	case JobTypeUpdate, JobTypeManual, JobTypeRetry, JobTypeCleanup:
		return JobType(s), true
	default:
		return "", false
	}
}

type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
)

const DefaultMaxAttempts = 3

// Job is one unit of queued work. TrackingCacheID is nil only for CLEANUP jobs.
type Job struct {
	ID              int64      `json:"id"`
	TrackingCacheID *int64     `json:"trackingCacheId,omitempty"`
	JobType         JobType    `json:"jobType"`
	Priority        int        `json:"priority"`
	ScheduledFor    time.Time  `json:"scheduledFor"`
	Status          JobStatus  `json:"status"`
	Attempts        int        `json:"attempts"`
	MaxAttempts     int        `json:"maxAttempts"`
	LastError       *string    `json:"lastError,omitempty"`
	LastAttemptAt   *time.Time `json:"lastAttemptAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
}

func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.TrackingCacheID != nil {
		v := *j.TrackingCacheID
		c.TrackingCacheID = &v
	}
	if j.LastError != nil {
		v := *j.LastError
		c.LastError = &v
	}
	c.LastAttemptAt = cloneTime(j.LastAttemptAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	return &c
}

// JobStatistics aggregates job counts per status.
type JobStatistics struct {
	Pending          int64          `json:"pending"`
	Running          int64          `json:"running"`
	Completed        int64          `json:"completed"`
	Failed           int64          `json:"failed"`
	OldestPendingAge *time.Duration `json:"oldestPendingAge,omitempty"`
}

// UpdateLog is the append-only audit record of a single job execution attempt.
type UpdateLog struct {
	ID                int64           `json:"id"`
	TrackingCacheID   int64           `json:"trackingCacheId"`
	JobID             *int64          `json:"jobId,omitempty"`
	UpdateType        JobType         `json:"updateType"`
	TriggeredBy       string          `json:"triggeredBy"`
	APICallSuccess    bool            `json:"apiCallSuccess"`
	APIResponseTimeMs *int64          `json:"apiResponseTimeMs,omitempty"`
	StatusChanged     bool            `json:"statusChanged"`
	PreviousStatus    *TrackingStatus `json:"previousStatus,omitempty"`
	NewStatus         *TrackingStatus `json:"newStatus,omitempty"`
	EventsAdded       int             `json:"eventsAdded"`
	StartedAt         time.Time       `json:"startedAt"`
	CompletedAt       *time.Time      `json:"completedAt,omitempty"`
	APIErrorMessage   *string         `json:"apiErrorMessage,omitempty"`
}

// UpdateLogStats summarizes the audit trail over a window.
type UpdateLogStats struct {
	Total             int64         `json:"total"`
	Successful        int64         `json:"successful"`
	AverageDuration   time.Duration `json:"averageDuration"`
	AverageResponseMs float64       `json:"averageResponseMs"`
}

// SuccessRate is in [0,1]; an empty window counts as fully successful.
func (s UpdateLogStats) SuccessRate() float64 {
	if s.Total == 0 {
		return 1
	}
	return float64(s.Successful) / float64(s.Total)
}
