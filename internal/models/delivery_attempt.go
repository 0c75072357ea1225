package models

import "time"

const (
	OutcomeSent        = "sent"
	OutcomeFailed      = "failed"
	OutcomeDead        = "dead"
	OutcomeQuarantined = "quarantined"
)

// DeliveryAttempt is reported to observers once per processed job.
type DeliveryAttempt struct {
	RunID       string        `json:"run_id"`
	Kind        string        `json:"kind"`
	JobID       string        `json:"job_id"`
	UID         int64         `json:"uid"`
	EID         *int64        `json:"eid,omitempty"`
	ToEmail     string        `json:"to_email"`
	Subject     string        `json:"subject"`
	Body        string        `json:"body,omitempty"`
	Outcome     string        `json:"outcome"`
	MessageID   string        `json:"message_id,omitempty"`
	Error       string        `json:"error,omitempty"`
	RetryCount  int           `json:"retry_count"`
	AttemptedAt time.Time     `json:"attempted_at"`
	Duration    time.Duration `json:"duration_ns"`
}
