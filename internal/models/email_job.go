package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrMalformedJob = errors.New("malformed email job")

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ISOTime is a timestamp serialized as an ISO-8601 string. Naive timestamps are read as UTC.
type ISOTime struct {
	time.Time
}

func NewISOTime(t time.Time) ISOTime {
	return ISOTime{Time: t.UTC()}
}

func ParseISOTime(s string) (ISOTime, error) {
	s = strings.TrimSpace(s)
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return ISOTime{Time: t.UTC()}, nil
		}
	}
	return ISOTime{}, fmt.Errorf("invalid ISO-8601 timestamp %q", s)
}

func (t ISOTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

func (t *ISOTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := ParseISOTime(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// EmailJob is one queue entry. EID is set only for jobs persisted before
// queueing; RetryCount and Error only once the job has failed.
type EmailJob struct {
	JobID         string  `json:"job_id"`
	EID           *int64  `json:"eid,omitempty"`
	UID           int64   `json:"uid"`
	Subject       string  `json:"subject"`
	Body          string  `json:"body"`
	IsSent        bool    `json:"is_sent"`
	ToEmail       string  `json:"to_email"`
	CCEmail       *string `json:"cc_email,omitempty"`
	BCCEmail      *string `json:"bcc_email,omitempty"`
	SendAt        ISOTime `json:"send_at"`
	IncludeResume bool    `json:"include_resume"`
	FromEmail     string  `json:"from_email"`
	RetryCount    *int    `json:"retry_count,omitempty"`
	Error         *string `json:"error,omitempty"`
}

// NewJobID returns a fresh queue identifier.
func NewJobID() string {
	return uuid.NewString()
}

// DecodeJob parses and validates a serialized queue entry.
func DecodeJob(raw string) (*EmailJob, error) {
	var job EmailJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedJob, err)
	}
	if job.JobID == "" && job.EID != nil {
		job.JobID = fmt.Sprintf("eid-%d", *job.EID)
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}
	return &job, nil
}

func (j *EmailJob) Encode() (string, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (j *EmailJob) Validate() error {
	var problems []string
	if j.JobID == "" {
		problems = append(problems, "job_id is required")
	}
	if j.UID <= 0 {
		problems = append(problems, "uid is required")
	}
	if _, err := mail.ParseAddress(j.ToEmail); err != nil {
		problems = append(problems, "to_email is invalid")
	}
	if j.EID != nil && *j.EID <= 0 {
		problems = append(problems, "eid must be positive")
	}
	if j.RetryCount != nil && *j.RetryCount < 0 {
		problems = append(problems, "retry_count must be >= 0")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrMalformedJob, strings.Join(problems, "; "))
	}
	return nil
}

func (j *EmailJob) HasEID() bool {
	return j.EID != nil
}

func (j *EmailJob) Retries() int {
	if j.RetryCount == nil {
		return 0
	}
	return *j.RetryCount
}

// RecordFailure increments retry_count and stores the last failure reason.
func (j *EmailJob) RecordFailure(reason string) int {
	n := j.Retries() + 1
	j.RetryCount = &n
	j.Error = &reason
	return n
}

// Matches reports whether the job is selected by job id or by eid.
func (j *EmailJob) Matches(jobIDs map[string]struct{}, eids map[int64]struct{}) bool {
	if _, ok := jobIDs[j.JobID]; ok {
		return true
	}
	if j.EID != nil {
		if _, ok := eids[*j.EID]; ok {
			return true
		}
	}
	return false
}

// ToRecord builds the durable record for this job.
func (j *EmailJob) ToRecord() *Email {
	rec := &Email{
		UID:           j.UID,
		Subject:       j.Subject,
		Body:          j.Body,
		IsSent:        j.IsSent,
		ToEmail:       j.ToEmail,
		CCEmail:       j.CCEmail,
		BCCEmail:      j.BCCEmail,
		IncludeResume: j.IncludeResume,
		LastError:     j.Error,
	}
	if j.EID != nil {
		rec.EID = *j.EID
	}
	if !j.SendAt.IsZero() {
		t := j.SendAt.Time
		rec.SendAt = &t
	}
	return rec
}

// JobFromRecord rebuilds a pending queue entry from a durable record.
func JobFromRecord(e *Email, fromEmail string) *EmailJob {
	eid := e.EID
	job := &EmailJob{
		JobID:         fmt.Sprintf("eid-%d", e.EID),
		EID:           &eid,
		UID:           e.UID,
		Subject:       e.Subject,
		Body:          e.Body,
		IsSent:        e.IsSent,
		ToEmail:       e.ToEmail,
		CCEmail:       e.CCEmail,
		BCCEmail:      e.BCCEmail,
		IncludeResume: e.IncludeResume,
		FromEmail:     fromEmail,
	}
	if e.SendAt != nil {
		job.SendAt = NewISOTime(*e.SendAt)
	}
	return job
}
