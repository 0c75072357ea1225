package models

import "time"

// Email is the durable record of a message, sent or not.
type Email struct {
	EID             int64      `json:"eid" db:"eid"`
	UID             int64      `json:"uid" db:"uid"`
	GoogleMessageID *string    `json:"google_message_id,omitempty" db:"google_message_id"`
	Subject         string     `json:"subject" db:"subject"`
	Body            string     `json:"body" db:"body"`
	IsSent          bool       `json:"is_sent" db:"is_sent"`
	ToEmail         string     `json:"to_email" db:"to_email"`
	CCEmail         *string    `json:"cc_email,omitempty" db:"cc_email"`
	BCCEmail        *string    `json:"bcc_email,omitempty" db:"bcc_email"`
	SendAt          *time.Time `json:"send_at,omitempty" db:"send_at"`
	IncludeResume   bool       `json:"include_resume" db:"include_resume"`
	DeadLettered    bool       `json:"dead_lettered" db:"dead_lettered"`
	LastError       *string    `json:"last_error,omitempty" db:"last_error"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
}

// SentUpdate is a staged status change for an existing record.
type SentUpdate struct {
	EID             int64
	UID             int64
	GoogleMessageID string
	SentAt          time.Time
}
