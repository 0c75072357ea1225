package models

import "time"

type User struct {
	UID          int64     `json:"uid" db:"uid"`
	Name         string    `json:"name" db:"name"`
	Email        string    `json:"email" db:"email"`
	Password     string    `json:"-" db:"password"`
	RefreshToken *string   `json:"-" db:"refresh_token"`
	Resume       *string   `json:"resume,omitempty" db:"resume"`
	CoverLetter  *string   `json:"cover_letter,omitempty" db:"cover_letter"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// HasResume reports whether an uploaded resume URL is on file.
func (u *User) HasResume() bool {
	return u.Resume != nil && *u.Resume != ""
}
