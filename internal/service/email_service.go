package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"mailer-service/internal/client"
	"mailer-service/internal/delivery"
	"mailer-service/internal/mail"
	"mailer-service/internal/models"
)

// EmailRequest is the body of send-gmail-now and add-to-queue.
type EmailRequest struct {
	EID           *int64  `json:"eid,omitempty"`
	Subject       string  `json:"subject"`
	Body          string  `json:"body"`
	ToEmail       string  `json:"to_email"`
	CCEmail       *string `json:"cc_email,omitempty"`
	BCCEmail      *string `json:"bcc_email,omitempty"`
	SendAt        *string `json:"send_at,omitempty"`
	IncludeResume bool    `json:"include_resume"`
	SaveForLater  bool    `json:"save_for_later,omitempty"`
}

// toJob builds a validated queue job owned by u.
func (r *EmailRequest) toJob(u *models.User, now time.Time) (*models.EmailJob, error) {
	job := &models.EmailJob{
		JobID:         models.NewJobID(),
		EID:           r.EID,
		UID:           u.UID,
		Subject:       r.Subject,
		Body:          r.Body,
		ToEmail:       strings.TrimSpace(r.ToEmail),
		CCEmail:       blankToNil(r.CCEmail),
		BCCEmail:      blankToNil(r.BCCEmail),
		SendAt:        models.NewISOTime(now.UTC()),
		IncludeResume: r.IncludeResume,
		FromEmail:     u.Email,
	}
	if r.SendAt != nil && *r.SendAt != "" {
		t, err := models.ParseISOTime(*r.SendAt)
		if err != nil {
			return nil, fmt.Errorf("%w: send_at: %v", ErrInvalidInput, err)
		}
		job.SendAt = t
	}
	if err := job.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return job, nil
}

func blankToNil(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	v := strings.TrimSpace(*s)
	return &v
}

type SendNowResult struct {
	EID       int64  `json:"email_id"`
	MessageID string `json:"message_id,omitempty"`
}

// EmailService sends mail immediately and searches sent mail.
type EmailService struct {
	users    UserStore
	emails   EmailStore
	tokens   AccessTokens
	sender   delivery.Sender
	storage  ObjectStorage
	searcher EmailSearcher
	logger   *zap.Logger
	now      func() time.Time
}

func NewEmailService(users UserStore, emails EmailStore, tokens AccessTokens, sender delivery.Sender,
	storage ObjectStorage, searcher EmailSearcher, logger *zap.Logger) *EmailService {
	return &EmailService{
		users:    users,
		emails:   emails,
		tokens:   tokens,
		sender:   sender,
		storage:  storage,
		searcher: searcher,
		logger:   logger,
		now:      time.Now,
	}
}

// SendNow sends one message outside the queue and records it durably whether
// or not the provider accepted it. On a provider failure the result still
// carries the stored eid alongside ErrSendFailed.
func (s *EmailService) SendNow(ctx context.Context, uid int64, req EmailRequest) (*SendNowResult, error) {
	u, err := lookupUser(ctx, s.users, uid)
	if err != nil {
		return nil, err
	}
	job, err := req.toJob(u, s.now())
	if err != nil {
		return nil, err
	}

	if _, err := s.tokens.AccessToken(ctx, uid); err != nil {
		if errors.Is(err, mail.ErrNotAuthorized) {
			return nil, ErrGmailNotAuthorized
		}
		return nil, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	var attachment string
	if job.IncludeResume {
		if !u.HasResume() {
			return nil, ErrResumeMissing
		}
		attachment, err = s.storage.Fetch(ctx, *u.Resume)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to retrieve resume from cloud storage: %v", ErrStorageFailed, err)
		}
		defer func() {
			if err := s.storage.Release(attachment); err != nil {
				s.logger.Warn("Failed to remove fetched attachment", zap.String("path", attachment), zap.Error(err))
			}
		}()
	}

	res := s.sender.Send(ctx, delivery.SendRequest{UserID: uid, FromEmail: u.Email, Job: job, AttachmentPath: attachment})

	rec := job.ToRecord()
	rec.EID = 0
	if res.OK() {
		sentAt := s.now().UTC()
		rec.IsSent = true
		rec.GoogleMessageID = &res.MessageID
		rec.SendAt = &sentAt
	} else {
		reason := res.Err.Error()
		rec.LastError = &reason
	}

	eid, err := s.emails.Insert(context.WithoutCancel(ctx), rec)
	if err != nil {
		s.logger.Error("Failed to record immediate send",
			zap.Int64("uid", uid), zap.Bool("sent", res.OK()), zap.String("message_id", res.MessageID), zap.Error(err))
		return nil, fmt.Errorf("failed to record email: %w", err)
	}

	if !res.OK() {
		return &SendNowResult{EID: eid}, fmt.Errorf("%w: %v", ErrSendFailed, res.Err)
	}
	return &SendNowResult{EID: eid, MessageID: res.MessageID}, nil
}

// Search queries the sent-mail index for the caller's messages.
func (s *EmailService) Search(ctx context.Context, uid int64, q string, size int) ([]client.SentEmailDoc, error) {
	if s.searcher == nil {
		return nil, ErrSearchDisabled
	}
	if size <= 0 || size > 100 {
		size = 20
	}
	return s.searcher.SearchEmails(ctx, uid, strings.TrimSpace(q), size)
}

// Sent returns the caller's messages sent within the last days days, newest first.
func (s *EmailService) Sent(ctx context.Context, uid int64, days, limit int) ([]*models.Email, error) {
	if days <= 0 || days > 365 {
		return nil, fmt.Errorf("%w: days must be between 1 and 365", ErrInvalidInput)
	}
	return s.emails.ListSent(ctx, uid, s.now().Add(-time.Duration(days)*24*time.Hour), limit)
}
