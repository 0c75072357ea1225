package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"strings"

	"go.uber.org/zap"

	"mailer-service/internal/models"
	"mailer-service/internal/repository/postgres"
	"mailer-service/internal/util"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrUserAlreadyExists  = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrResumeMissing      = errors.New("user does not have a resume uploaded")
	ErrGmailNotAuthorized = errors.New("gmail not authorized")
	ErrStorageFailed      = errors.New("storage operation failed")
	ErrSendFailed         = errors.New("failed to send email")
	ErrJobNotFound        = errors.New("job not found in queue")
	ErrEmailNotFound      = errors.New("email not found")
	ErrAlreadyQueued      = errors.New("email is already queued")
	ErrSearchDisabled     = errors.New("email search is not enabled")
	ErrOAuthState         = errors.New("oauth state mismatch")
)

const (
	MaxResumeSize = 5 << 20
	pdfType       = "application/pdf"
)

// UserCreateRequest is the body of add-user.
type UserCreateRequest struct {
	Name        string  `json:"name"`
	Email       string  `json:"email"`
	Password    string  `json:"password"`
	Resume      *string `json:"resume,omitempty"`
	CoverLetter *string `json:"cover_letter,omitempty"`
}

func (r *UserCreateRequest) validate() error {
	var problems []string
	if strings.TrimSpace(r.Name) == "" {
		problems = append(problems, "name is required")
	}
	if _, err := mail.ParseAddress(r.Email); err != nil {
		problems = append(problems, "email is invalid")
	}
	if len(r.Password) < 8 {
		problems = append(problems, "password must be at least 8 characters")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(problems, "; "))
	}
	return nil
}

// UserService handles account creation and the user's resume.
type UserService struct {
	users   UserStore
	hasher  PasswordHasher
	storage ObjectStorage
	logger  *zap.Logger
}

func NewUserService(users UserStore, hasher PasswordHasher, storage ObjectStorage, logger *zap.Logger) *UserService {
	return &UserService{users: users, hasher: hasher, storage: storage, logger: logger}
}

func (s *UserService) CreateUser(ctx context.Context, req UserCreateRequest) (*models.User, error) {
	req.Name = util.SanitizeInput(req.Name)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if err := req.validate(); err != nil {
		return nil, err
	}

	hash, err := s.hasher.HashPassword(req.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	u := &models.User{
		Name:        req.Name,
		Email:       req.Email,
		Password:    hash,
		Resume:      req.Resume,
		CoverLetter: req.CoverLetter,
	}
	if err := s.users.Create(ctx, u); err != nil {
		if errors.Is(err, postgres.ErrDuplicate) {
			return nil, ErrUserAlreadyExists
		}
		return nil, err
	}

	s.logger.Info("User created", zap.Int64("uid", u.UID))
	return u, nil
}

func (s *UserService) GetUser(ctx context.Context, uid int64) (*models.User, error) {
	return lookupUser(ctx, s.users, uid)
}

// UploadResume stores a PDF resume and records its URL on the user.
func (s *UserService) UploadResume(ctx context.Context, uid int64, contentType string, body io.Reader, size int64) (string, error) {
	u, err := lookupUser(ctx, s.users, uid)
	if err != nil {
		return "", err
	}
	if contentType != pdfType {
		return "", fmt.Errorf("%w: only PDF files are allowed", ErrInvalidInput)
	}
	if size > MaxResumeSize {
		return "", fmt.Errorf("%w: file size exceeds the maximum limit of 5MB", ErrInvalidInput)
	}

	url, err := s.storage.StoreResume(ctx, uid, u.Name, body, size)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorageFailed, err)
	}
	if err := s.users.SetResume(ctx, uid, url); err != nil {
		return "", fmt.Errorf("failed to save resume url: %w", err)
	}

	s.logger.Info("Resume uploaded", zap.Int64("uid", uid))
	return url, nil
}

func lookupUser(ctx context.Context, users UserStore, uid int64) (*models.User, error) {
	u, err := users.GetUser(ctx, uid)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return u, nil
}
