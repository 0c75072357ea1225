package mail

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"mailer-service/internal/delivery"
	"mailer-service/internal/metrics"
	"mailer-service/internal/models"
)

const sendPath = "/gmail/v1/users/me/messages/send"

var ErrProviderRejected = errors.New("gmail rejected the message")

// AccessTokens resolves a usable provider token for a user.
type AccessTokens interface {
	AccessToken(ctx context.Context, uid int64) (string, error)
}

// GmailSender sends mail through the Gmail REST API on behalf of a user.
type GmailSender struct {
	tokens  AccessTokens
	client  *http.Client
	baseURL string
	logger  *zap.Logger
}

func NewGmailSender(tokens AccessTokens, baseURL string, client *http.Client, logger *zap.Logger) *GmailSender {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GmailSender{
		tokens:  tokens,
		client:  client,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger,
	}
}

func (s *GmailSender) Send(ctx context.Context, req delivery.SendRequest) delivery.SendResult {
	id, err := s.send(ctx, req)
	if err != nil {
		metrics.MailSendFailure.Inc()
		s.logger.Warn("Mail send failed",
			zap.Int64("uid", req.UserID),
			zap.String("job_id", req.Job.JobID),
			zap.Error(err))
		return delivery.Failed(err)
	}
	metrics.MailSendSuccess.Inc()
	s.logger.Debug("Mail accepted by provider", zap.Int64("uid", req.UserID), zap.String("message_id", id))
	return delivery.Sent(id)
}

func (s *GmailSender) send(ctx context.Context, req delivery.SendRequest) (string, error) {
	token, err := s.tokens.AccessToken(ctx, req.UserID)
	if err != nil {
		return "", err
	}

	raw, err := ComposeMessage(req.FromEmail, req.Job, req.AttachmentPath)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(map[string]string{"raw": base64.URLEncoding.EncodeToString(raw)})
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+sendPath, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build send request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("gmail request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("%w: status %d: %s", ErrProviderRejected, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.ID == "" {
		return "", fmt.Errorf("%w: response carried no message id", ErrProviderRejected)
	}
	return out.ID, nil
}

// ComposeMessage renders the RFC 822 message for job. The body is HTML; the
// attachment, when given, is sent as a PDF named by AttachmentName.
func ComposeMessage(from string, job *models.EmailJob, attachmentPath string) ([]byte, error) {
	m := gomail.NewMessage()
	m.SetHeader("From", from)
	m.SetHeader("To", job.ToEmail)
	m.SetHeader("Subject", job.Subject)
	if job.CCEmail != nil && *job.CCEmail != "" {
		m.SetHeader("Cc", *job.CCEmail)
	}
	m.SetBody("text/html", job.Body)

	if attachmentPath != "" {
		m.Attach(attachmentPath,
			gomail.Rename(AttachmentName(attachmentPath)),
			gomail.SetHeader(map[string][]string{"Content-Type": {"application/pdf"}}),
		)
	}

	var buf bytes.Buffer
	// gomail leaves Bcc out of the rendered headers; the Gmail API reads it from the raw message.
	if job.BCCEmail != nil && *job.BCCEmail != "" {
		if strings.ContainsAny(*job.BCCEmail, "\r\n") {
			return nil, fmt.Errorf("failed to compose message: invalid bcc address")
		}
		buf.WriteString("Bcc: " + *job.BCCEmail + "\r\n")
	}
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to compose message: %w", err)
	}
	return buf.Bytes(), nil
}

// AttachmentName maps a stored resume file "{uid}_{name}.pdf" to "{name}_resume.pdf".
func AttachmentName(path string) string {
	name := strings.ReplaceAll(filepath.Base(path), ".pdf", "_resume.pdf")
	if _, after, ok := strings.Cut(name, "_"); ok && after != "" {
		return after
	}
	return name
}
