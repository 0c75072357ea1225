package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"mailer-service/internal/auth"
	"mailer-service/internal/service"
)

type EmailHandler struct {
	responder
	emails       *service.EmailService
	authorizeURL string
}

func NewEmailHandler(emails *service.EmailService, publicBaseURL string, logger *zap.Logger) *EmailHandler {
	return &EmailHandler{
		responder:    responder{logger: logger},
		emails:       emails,
		authorizeURL: strings.TrimSuffix(publicBaseURL, "/") + "/api/oauth/gmail-authorize?purpose=authorize",
	}
}

func (h *EmailHandler) RegisterRoutes(r chi.Router) {
	r.Route("/email", func(r chi.Router) {
		r.Use(auth.Require)
		r.Post("/send-gmail-now", h.SendNow)
		r.Get("/search", h.Search)
		r.Get("/sent", h.Sent)
	})
}

func (h *EmailHandler) SendNow(w http.ResponseWriter, r *http.Request) {
	var req service.EmailRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	res, err := h.emails.SendNow(r.Context(), callerID(r), req)
	switch {
	case errors.Is(err, service.ErrGmailNotAuthorized):
		h.respondWithErrorData(w, http.StatusUnauthorized, err, "Gmail not authorized.",
			map[string]string{"redirect_url": h.authorizeURL})
	case errors.Is(err, service.ErrSendFailed) && res != nil:
		h.respondWithErrorData(w, http.StatusBadGateway, err, "Failed to send email.", res)
	case err != nil:
		h.respondWithError(w, getStatusCode(err), err, "Failed to send email.")
	default:
		h.respondOK(w, http.StatusCreated, res, "Email sent successfully.")
	}
}

func (h *EmailHandler) Search(w http.ResponseWriter, r *http.Request) {
	docs, err := h.emails.Search(r.Context(), callerID(r), r.URL.Query().Get("q"), queryInt(r, "size", 20))
	if err != nil {
		h.respondWithError(w, getStatusCode(err), err, "Search failed")
		return
	}
	h.respondOK(w, http.StatusOK, map[string]interface{}{"emails": docs, "count": len(docs)}, "")
}

// Sent lists the caller's sent mail from the durable store.
func (h *EmailHandler) Sent(w http.ResponseWriter, r *http.Request) {
	recs, err := h.emails.Sent(r.Context(), callerID(r), queryInt(r, "days", 30), queryInt(r, "limit", 100))
	if err != nil {
		h.respondWithError(w, getStatusCode(err), err, "Failed to list sent emails")
		return
	}
	h.respondOK(w, http.StatusOK, map[string]interface{}{"emails": recs, "count": len(recs)}, "")
}
