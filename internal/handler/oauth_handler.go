package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"mailer-service/internal/service"
)

const stateCookie = "oauth_state"

type OAuthHandler struct {
	responder
	oauth       *service.OAuthService
	frontendURL string
	secure      bool
}

func NewOAuthHandler(oauth *service.OAuthService, frontendURL string, secureCookies bool, logger *zap.Logger) *OAuthHandler {
	return &OAuthHandler{responder: responder{logger: logger}, oauth: oauth, frontendURL: frontendURL, secure: secureCookies}
}

func (h *OAuthHandler) RegisterRoutes(r chi.Router) {
	r.Get("/oauth/gmail-authorize", h.Authorize)
	r.Get("/oauth/oauth2callback", h.Callback)
}

func (h *OAuthHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	url, state, err := h.oauth.AuthorizeURL()
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err, "Failed to start authorization")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/api/oauth",
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   600,
	})
	http.Redirect(w, r, url, http.StatusFound)
}

func (h *OAuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	stored := ""
	if c, err := r.Cookie(stateCookie); err == nil {
		stored = c.Value
	}
	q := r.URL.Query()

	if _, err := h.oauth.HandleCallback(r.Context(), q.Get("state"), stored, q.Get("code")); err != nil {
		h.respondWithError(w, getStatusCode(err), err, "Gmail authorization failed")
		return
	}
	http.SetCookie(w, &http.Cookie{Name: stateCookie, Path: "/api/oauth", MaxAge: -1})
	http.Redirect(w, r, h.frontendURL, http.StatusFound)
}
