package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"mailer-service/internal/auth"
	"mailer-service/internal/service"
)

type TemplateHandler struct {
	responder
	templates *service.TemplateService
}

func NewTemplateHandler(templates *service.TemplateService, logger *zap.Logger) *TemplateHandler {
	return &TemplateHandler{responder: responder{logger: logger}, templates: templates}
}

func (h *TemplateHandler) RegisterRoutes(r chi.Router) {
	r.Route("/templates", func(r chi.Router) {
		r.Use(auth.Require)
		r.Get("/get-all-templates", h.List)
		r.Post("/add-template", h.Add)
	})
}

func (h *TemplateHandler) List(w http.ResponseWriter, r *http.Request) {
	templates, err := h.templates.List(r.Context(), callerID(r))
	if err != nil {
		h.respondWithError(w, getStatusCode(err), err, "Failed to get templates")
		return
	}
	msg := "Templates retrieved successfully."
	if len(templates) == 0 {
		msg = "No templates found for the user."
	}
	h.respondOK(w, http.StatusOK, map[string]interface{}{"templates": templates}, msg)
}

type templateRequest struct {
	TKey  string `json:"t_key"`
	TBody string `json:"t_body"`
}

func (h *TemplateHandler) Add(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	t, err := h.templates.Add(r.Context(), callerID(r), req.TKey, req.TBody)
	if err != nil {
		h.respondWithError(w, getStatusCode(err), err, "Failed to add template")
		return
	}
	h.respondOK(w, http.StatusCreated, map[string]int64{"template_id": t.TemplateID}, "Template added successfully.")
}
